package detector

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-autotag/images"
	"github.com/nvr-ai/go-autotag/inference/fake"
	"github.com/nvr-ai/go-autotag/models"
	"github.com/nvr-ai/go-autotag/models/topology"
	"github.com/nvr-ai/go-autotag/profiler"
	"github.com/nvr-ai/go-autotag/storage"
	"github.com/nvr-ai/go-autotag/test"
)

func imageTensor(h, w int) *tensor.Dense {
	return tensor.New(tensor.WithShape(h, w, 3), tensor.Of(tensor.Float32))
}

func newLocalPipeline(t *testing.T, engine *fake.Engine, m test.Model, opts ...Option) (*ObjectDetection, *test.RecordingStorage) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, test.WriteModel(fs, "path", m))
	rec := test.NewRecordingStorage(func(root string) storage.Storage {
		return storage.NewLocalFileSystem(fs, root)
	})

	logger := zaptest.NewLogger(t)
	loader := models.NewLoader(models.WithStorage(rec.Factory()), models.WithLogger(logger))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(loader, engine, opts...), rec
}

func TestLoadLocalFiveShards(t *testing.T) {
	engine := fake.New()
	d, rec := newLocalPipeline(t, engine, test.FiveShardModel())

	require.NoError(t, d.Load(context.Background(), "path"))
	assert.True(t, d.Loaded())
	assert.Equal(t, []string{"/model.json"}, rec.TextReads())
	assert.Len(t, rec.BinaryReads(), 5)
	assert.Equal(t, 1, engine.Builds())
}

func TestLoadRemoteFiveShards(t *testing.T) {
	srv := test.NewModelServer(test.FiveShardModel())
	defer srv.Close()

	d := New(models.NewLoader(), fake.New(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, d.Load(context.Background(), srv.URL))
	assert.True(t, d.Loaded())
	assert.Len(t, srv.Requests(), 6)
}

func TestLoadFailureLeavesPipelineUnloaded(t *testing.T) {
	t.Run("topology fetch", func(t *testing.T) {
		srv := test.NewModelServer(test.FiveShardModel())
		defer srv.Close()
		srv.FailPath("/model.json", http.StatusNotFound)

		engine := fake.New()
		d := New(models.NewLoader(), engine)
		err := d.Load(context.Background(), srv.URL)
		require.Error(t, err)
		assert.True(t, models.IsFetchError(err))
		assert.False(t, d.Loaded())
		assert.Len(t, srv.Requests(), 1)
		assert.Equal(t, 0, engine.Builds())
	})

	t.Run("empty shard", func(t *testing.T) {
		m := test.FiveShardModel()
		m.Shards[test.ShardNames[4]] = []byte{}
		d, rec := newLocalPipeline(t, fake.New(), m)

		err := d.Load(context.Background(), "path")
		require.Error(t, err)
		assert.True(t, models.IsBuildError(err))
		assert.False(t, d.Loaded())
		assert.Len(t, rec.BinaryReads(), 5)
	})

	t.Run("engine rejects model", func(t *testing.T) {
		engine := fake.New()
		engine.BuildErr = assert.AnError
		d, _ := newLocalPipeline(t, engine, test.FiveShardModel())

		err := d.Load(context.Background(), "path")
		assert.True(t, models.IsBuildError(err))
		assert.False(t, d.Loaded())
		assert.Empty(t, d.Detect(context.Background(), imageTensor(4, 4), 1))
	})
}

func TestDetectAllOnesScenario(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel())
	require.NoError(t, d.Load(context.Background(), "path"))

	got := d.Detect(context.Background(), imageTensor(227, 227), 1)
	require.Len(t, got, 1)
	assert.Equal(t, [4]float32{227, 227, 0, 0}, got[0].BoundingBox)
	assert.Equal(t, "", got[0].ClassName)
	assert.Equal(t, float32(1), got[0].Score)

	raw, err := json.Marshal(got[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"bbox":[227,227,0,0],"class":"","score":1}`, string(raw))

	assert.Equal(t, 1, engine.Executions())
	assert.Equal(t, 1, engine.OutputsClosed())
}

func TestDetectBeforeLoad(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel())

	assert.Empty(t, d.Detect(context.Background(), nil, 1))
	assert.Empty(t, d.Detect(context.Background(), imageTensor(8, 8), 1))
	assert.NotNil(t, d.Detect(context.Background(), imageTensor(8, 8), 1))
	assert.Empty(t, d.DetectImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), 1))
	assert.Equal(t, 0, engine.Executions())
}

func TestDetectInvalidInput(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel())
	require.NoError(t, d.Load(context.Background(), "path"))

	assert.Empty(t, d.Detect(context.Background(), nil, 1))
	assert.Empty(t, d.Detect(context.Background(), tensor.New(tensor.WithShape(4, 4), tensor.Of(tensor.Float32)), 1))
	assert.Empty(t, d.DetectImage(context.Background(), nil, 1))
	assert.Equal(t, 0, engine.Executions())
}

func TestDetectFailSoft(t *testing.T) {
	t.Run("engine error", func(t *testing.T) {
		engine := fake.New()
		engine.ExecuteErr = assert.AnError
		d, _ := newLocalPipeline(t, engine, test.FiveShardModel())
		require.NoError(t, d.Load(context.Background(), "path"))

		assert.Empty(t, d.Detect(context.Background(), imageTensor(10, 10), 5))
		assert.Equal(t, 1, engine.Executions())
		assert.True(t, d.Loaded())
	})

	t.Run("mismatched anchors", func(t *testing.T) {
		engine := fake.New()
		engine.Output = func(*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
			return tensor.New(tensor.WithShape(1, 3, 2), tensor.Of(tensor.Float32)),
				tensor.New(tensor.WithShape(1, 4, 1, 4), tensor.Of(tensor.Float32)), nil
		}
		d, _ := newLocalPipeline(t, engine, test.FiveShardModel())
		require.NoError(t, d.Load(context.Background(), "path"))

		assert.Empty(t, d.Detect(context.Background(), imageTensor(10, 10), 5))
		// Outputs are released on the error path too.
		assert.Equal(t, 1, engine.OutputsClosed())
	})
}

func TestDetectRespectsMaxResultsAndOrder(t *testing.T) {
	engine := fake.New()
	engine.Output = func(*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
		scores := []float32{
			0.1, 0.2, 0.3,
			0.9, 0.0, 0.0,
			0.0, 0.5, 0.0,
			0.0, 0.0, 0.7,
		}
		boxes := []float32{
			0, 0, 0.5, 0.5,
			0.1, 0.1, 0.2, 0.2,
			0.5, 0.5, 1, 1,
			0, 0, 1, 1,
		}
		return tensor.New(tensor.WithShape(1, 4, 3), tensor.WithBacking(scores)),
			tensor.New(tensor.WithShape(1, 4, 1, 4), tensor.WithBacking(boxes)), nil
	}
	tracker := profiler.NewTracker(0)
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel(),
		WithTracker(tracker),
		WithLabels(map[int]string{0: "zero", 1: "one", 2: "two"}),
	)
	require.NoError(t, d.Load(context.Background(), "path"))

	got := d.Detect(context.Background(), imageTensor(100, 200), 3)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{0.9, 0.7, 0.5}, []float32{got[0].Score, got[1].Score, got[2].Score})
	assert.Equal(t, "zero", got[0].ClassName)
	assert.Equal(t, "two", got[1].ClassName)
	assert.Equal(t, "one", got[2].ClassName)
	assert.InDeltaSlice(t, []float32{20, 10, 20, 10}, got[0].BoundingBox[:], 1e-4)

	// Zero falls back to the default cap.
	assert.Len(t, d.Detect(context.Background(), imageTensor(100, 200), 0), 4)

	stats := tracker.Stats()
	var names []string
	for _, s := range stats {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, profiler.OperationExecute)
	assert.Contains(t, names, profiler.OperationDecode)
}

func TestDetectWithLayoutOverride(t *testing.T) {
	engine := fake.New()
	engine.Output = func(*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
		// Boxes stored as [xmin, ymin, xmax, ymax].
		return tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{0.2, 0.8})),
			tensor.New(tensor.WithShape(1, 1, 1, 4), tensor.WithBacking([]float32{0.1, 0.2, 0.5, 0.6})), nil
	}
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel(),
		WithLayout(topology.BoxLayout{Order: [4]int{1, 0, 3, 2}, Format: topology.BoxFormatXYXY}),
	)
	require.NoError(t, d.Load(context.Background(), "path"))

	got := d.Detect(context.Background(), imageTensor(100, 100), 1)
	require.Len(t, got, 1)
	assert.InDeltaSlice(t, []float32{10, 20, 50, 60}, got[0].BoundingBox[:], 1e-4)
	assert.Equal(t, "person", got[0].ClassName)
}

func TestDetectUsesModelMetadata(t *testing.T) {
	m := test.FiveShardModel()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(m.Document), &doc))
	doc["userDefinedMetadata"] = map[string]interface{}{
		"boxFormat": "xyxy",
		"labels":    map[string]string{"0": "background", "1": "vehicle"},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	m.Document = string(raw)

	d, _ := newLocalPipeline(t, fake.New(), m)
	require.NoError(t, d.Load(context.Background(), "path"))

	got := d.Detect(context.Background(), imageTensor(10, 20), 1)
	require.Len(t, got, 1)
	assert.Equal(t, [4]float32{20, 10, 20, 10}, got[0].BoundingBox)
	assert.Equal(t, "background", got[0].ClassName)
}

func TestDetectImage(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel(),
		WithTensorOptions(images.TensorOptions{Width: 30, Height: 30}),
	)
	require.NoError(t, d.Load(context.Background(), "path"))

	got := d.DetectImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)), 2)
	require.Len(t, got, 2)
	// Scaled to the source image, not the resized tensor.
	assert.Equal(t, [4]float32{64, 48, 0, 0}, got[0].BoundingBox)
}

func TestDisposeIsIdempotent(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel())

	d.Dispose()
	assert.False(t, d.Loaded())

	require.NoError(t, d.Load(context.Background(), "path"))
	d.Dispose()
	assert.False(t, d.Loaded())
	d.Dispose()
	assert.False(t, d.Loaded())
	assert.Equal(t, 1, engine.Releases())

	assert.Empty(t, d.Detect(context.Background(), imageTensor(8, 8), 1))
	assert.Equal(t, 0, engine.Executions())
}

func TestReloadReleasesPreviousGraph(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel())

	require.NoError(t, d.Load(context.Background(), "path"))
	require.NoError(t, d.Load(context.Background(), "path"))
	assert.Equal(t, 2, engine.Builds())
	assert.Equal(t, 1, engine.Releases())
	assert.True(t, d.Loaded())

	// A failed reload leaves nothing loaded.
	require.Error(t, d.Load(context.Background(), "missing"))
	assert.False(t, d.Loaded())
	assert.Equal(t, 2, engine.Releases())
}

func TestConcurrentDetect(t *testing.T) {
	engine := fake.New()
	d, _ := newLocalPipeline(t, engine, test.FiveShardModel())
	require.NoError(t, d.Load(context.Background(), "path"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, d.Detect(context.Background(), imageTensor(16, 16), 3), 3)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, engine.Executions())
	assert.Equal(t, 8, engine.OutputsClosed())
}
