package models

import (
	"context"
	"net/http"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nvr-ai/go-autotag/inference/fake"
	"github.com/nvr-ai/go-autotag/profiler"
	"github.com/nvr-ai/go-autotag/storage"
	"github.com/nvr-ai/go-autotag/test"
	"github.com/nvr-ai/go-autotag/transport"
)

func newMemLoader(t *testing.T, m test.Model) (*Loader, *test.RecordingStorage) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, test.WriteModel(fs, "path", m))

	rec := test.NewRecordingStorage(func(root string) storage.Storage {
		return storage.NewLocalFileSystem(fs, root)
	})
	l := NewLoader(
		WithStorage(rec.Factory()),
		WithLogger(zaptest.NewLogger(t)),
	)
	return l, rec
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want SourceKind
	}{
		{in: "http://url", want: SourceRemote},
		{in: "https://models.example.com/ssd", want: SourceRemote},
		{in: "HTTPS://models.example.com/ssd", want: SourceRemote},
		{in: "path", want: SourceLocal},
		{in: "/var/lib/models/ssd", want: SourceLocal},
		{in: "", want: SourceLocal},
		{in: "ftp://host/model", want: SourceLocal},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			src := ParseSource(tt.in)
			assert.Equal(t, tt.want, src.Kind)
			assert.Equal(t, tt.in, src.Location)
		})
	}
}

func TestLoadLocalReadsTopologyThenEveryShard(t *testing.T) {
	l, rec := newMemLoader(t, test.FiveShardModel())

	a, err := l.Load(context.Background(), "path")
	require.NoError(t, err)

	assert.Equal(t, []string{"/model.json"}, rec.TextReads())
	want := make([]string, 0, len(test.ShardNames))
	for _, name := range test.ShardNames {
		want = append(want, "/"+name)
	}
	assert.Equal(t, want, rec.BinaryReads())

	// Topology first, then shards.
	calls := rec.Calls()
	require.Len(t, calls, 6)
	assert.False(t, calls[0].Binary)
	assert.Equal(t, "path", calls[0].Root)

	require.Len(t, a.Weights, 5)
	assert.Equal(t, int64(28), a.Bytes())
	assert.Equal(t, SourceLocal, a.Source.Kind)
	assert.Equal(t, []byte{1, 1, 1, 1, 1, 1, 1, 1}, a.Weights[0])
}

func TestLoadLocalMissingTopology(t *testing.T) {
	l, rec := newMemLoader(t, test.FiveShardModel())

	_, err := l.Load(context.Background(), "elsewhere")
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Empty(t, rec.BinaryReads())
}

func TestLoadLocalMissingShardAborts(t *testing.T) {
	m := test.FiveShardModel()
	delete(m.Shards, test.ShardNames[2])
	l, rec := newMemLoader(t, m)

	_, err := l.Load(context.Background(), "path")
	require.Error(t, err)
	assert.True(t, IsFetchError(err))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Path, test.ShardNames[2])
	// The failing shard is the last one read.
	assert.Len(t, rec.BinaryReads(), 3)
}

func TestLoadLocalMalformedTopology(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: "{"},
		{name: "missing manifest", doc: `{"modelTopology": {}}`},
		{name: "bad box format", doc: `{"modelTopology": {}, "weightsManifest": [{"paths": ["a"]}], "userDefinedMetadata": {"boxFormat": "cxcywh"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, rec := newMemLoader(t, test.Model{Document: tt.doc})
			_, err := l.Load(context.Background(), "path")
			require.Error(t, err)
			assert.True(t, IsParseError(err))
			assert.False(t, IsFetchError(err))
			assert.Empty(t, rec.BinaryReads())
		})
	}
}

func TestLoadRemoteIssuesOneGetPerFile(t *testing.T) {
	srv := test.NewModelServer(test.FiveShardModel())
	defer srv.Close()

	l := NewLoader(WithLogger(zaptest.NewLogger(t)))
	a, err := l.Load(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, a.Source.Kind)

	reqs := srv.Requests()
	require.Len(t, reqs, 6)
	assert.Equal(t, "/model.json", reqs[0])
	for i, name := range test.ShardNames {
		assert.Equal(t, "/"+name, reqs[i+1])
	}
}

func TestLoadRemoteTopologyNotFound(t *testing.T) {
	srv := test.NewModelServer(test.FiveShardModel())
	defer srv.Close()
	srv.FailPath("/model.json", http.StatusNotFound)

	l := NewLoader()
	_, err := l.Load(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))

	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Len(t, srv.Requests(), 1)
}

func TestLoadRemoteInvalidJSONIsParseError(t *testing.T) {
	srv := test.NewModelServer(test.Model{Document: "<html>"})
	defer srv.Close()

	_, err := NewLoader().Load(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsParseError(err))
	assert.Len(t, srv.Requests(), 1)
}

func TestLoadRemoteShardFailureAborts(t *testing.T) {
	srv := test.NewModelServer(test.FiveShardModel())
	defer srv.Close()
	srv.FailPath("/"+test.ShardNames[1], http.StatusInternalServerError)

	_, err := NewLoader().Load(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Len(t, srv.Requests(), 3)
}

func TestBuild(t *testing.T) {
	l, _ := newMemLoader(t, test.FiveShardModel())
	tracker := profiler.NewTracker(0)
	l.tracker = tracker

	a, err := l.Load(context.Background(), "path")
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		engine := fake.New()
		g, err := l.Build(context.Background(), engine, a)
		require.NoError(t, err)
		require.NotNil(t, g)
		assert.Equal(t, 1, engine.Builds())
		require.NoError(t, g.Release())
	})

	t.Run("empty shard", func(t *testing.T) {
		broken := *a
		broken.Weights = append([][]byte(nil), a.Weights...)
		broken.Weights[3] = nil
		_, err := l.Build(context.Background(), fake.New(), &broken)
		require.Error(t, err)
		assert.True(t, IsBuildError(err))
	})

	t.Run("engine failure", func(t *testing.T) {
		engine := fake.New()
		engine.BuildErr = assert.AnError
		_, err := l.Build(context.Background(), engine, a)
		require.Error(t, err)
		assert.True(t, IsBuildError(err))
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("no engine", func(t *testing.T) {
		_, err := l.Build(context.Background(), nil, a)
		assert.True(t, IsBuildError(err))
	})

	var names []string
	for _, s := range tracker.Stats() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, profiler.OperationLoad)
	assert.Contains(t, names, profiler.OperationFetch)
	assert.Contains(t, names, profiler.OperationBuild)
}

func TestInspect(t *testing.T) {
	l, rec := newMemLoader(t, test.FiveShardModel())

	topo, err := l.Inspect(context.Background(), "path")
	require.NoError(t, err)
	assert.Len(t, topo.Shards(), 5)
	assert.Empty(t, rec.BinaryReads())
}

func TestResolveLabels(t *testing.T) {
	labels, err := ResolveLabels(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "person", labels[1])
	assert.Equal(t, "", LookupName(labels, 0))
	assert.Equal(t, "", LookupName(labels, 12))
	assert.Len(t, labels, 80)

	labels, err = Labels(LabelFamilyYOLO)
	require.NoError(t, err)
	assert.Equal(t, "person", labels[0])
	assert.Equal(t, "toothbrush", labels[79])

	labels, err = Labels(LabelFamilyVOC)
	require.NoError(t, err)
	assert.Equal(t, "tvmonitor", labels[20])

	_, err = Labels("imagenet")
	assert.Error(t, err)
}
