// Package detector - object detection over a loaded model.
package detector

import (
	"context"
	"image"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-autotag/images"
	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/models"
	"github.com/nvr-ai/go-autotag/models/postprocess"
	"github.com/nvr-ai/go-autotag/models/topology"
	"github.com/nvr-ai/go-autotag/profiler"
)

// ObjectDetection loads one model at a time and runs detections on it.
//
// Detect never fails: until a Load succeeds, and after Dispose, it returns no
// detections. Load calls are serialised; Detect may run concurrently with
// other Detect calls.
type ObjectDetection struct {
	loader  *models.Loader
	engine  inference.Engine
	logger  *zap.Logger
	tracker *profiler.Tracker

	layout      *topology.BoxLayout
	minScore    float32
	nms         *postprocess.NMSConfig
	labels      map[int]string
	labelFamily models.LabelFamily
	tensorOpts  images.TensorOptions

	loadMu sync.Mutex
	mu     sync.RWMutex
	graph  inference.Graph
	model  modelState
	loaded atomic.Bool
}

// modelState is what Detect needs to know about the loaded model.
type modelState struct {
	source models.Source
	layout topology.BoxLayout
	labels map[int]string
}

// Option configures an ObjectDetection.
type Option func(*ObjectDetection)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *ObjectDetection) {
		d.logger = logger
	}
}

// WithTracker records execute and decode timings.
func WithTracker(t *profiler.Tracker) Option {
	return func(d *ObjectDetection) {
		d.tracker = t
	}
}

// WithLayout overrides the box layout declared by the model.
func WithLayout(l topology.BoxLayout) Option {
	return func(d *ObjectDetection) {
		d.layout = &l
	}
}

// WithMinScore drops detections scoring below s.
func WithMinScore(s float32) Option {
	return func(d *ObjectDetection) {
		d.minScore = s
	}
}

// WithNMS enables non-maximum suppression.
func WithNMS(c postprocess.NMSConfig) Option {
	return func(d *ObjectDetection) {
		d.nms = &c
	}
}

// WithLabels overrides the label table of every loaded model.
func WithLabels(labels map[int]string) Option {
	return func(d *ObjectDetection) {
		d.labels = labels
	}
}

// WithLabelFamily sets the label table used when a model bundles none.
func WithLabelFamily(f models.LabelFamily) Option {
	return func(d *ObjectDetection) {
		d.labelFamily = f
	}
}

// WithTensorOptions sets how DetectImage converts images.
func WithTensorOptions(o images.TensorOptions) Option {
	return func(d *ObjectDetection) {
		d.tensorOpts = o
	}
}

// New creates a pipeline. Nothing is loaded until Load is called.
//
// Arguments:
//   - loader: Fetches models. Nil uses models.NewLoader().
//   - engine: Builds and runs graphs.
//   - opts: Optional settings.
//
// Returns:
//   - *ObjectDetection: The pipeline, not loaded.
func New(loader *models.Loader, engine inference.Engine, opts ...Option) *ObjectDetection {
	if loader == nil {
		loader = models.NewLoader()
	}
	d := &ObjectDetection{
		loader: loader,
		engine: engine,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Loaded reports whether a model is ready for detection.
func (d *ObjectDetection) Loaded() bool {
	return d.loaded.Load()
}

// Load fetches the model at source, builds it and makes it the active model.
// Any previously loaded model is released first, so a failed Load leaves the
// pipeline unloaded.
//
// Arguments:
//   - ctx: Bounds fetching and graph construction.
//   - source: A directory or an http(s) base URL holding model.json.
//
// Returns:
//   - error: A *models.FetchError, *models.ParseError or *models.BuildError.
func (d *ObjectDetection) Load(ctx context.Context, source string) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	d.unload()

	artifacts, err := d.loader.Load(ctx, source)
	if err != nil {
		return err
	}

	state, err := d.resolve(artifacts)
	if err != nil {
		return err
	}

	graph, err := d.loader.Build(ctx, d.engine, artifacts)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.graph = graph
	d.model = state
	d.loaded.Store(true)
	d.mu.Unlock()

	d.logger.Info("model loaded",
		zap.Stringer("source", state.source),
		zap.String("box_format", string(state.layout.Format)),
		zap.Ints("box_order", state.layout.Order[:]),
		zap.Int("labels", len(state.labels)),
	)
	return nil
}

func (d *ObjectDetection) resolve(a *models.Artifacts) (modelState, error) {
	state := modelState{
		source: a.Source,
		layout: a.Topology.Meta().Layout(),
	}
	if d.layout != nil {
		state.layout = *d.layout
	}
	if err := state.layout.Validate(); err != nil {
		return modelState{}, &models.ParseError{Err: err}
	}

	state.labels = d.labels
	if state.labels == nil {
		labels, err := models.ResolveLabels(a.Topology, d.labelFamily)
		if err != nil {
			return modelState{}, &models.ParseError{Err: err}
		}
		state.labels = labels
	}
	return state, nil
}

// Detect runs the loaded model on an image tensor shaped [H, W, C] or
// [1, H, W, C] and returns at most maxResults detections sorted by descending
// score. It returns no detections when nothing is loaded, the image is nil or
// malformed, or the engine fails.
func (d *ObjectDetection) Detect(ctx context.Context, img *tensor.Dense, maxResults int) []DetectedObject {
	h, w, ok := images.Dimensions(img)
	if img != nil && !ok {
		d.logger.Warn("skipping detection on malformed image tensor", zap.Ints("shape", img.Shape()))
		return []DetectedObject{}
	}
	return d.detect(ctx, img, w, h, maxResults)
}

// DetectImage converts img and runs Detect on it. Boxes are scaled to the
// size of img, also when the tensor options resize it.
func (d *ObjectDetection) DetectImage(ctx context.Context, img image.Image, maxResults int) []DetectedObject {
	if img == nil || !d.loaded.Load() {
		return []DetectedObject{}
	}
	t := images.ToTensor(img, d.tensorOpts)
	b := img.Bounds()
	return d.detect(ctx, t, b.Dx(), b.Dy(), maxResults)
}

func (d *ObjectDetection) detect(ctx context.Context, img *tensor.Dense, width, height, maxResults int) []DetectedObject {
	if img == nil || !d.loaded.Load() {
		return []DetectedObject{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.graph == nil || !d.loaded.Load() {
		return []DetectedObject{}
	}

	done := d.tracker.StartOperation(profiler.OperationExecute)
	out, err := d.graph.Execute(ctx, img)
	done()
	if err != nil {
		d.logger.Warn("inference failed", zap.Error(err))
		return []DetectedObject{}
	}
	defer func() {
		if err := out.Close(); err != nil {
			d.logger.Warn("failed to release inference output", zap.Error(err))
		}
	}()

	done = d.tracker.StartOperation(profiler.OperationDecode)
	detections, err := Decode(out.Scores, out.Boxes, width, height, DecodeOptions{
		MinScore:   d.minScore,
		MaxResults: maxResults,
		Layout:     d.model.layout,
		Labels:     d.model.labels,
		NMS:        d.nms,
	})
	done()
	if err != nil {
		d.logger.Warn("failed to decode inference output", zap.Error(err))
		return []DetectedObject{}
	}
	return detections
}

// Dispose releases the loaded model. It is safe to call at any time and more
// than once.
func (d *ObjectDetection) Dispose() {
	d.unload()
}

func (d *ObjectDetection) unload() {
	d.loaded.Store(false)

	d.mu.Lock()
	graph := d.graph
	d.graph = nil
	d.model = modelState{}
	d.mu.Unlock()

	if graph == nil {
		return
	}
	if err := graph.Release(); err != nil {
		d.logger.Warn("failed to release model", zap.Error(err))
	}
}
