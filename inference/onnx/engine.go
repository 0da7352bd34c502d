package onnx

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/models/topology"
)

// Format is the topology format this engine accepts.
const Format = "onnx"

// The ORT environment is process wide.
var (
	envMu    sync.Mutex
	envOwner *Engine
)

// Engine builds ONNX Runtime sessions from assembled model bytes.
type Engine struct {
	config Config
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine. The ORT environment is initialised lazily on the
// first Build.
func New(config Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{config: config, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) initEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}

	libPath := e.config.SharedLibraryPath
	if libPath == "" {
		var err error
		if libPath, err = SharedLibPath(); err != nil {
			return err
		}
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "error initializing ORT environment from %s", libPath)
	}
	envOwner = e
	e.logger.Info("onnxruntime initialized", zap.String("library", libPath))
	return nil
}

// Close tears down the ORT environment if this engine created it. Graphs
// built by the engine must be released first.
func (e *Engine) Close() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envOwner != e || !ort.IsInitialized() {
		return nil
	}
	envOwner = nil
	return ort.DestroyEnvironment()
}

// Build implements inference.Engine.
func (e *Engine) Build(ctx context.Context, topo *topology.Topology, weights [][]byte) (inference.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topo == nil {
		return nil, errors.New("nil topology")
	}
	if !strings.EqualFold(topo.Format, Format) {
		return nil, errors.Errorf("onnx engine cannot run %q models", topo.Format)
	}
	model, err := topo.AssembleWeights(weights)
	if err != nil {
		return nil, err
	}
	if err := e.initEnvironment(); err != nil {
		return nil, err
	}

	meta := topo.Meta()
	options, err := sessionOptions(e.config)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model,
		[]string{meta.InputName},
		meta.OutputNames,
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	e.logger.Debug("onnx session created",
		zap.Int("model_bytes", len(model)),
		zap.String("input", meta.InputName),
		zap.Strings("outputs", meta.OutputNames),
	)
	return &graph{session: session, inputDtype: meta.InputDtype}, nil
}

type graph struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputDtype string
	released   atomic.Bool
}

func (g *graph) Execute(ctx context.Context, img *tensor.Dense) (*inference.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := inputValue(img, g.inputDtype)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released.Load() {
		return nil, errors.New("graph already released")
	}

	outputs := []ort.Value{nil, nil}
	if err := g.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "onnx run failed"), destroyAll(outputs))
	}

	scores, err := denseOutput(outputs[0])
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "score output"), destroyAll(outputs))
	}
	boxes, err := denseOutput(outputs[1])
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "box output"), destroyAll(outputs))
	}
	return inference.NewRawOutput(scores, boxes, func() error {
		return destroyAll(outputs)
	}), nil
}

func (g *graph) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	return g.session.Destroy()
}

// inputValue copies an [H, W, C] or [1, H, W, C] image tensor into an ORT
// tensor of the model's input dtype, always batched.
func inputValue(img *tensor.Dense, dtype string) (ort.Value, error) {
	if img == nil {
		return nil, errors.New("nil input")
	}
	shape := img.Shape()
	var dims []int64
	switch {
	case len(shape) == 3:
		dims = []int64{1, int64(shape[0]), int64(shape[1]), int64(shape[2])}
	case len(shape) == 4 && shape[0] == 1:
		dims = []int64{1, int64(shape[1]), int64(shape[2]), int64(shape[3])}
	default:
		return nil, errors.Errorf("input has shape %v, want [H, W, C]", shape)
	}

	data, ok := img.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("input has dtype %v, want float32", img.Dtype())
	}

	s := ort.NewShape(dims...)
	switch dtype {
	case "", "float32":
		return ort.NewTensor(s, append([]float32(nil), data...))
	case "int32":
		return ort.NewTensor(s, convert[int32](data))
	case "uint8":
		return ort.NewTensor(s, convert[uint8](data))
	default:
		return nil, errors.Errorf("unsupported input dtype %q", dtype)
	}
}

func convert[T int32 | uint8](data []float32) []T {
	out := make([]T, len(data))
	for i, v := range data {
		out[i] = T(v)
	}
	return out
}

// denseOutput wraps an ORT float32 output without copying it. The wrapper
// is only valid until the value is destroyed.
func denseOutput(v ort.Value) (*tensor.Dense, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok || t == nil {
		return nil, errors.Errorf("output is %T, want a float32 tensor", v)
	}
	shape := t.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(t.GetData())), nil
}

func destroyAll(values []ort.Value) error {
	var err error
	for i, v := range values {
		if v == nil {
			continue
		}
		err = multierr.Append(err, v.Destroy())
		values[i] = nil
	}
	return err
}
