// Package opencv - an inference engine backed by the OpenCV DNN module.
package opencv

import (
	"context"
	"encoding/json"
	"image"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/models/topology"
)

// Config selects the DNN backend and target device.
type Config struct {
	// Backend is one of "default", "opencv", "openvino", "cuda" or "vulkan".
	Backend string `json:"backend" yaml:"backend"`
	// Target is one of "cpu", "fp32", "fp16", "opencl", "cuda" or "vulkan".
	Target string `json:"target" yaml:"target"`
}

// DefaultConfig runs on the OpenCV backend on the CPU.
func DefaultConfig() Config {
	return Config{Backend: "opencv", Target: "cpu"}
}

// Engine builds OpenCV DNN networks from assembled model bytes.
type Engine struct {
	config Config
	logger *zap.Logger
}

// New creates an engine.
func New(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{config: config, logger: logger}
}

// framework maps a topology format to the OpenCV reader name.
func framework(format string) (string, error) {
	switch strings.ToLower(format) {
	case "onnx":
		return "onnx", nil
	case "tensorflow", "tf", "frozen-graph":
		return "tensorflow", nil
	case "caffe":
		return "caffe", nil
	case "darknet":
		return "darknet", nil
	default:
		return "", errors.Errorf("opencv engine cannot run %q models", format)
	}
}

// networkConfig returns the text config bundled in modelTopology, if any.
// Tensorflow and darknet models carry it as a JSON string.
func networkConfig(topo *topology.Topology) []byte {
	var s string
	if len(topo.ModelTopology) == 0 || json.Unmarshal(topo.ModelTopology, &s) != nil {
		return nil
	}
	return []byte(s)
}

// Build implements inference.Engine.
func (e *Engine) Build(ctx context.Context, topo *topology.Topology, weights [][]byte) (inference.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topo == nil {
		return nil, errors.New("nil topology")
	}
	fw, err := framework(topo.Format)
	if err != nil {
		return nil, err
	}
	model, err := topo.AssembleWeights(weights)
	if err != nil {
		return nil, err
	}

	net, err := gocv.ReadNetBytes(fw, model, networkConfig(topo))
	if err != nil {
		return nil, errors.Wrap(err, "error reading network")
	}
	if net.Empty() {
		net.Close()
		return nil, errors.New("network is empty")
	}
	net.SetPreferableBackend(gocv.ParseNetBackend(e.config.Backend))
	net.SetPreferableTarget(gocv.ParseNetTarget(e.config.Target))

	meta := topo.Meta()
	e.logger.Debug("opencv network created",
		zap.String("framework", fw),
		zap.Int("model_bytes", len(model)),
		zap.String("backend", e.config.Backend),
		zap.String("target", e.config.Target),
	)
	return &graph{logger: e.logger, net: net, input: meta.InputName, outputs: meta.OutputNames}, nil
}

// graph wraps a gocv.Net, which is not safe for concurrent use.
type graph struct {
	mu       sync.Mutex
	logger   *zap.Logger
	net      gocv.Net
	input    string
	outputs  []string
	released atomic.Bool
}

func (g *graph) Execute(ctx context.Context, img *tensor.Dense) (*inference.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := blobFromTensor(img)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released.Load() {
		return nil, errors.New("graph already released")
	}

	g.net.SetInput(blob, g.input)
	mats := g.net.ForwardLayers(g.outputs)
	defer func() {
		if err := closeAll(mats); err != nil {
			g.logger.Warn("failed to close network outputs", zap.Error(err))
		}
	}()
	if len(mats) != 2 {
		return nil, errors.Errorf("network produced %d outputs, want 2", len(mats))
	}

	scores, err := denseFromMat(mats[0])
	if err != nil {
		return nil, errors.Wrap(err, "score output")
	}
	boxes, err := denseFromMat(mats[1])
	if err != nil {
		return nil, errors.Wrap(err, "box output")
	}
	return inference.NewRawOutput(scores, boxes, nil), nil
}

func (g *graph) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	return g.net.Close()
}

// blobFromTensor converts an [H, W, 3] or [1, H, W, 3] float32 tensor into
// an NCHW blob.
func blobFromTensor(img *tensor.Dense) (gocv.Mat, error) {
	if img == nil {
		return gocv.Mat{}, errors.New("nil input")
	}
	h, w, c, err := hwc(img.Shape())
	if err != nil {
		return gocv.Mat{}, err
	}
	if c != 3 {
		return gocv.Mat{}, errors.Errorf("input has %d channels, want 3", c)
	}
	data, ok := img.Data().([]float32)
	if !ok || len(data) != h*w*c {
		return gocv.Mat{}, errors.Errorf("input has dtype %v, want float32", img.Dtype())
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32FC3, raw)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "error wrapping input")
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(w, h), gocv.NewScalar(0, 0, 0, 0), false, false)
	runtime.KeepAlive(data)
	return blob, nil
}

func hwc(shape tensor.Shape) (h, w, c int, err error) {
	switch {
	case len(shape) == 3:
		return shape[0], shape[1], shape[2], nil
	case len(shape) == 4 && shape[0] == 1:
		return shape[1], shape[2], shape[3], nil
	default:
		return 0, 0, 0, errors.Errorf("input has shape %v, want [H, W, C]", shape)
	}
}

// denseFromMat copies a float32 Mat into Go memory so the Mat can be closed.
func denseFromMat(m gocv.Mat) (*tensor.Dense, error) {
	if m.Empty() {
		return nil, errors.New("empty output")
	}
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	dims := m.Size()
	if len(dims) == 0 {
		dims = []int{len(data)}
	}
	return tensor.New(
		tensor.WithShape(dims...),
		tensor.WithBacking(append([]float32(nil), data...)),
	), nil
}

// closeAll closes every Mat and joins the errors.
func closeAll(mats []gocv.Mat) error {
	var err error
	for i := range mats {
		err = multierr.Append(err, mats[i].Close())
	}
	return err
}
