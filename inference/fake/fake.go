// Package fake - a deterministic inference engine for tests and dry runs.
package fake

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/models/topology"
)

// Default output geometry, matching SSD MobileNet v2 lite on COCO.
const (
	DefaultAnchors = 1917
	DefaultClasses = 90
)

// OutputFunc produces the score and box tensors for one input.
type OutputFunc func(input *tensor.Dense) (scores, boxes *tensor.Dense, err error)

// Engine is an inference.Engine that never touches a native runtime.
//
// By default it validates the weights against the manifest like a real engine
// and returns constant tensors shaped [1, anchors, classes] and
// [1, anchors, 1, 4].
type Engine struct {
	// Anchors and Classes size the default output. Zero uses the defaults.
	Anchors int
	Classes int
	// ScoreValue and BoxValue fill the default output.
	ScoreValue float32
	BoxValue   float32
	// Output overrides the default output when set.
	Output OutputFunc
	// BuildErr and ExecuteErr force failures.
	BuildErr   error
	ExecuteErr error
	// SkipWeightCheck accepts any weights, including empty ones.
	SkipWeightCheck bool

	builds        atomic.Int64
	executions    atomic.Int64
	releases      atomic.Int64
	outputsClosed atomic.Int64
}

// New returns an engine producing all-ones outputs of the default geometry.
func New() *Engine {
	return &Engine{ScoreValue: 1, BoxValue: 1}
}

// Build implements inference.Engine.
func (e *Engine) Build(ctx context.Context, topo *topology.Topology, weights [][]byte) (inference.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.BuildErr != nil {
		return nil, e.BuildErr
	}
	if topo == nil {
		return nil, errors.New("nil topology")
	}
	if !e.SkipWeightCheck {
		if _, err := topo.AssembleWeights(weights); err != nil {
			return nil, errors.Wrap(err, "fake engine rejected weights")
		}
	}
	e.builds.Inc()
	return &graph{engine: e}, nil
}

// Builds returns the number of successful builds.
func (e *Engine) Builds() int { return int(e.builds.Load()) }

// Executions returns the number of Execute calls that reached the engine.
func (e *Engine) Executions() int { return int(e.executions.Load()) }

// Releases returns the number of graphs released.
func (e *Engine) Releases() int { return int(e.releases.Load()) }

// OutputsClosed returns the number of execution outputs closed by callers.
func (e *Engine) OutputsClosed() int { return int(e.outputsClosed.Load()) }

func (e *Engine) output(input *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	if e.Output != nil {
		return e.Output(input)
	}
	anchors, classes := e.Anchors, e.Classes
	if anchors == 0 {
		anchors = DefaultAnchors
	}
	if classes == 0 {
		classes = DefaultClasses
	}
	scores := tensor.New(
		tensor.WithShape(1, anchors, classes),
		tensor.WithBacking(filled(anchors*classes, e.ScoreValue)),
	)
	boxes := tensor.New(
		tensor.WithShape(1, anchors, 1, 4),
		tensor.WithBacking(filled(anchors*4, e.BoxValue)),
	)
	return scores, boxes, nil
}

type graph struct {
	engine   *Engine
	released atomic.Bool
}

func (g *graph) Execute(ctx context.Context, input *tensor.Dense) (*inference.RawOutput, error) {
	if g.released.Load() {
		return nil, errors.New("graph already released")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.engine.executions.Inc()
	if g.engine.ExecuteErr != nil {
		return nil, g.engine.ExecuteErr
	}
	scores, boxes, err := g.engine.output(input)
	if err != nil {
		return nil, err
	}
	return inference.NewRawOutput(scores, boxes, func() error {
		g.engine.outputsClosed.Inc()
		return nil
	}), nil
}

func (g *graph) Release() error {
	if g.released.CompareAndSwap(false, true) {
		g.engine.releases.Inc()
	}
	return nil
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
