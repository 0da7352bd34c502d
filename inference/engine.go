// Package inference - Inference engine interface shared by all runtimes.
package inference

import (
	"context"

	"github.com/nvr-ai/go-autotag/models/topology"
	"gorgonia.org/tensor"
)

// Engine builds executable graphs from a topology and its weight shards.
//
// Engines hold whatever process-wide runtime state their backend needs. They
// are passed explicitly to the components that use them.
type Engine interface {
	// Build constructs an executable graph. The weights are the shard buffers
	// in manifest order. Malformed or empty weights must fail here rather than
	// produce a graph that runs with wrong parameters.
	Build(ctx context.Context, topo *topology.Topology, weights [][]byte) (Graph, error)
}

// Graph is an executable model owned by a single caller.
type Graph interface {
	// Execute runs the graph on one input tensor. The returned output must be
	// closed by the caller once decoded.
	Execute(ctx context.Context, input *tensor.Dense) (*RawOutput, error)
	// Release frees the graph and any runtime memory it holds.
	Release() error
}

// RawOutput is the pair of tensors produced by one execution.
type RawOutput struct {
	// Scores holds per-anchor class scores, shaped [1, anchors, classes].
	Scores *tensor.Dense
	// Boxes holds per-anchor box vectors, shaped [1, anchors, 1, 4] or [1, anchors, 4].
	Boxes *tensor.Dense

	release func() error
}

// NewRawOutput wraps output tensors. release is called once by Close and may be
// nil when the tensors are plain Go memory.
func NewRawOutput(scores, boxes *tensor.Dense, release func() error) *RawOutput {
	return &RawOutput{Scores: scores, Boxes: boxes, release: release}
}

// Close releases the memory backing the tensors. It is safe to call more than
// once. The tensors must not be used afterwards.
func (o *RawOutput) Close() error {
	if o == nil || o.release == nil {
		return nil
	}
	release := o.release
	o.release = nil
	o.Scores = nil
	o.Boxes = nil
	return release()
}
