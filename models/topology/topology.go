// Package topology - model.json descriptors for sharded detection models.
//
// A topology document describes the computation graph of a model plus an
// ordered weights manifest. The manifest is a list of groups, each listing the
// shard files that hold its bytes and the weight specs those bytes decode to.
// Shards are positional: the concatenation of a group's shards, in the order
// they are listed, is the group's weight buffer.
package topology

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// FileName is the name of the topology document inside a model location.
const FileName = "model.json"

// Topology is a parsed model.json document.
type Topology struct {
	// Format is the model format (e.g. "graph-model", "onnx", "tensorflow").
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// GeneratedBy identifies the tool that produced the model.
	GeneratedBy string `json:"generatedBy,omitempty" yaml:"generatedBy,omitempty"`
	// ConvertedBy identifies the converter that produced this document.
	ConvertedBy string `json:"convertedBy,omitempty" yaml:"convertedBy,omitempty"`
	// ModelTopology is the engine-native graph description. It is kept raw.
	ModelTopology json.RawMessage `json:"modelTopology" yaml:"-"`
	// WeightsManifest lists the weight groups in the order they must be fetched.
	WeightsManifest []Group `json:"weightsManifest" yaml:"weightsManifest"`
	// Signature is the engine-native input/output signature. It is kept raw.
	Signature json.RawMessage `json:"signature,omitempty" yaml:"-"`
	// Metadata carries the detection specific settings of the model.
	Metadata *Metadata `json:"userDefinedMetadata,omitempty" yaml:"userDefinedMetadata,omitempty"`
}

// Group is one entry of the weights manifest.
type Group struct {
	// Paths are the shard names relative to the model location.
	Paths []string `json:"paths" yaml:"paths"`
	// Weights describe how the group's bytes split into named tensors.
	Weights []WeightSpec `json:"weights" yaml:"weights"`
}

// WeightSpec describes one named weight tensor inside a group.
type WeightSpec struct {
	Name         string        `json:"name" yaml:"name"`
	Shape        []int         `json:"shape" yaml:"shape"`
	Dtype        string        `json:"dtype" yaml:"dtype"`
	Quantization *Quantization `json:"quantization,omitempty" yaml:"quantization,omitempty"`
}

// Quantization describes how a weight is stored when it is quantized.
type Quantization struct {
	Dtype string  `json:"dtype" yaml:"dtype"`
	Min   float32 `json:"min,omitempty" yaml:"min,omitempty"`
	Scale float32 `json:"scale,omitempty" yaml:"scale,omitempty"`
}

// Shard is one positional entry of the flattened weights manifest.
type Shard struct {
	// Path is the shard name relative to the model location.
	Path string
	// Group is the index of the manifest group the shard belongs to.
	Group int
	// Index is the position of the shard across the whole manifest.
	Index int
}

var dtypeSizes = map[string]int64{
	"float32": 4,
	"int32":   4,
	"float16": 2,
	"uint16":  2,
	"int16":   2,
	"uint8":   1,
	"int8":    1,
	"bool":    1,
}

// Parse decodes and validates a topology document.
//
// Arguments:
//   - data: The raw model.json bytes.
//
// Returns:
//   - *Topology: The parsed topology.
//   - error: An error if the document is malformed or misses required sections.
func Parse(data []byte) (*Topology, error) {
	if len(data) == 0 {
		return nil, errors.New("topology document is empty")
	}

	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "topology document is not valid json")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the required sections of the document.
func (t *Topology) Validate() error {
	if len(t.ModelTopology) == 0 || string(t.ModelTopology) == "null" {
		return errors.New("topology document has no modelTopology section")
	}
	if len(t.WeightsManifest) == 0 {
		return errors.New("topology document has no weightsManifest entries")
	}
	for i, g := range t.WeightsManifest {
		if len(g.Paths) == 0 {
			return errors.Errorf("weights manifest group %d lists no shard paths", i)
		}
		for j, p := range g.Paths {
			if p == "" {
				return errors.Errorf("weights manifest group %d has an empty path at position %d", i, j)
			}
		}
		for _, w := range g.Weights {
			if _, err := w.ByteLength(); err != nil {
				return errors.Wrapf(err, "weights manifest group %d", i)
			}
		}
	}
	if t.Metadata != nil {
		if err := t.Metadata.Validate(); err != nil {
			return errors.Wrap(err, "invalid userDefinedMetadata")
		}
	}
	return nil
}

// Shards flattens the manifest into the ordered list of shard fetches.
func (t *Topology) Shards() []Shard {
	var shards []Shard
	for gi, g := range t.WeightsManifest {
		for _, p := range g.Paths {
			shards = append(shards, Shard{Path: p, Group: gi, Index: len(shards)})
		}
	}
	return shards
}

// Meta returns the model metadata with defaults applied.
func (t *Topology) Meta() Metadata {
	if t.Metadata == nil {
		return Metadata{}.withDefaults()
	}
	return t.Metadata.withDefaults()
}

// ByteLength returns the number of bytes the weight occupies on the wire.
func (w WeightSpec) ByteLength() (int64, error) {
	dtype := w.Dtype
	if w.Quantization != nil {
		dtype = w.Quantization.Dtype
	}
	size, ok := dtypeSizes[dtype]
	if !ok {
		return 0, errors.Errorf("weight %q has unsupported dtype %q", w.Name, dtype)
	}
	n := int64(1)
	for _, d := range w.Shape {
		if d < 0 {
			return 0, errors.Errorf("weight %q has negative dimension %d", w.Name, d)
		}
		n *= int64(d)
	}
	return n * size, nil
}

// ByteLength is the total number of bytes declared by the group's weights.
func (g Group) ByteLength() (int64, error) {
	var total int64
	for _, w := range g.Weights {
		n, err := w.ByteLength()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// AssembleWeights checks fetched shard buffers against the manifest and
// concatenates them in manifest order.
//
// Arguments:
//   - buffers: One buffer per shard, in the order returned by Shards.
//
// Returns:
//   - []byte: The concatenated weight data of all groups.
//   - error: An error if a shard is missing or empty, or if a group's length
//     does not match the declared weight specs.
func (t *Topology) AssembleWeights(buffers [][]byte) ([]byte, error) {
	shards := t.Shards()
	if len(buffers) != len(shards) {
		return nil, errors.Errorf("manifest lists %d shards, got %d buffers", len(shards), len(buffers))
	}

	var (
		out  []byte
		next int
	)
	for gi, g := range t.WeightsManifest {
		expected, err := g.ByteLength()
		if err != nil {
			return nil, errors.Wrapf(err, "weights manifest group %d", gi)
		}
		var got int64
		for range g.Paths {
			buf := buffers[next]
			if len(buf) == 0 {
				return nil, errors.Errorf("shard %q is empty", shards[next].Path)
			}
			got += int64(len(buf))
			out = append(out, buf...)
			next++
		}
		if len(g.Weights) > 0 && got != expected {
			return nil, errors.Errorf(
				"weights manifest group %d: shards hold %d bytes, weight specs declare %d",
				gi, got, expected,
			)
		}
	}
	return out, nil
}

// String returns a short summary, used in logs.
func (s Shard) String() string {
	return s.Path + "#" + strconv.Itoa(s.Index)
}
