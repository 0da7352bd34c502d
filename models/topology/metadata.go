package topology

import (
	"github.com/pkg/errors"
)

// BoxFormat is the coordinate convention of decoded bounding boxes.
type BoxFormat string

const (
	// BoxFormatXYWH emits [x, y, width, height] in pixels (coco-ssd convention).
	BoxFormatXYWH BoxFormat = "xywh"
	// BoxFormatXYXY emits [x1, y1, x2, y2] in pixels.
	BoxFormatXYXY BoxFormat = "xyxy"
)

// Defaults for models that do not declare their own metadata.
const (
	DefaultInputName  = "image_tensor"
	DefaultInputDtype = "float32"
)

// DefaultOutputNames are the score and box outputs, in that order.
var DefaultOutputNames = []string{"scores", "boxes"}

// DefaultBoxOrder reads raw box vectors as [ymin, xmin, ymax, xmax].
var DefaultBoxOrder = [4]int{0, 1, 2, 3}

// BoxLayout tells the decoder how to read and emit box coordinates.
type BoxLayout struct {
	// Order holds the positions of ymin, xmin, ymax and xmax in a raw box vector.
	Order [4]int `json:"order" yaml:"order"`
	// Format is the emitted coordinate convention.
	Format BoxFormat `json:"format" yaml:"format"`
}

// DefaultBoxLayout is the coco-ssd layout.
func DefaultBoxLayout() BoxLayout {
	return BoxLayout{Order: DefaultBoxOrder, Format: BoxFormatXYWH}
}

// Validate checks that Order is a permutation of 0..3 and Format is known.
func (l BoxLayout) Validate() error {
	var seen [4]bool
	for _, i := range l.Order {
		if i < 0 || i > 3 || seen[i] {
			return errors.Errorf("box order %v is not a permutation of 0..3", l.Order)
		}
		seen[i] = true
	}
	switch l.Format {
	case BoxFormatXYWH, BoxFormatXYXY:
		return nil
	default:
		return errors.Errorf("unknown box format %q", l.Format)
	}
}

// Metadata is the userDefinedMetadata section of a detection model.
type Metadata struct {
	InputName   string         `json:"inputName,omitempty" yaml:"inputName,omitempty"`
	InputDtype  string         `json:"inputDtype,omitempty" yaml:"inputDtype,omitempty"`
	OutputNames []string       `json:"outputNames,omitempty" yaml:"outputNames,omitempty"`
	BoxOrder    []int          `json:"boxOrder,omitempty" yaml:"boxOrder,omitempty"`
	BoxFormat   BoxFormat      `json:"boxFormat,omitempty" yaml:"boxFormat,omitempty"`
	Labels      map[int]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Validate checks the fields that are set.
func (m Metadata) Validate() error {
	switch m.InputDtype {
	case "", "float32", "int32", "uint8":
	default:
		return errors.Errorf("unsupported input dtype %q", m.InputDtype)
	}
	if len(m.OutputNames) != 0 && len(m.OutputNames) != 2 {
		return errors.Errorf("outputNames must name the score and box outputs, got %d names", len(m.OutputNames))
	}
	if len(m.BoxOrder) != 0 && len(m.BoxOrder) != 4 {
		return errors.Errorf("boxOrder must have 4 entries, got %d", len(m.BoxOrder))
	}
	return m.withDefaults().Layout().Validate()
}

// Layout returns the box layout declared by the metadata.
func (m Metadata) Layout() BoxLayout {
	l := DefaultBoxLayout()
	if len(m.BoxOrder) == 4 {
		copy(l.Order[:], m.BoxOrder)
	}
	if m.BoxFormat != "" {
		l.Format = m.BoxFormat
	}
	return l
}

func (m Metadata) withDefaults() Metadata {
	if m.InputName == "" {
		m.InputName = DefaultInputName
	}
	if m.InputDtype == "" {
		m.InputDtype = DefaultInputDtype
	}
	if len(m.OutputNames) == 0 {
		m.OutputNames = append([]string(nil), DefaultOutputNames...)
	}
	return m
}
