package detector

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-autotag/images"
	"github.com/nvr-ai/go-autotag/models"
	"github.com/nvr-ai/go-autotag/models/postprocess"
	"github.com/nvr-ai/go-autotag/models/topology"
)

// DefaultMaxResults is used when a caller asks for zero or fewer results.
const DefaultMaxResults = 20

// DetectedObject is one decoded detection.
type DetectedObject struct {
	// BoundingBox is in pixels, in the layout's output format
	// ([x, y, width, height] by default).
	BoundingBox [4]float32 `json:"bbox"`
	// ClassName is the label of the class, or "" when it is unmapped.
	ClassName string `json:"class"`
	// Score is the confidence of the class.
	Score float32 `json:"score"`
	// ClassIndex is the raw class index reported by the model.
	ClassIndex int `json:"-"`
}

// DecodeOptions controls Decode.
type DecodeOptions struct {
	// MinScore drops candidates scoring below it.
	MinScore float32
	// MaxResults caps the output. Zero or less uses DefaultMaxResults.
	MaxResults int
	// Layout reads and emits box coordinates.
	Layout topology.BoxLayout
	// Labels maps class indices to names. Nil uses models.COCOLabels.
	Labels map[int]string
	// NMS suppresses overlapping boxes when enabled.
	NMS *postprocess.NMSConfig
}

// Decode turns a score tensor [1, A, C] and a box tensor [1, A, 1, 4] into
// detections scaled to an image of width x height pixels, sorted by
// descending score.
//
// Arguments:
//   - scores: Class scores per anchor. [A, C] is accepted too.
//   - boxes: Normalised box vectors per anchor. [1, A, 4] and [A, 4] are accepted too.
//   - width: Image width in pixels.
//   - height: Image height in pixels.
//   - opts: Thresholds, layout and labels.
//
// Returns:
//   - []DetectedObject: At most opts.MaxResults detections.
//   - error: An error if the tensors do not describe the same anchors.
func Decode(scores, boxes *tensor.Dense, width, height int, opts DecodeOptions) ([]DetectedObject, error) {
	anchors, classes, scoreData, err := scoreMatrix(scores)
	if err != nil {
		return nil, err
	}
	boxData, err := boxMatrix(boxes, anchors)
	if err != nil {
		return nil, err
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	labels := opts.Labels
	if labels == nil {
		labels = models.COCOLabels
	}

	w, h := float32(width), float32(height)
	order := opts.Layout.Order
	candidates := make([]postprocess.Result, 0, anchors)

	for a := 0; a < anchors; a++ {
		row := scoreData[a*classes : (a+1)*classes]
		best := -1
		var bestScore float32
		for c, v := range row {
			if math32.IsNaN(v) {
				continue
			}
			if best < 0 || v > bestScore {
				best, bestScore = c, v
			}
		}
		if best < 0 || bestScore < opts.MinScore {
			continue
		}

		vec := boxData[a*4 : a*4+4]
		ymin, xmin := vec[order[0]], vec[order[1]]
		ymax, xmax := vec[order[2]], vec[order[3]]
		rect := images.Rect{X1: xmin * w, Y1: ymin * h, X2: xmax * w, Y2: ymax * h}
		if !finite(rect) {
			continue
		}

		candidates = append(candidates, postprocess.Result{
			Box:    rect,
			Score:  bestScore,
			Class:  best,
			Anchor: a,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	candidates = postprocess.ApplyGreedyNMS(candidates, opts.NMS)
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	out := make([]DetectedObject, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, DetectedObject{
			BoundingBox: emit(c.Box, opts.Layout.Format),
			ClassName:   models.LookupName(labels, c.Class),
			Score:       c.Score,
			ClassIndex:  c.Class,
		})
	}
	return out, nil
}

func emit(r images.Rect, format topology.BoxFormat) [4]float32 {
	if format == topology.BoxFormatXYXY {
		return [4]float32{r.X1, r.Y1, r.X2, r.Y2}
	}
	return [4]float32{r.X1, r.Y1, r.Width(), r.Height()}
}

func finite(r images.Rect) bool {
	for _, v := range [4]float32{r.X1, r.Y1, r.X2, r.Y2} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func scoreMatrix(t *tensor.Dense) (anchors, classes int, data []float32, err error) {
	if t == nil {
		return 0, 0, nil, errors.New("missing score tensor")
	}
	shape := t.Shape()
	switch {
	case len(shape) == 3 && shape[0] == 1:
		anchors, classes = shape[1], shape[2]
	case len(shape) == 2:
		anchors, classes = shape[0], shape[1]
	default:
		return 0, 0, nil, errors.Errorf("score tensor has shape %v, want [1, anchors, classes]", shape)
	}
	if classes == 0 {
		return 0, 0, nil, errors.Errorf("score tensor has shape %v, want at least one class", shape)
	}
	data, err = float32s(t)
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "score tensor")
	}
	if len(data) != anchors*classes {
		return 0, 0, nil, errors.Errorf("score tensor holds %d values, want %d", len(data), anchors*classes)
	}
	return anchors, classes, data, nil
}

func boxMatrix(t *tensor.Dense, anchors int) ([]float32, error) {
	if t == nil {
		return nil, errors.New("missing box tensor")
	}
	shape := t.Shape()
	var n int
	switch {
	case len(shape) == 4 && shape[0] == 1 && shape[2] == 1 && shape[3] == 4:
		n = shape[1]
	case len(shape) == 3 && shape[0] == 1 && shape[2] == 4:
		n = shape[1]
	case len(shape) == 2 && shape[1] == 4:
		n = shape[0]
	default:
		return nil, errors.Errorf("box tensor has shape %v, want [1, anchors, 1, 4]", shape)
	}
	if n != anchors {
		return nil, errors.Errorf("box tensor has %d anchors, score tensor has %d", n, anchors)
	}
	data, err := float32s(t)
	if err != nil {
		return nil, errors.Wrap(err, "box tensor")
	}
	if len(data) != anchors*4 {
		return nil, errors.Errorf("box tensor holds %d values, want %d", len(data), anchors*4)
	}
	return data, nil
}

func float32s(t *tensor.Dense) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case float32:
		return []float32{data}, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported dtype %v", t.Dtype())
	}
}
