// Package postprocess - Postprocessing utilities for decoded detections.
package postprocess

import "github.com/nvr-ai/go-autotag/images"

// Result represents a single detection candidate.
type Result struct {
	// The bounding box of the result in pixels.
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
	// The anchor the result was decoded from.
	Anchor int
}
