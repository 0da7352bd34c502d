// Package inference - Inference engine interface and implementations
package inference

import "github.com/pkg/errors"

// EngineType is the type of the engine
type EngineType string

const (
	// EngineONNX is the ONNX engine that uses the onnxruntime library
	EngineONNX EngineType = "onnx"
	// EngineOpenCV is the OpenCV DNN engine that uses the gocv bindings
	EngineOpenCV EngineType = "opencv"
	// EngineFake is the deterministic engine used by tests and dry runs
	EngineFake EngineType = "fake"
)

// Engines is a list of all supported engines
var Engines = []EngineType{EngineONNX, EngineOpenCV, EngineFake}

// ParseEngineType validates an engine name.
func ParseEngineType(s string) (EngineType, error) {
	for _, e := range Engines {
		if string(e) == s {
			return e, nil
		}
	}
	return "", errors.Errorf("unsupported engine %q (supported: %v)", s, Engines)
}
