package main

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-autotag/config"
	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/inference/fake"
	"github.com/nvr-ai/go-autotag/inference/onnx"
	"github.com/nvr-ai/go-autotag/inference/opencv"
)

// newEngine creates the engine named by the config.
//
// Arguments:
//   - cfg: The configuration.
//   - logger: The logger handed to the engine.
//
// Returns:
//   - inference.Engine: The engine.
//   - func() error: Tears down process wide engine state.
//   - error: An error if the engine is unknown or misconfigured.
func newEngine(cfg config.Config, logger *zap.Logger) (inference.Engine, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Model.Engine {
	case inference.EngineONNX:
		e, err := onnx.New(cfg.ONNX, onnx.WithLogger(logger.Named("onnx")))
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case inference.EngineOpenCV:
		e := opencv.New(opencv.Config{
			Backend: cfg.OpenCV.Backend,
			Target:  cfg.OpenCV.Target,
		}, logger.Named("opencv"))
		return e, noop, nil
	case inference.EngineFake:
		return fake.New(), noop, nil
	default:
		return nil, nil, errors.Errorf("no matching engine registered: %s", cfg.Model.Engine)
	}
}
