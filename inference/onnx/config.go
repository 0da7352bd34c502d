// Package onnx - an inference engine backed by ONNX Runtime.
package onnx

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ExecutionProvider selects the hardware backend of a session.
type ExecutionProvider string

const (
	// ProviderCPU runs on the default CPU provider.
	ProviderCPU ExecutionProvider = "cpu"
	// ProviderCoreML uses Apple CoreML for macOS acceleration.
	ProviderCoreML ExecutionProvider = "coreml"
	// ProviderCUDA uses NVIDIA CUDA.
	ProviderCUDA ExecutionProvider = "cuda"
	// ProviderOpenVINO uses Intel OpenVINO.
	ProviderOpenVINO ExecutionProvider = "openvino"
)

// Config controls the ONNX Runtime environment and its sessions.
type Config struct {
	// SharedLibraryPath is the onnxruntime shared library. Empty uses SharedLibPath().
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	// GraphOptimizationLevel is one of "disable", "basic", "extended" or "all".
	GraphOptimizationLevel string `json:"graph_optimization_level" yaml:"graph_optimization_level"`
	// ParallelExecution runs independent graph nodes in parallel.
	ParallelExecution bool `json:"parallel_execution" yaml:"parallel_execution"`
	// IntraOpNumThreads sets threads for parallelizing ops. Zero lets ORT decide.
	IntraOpNumThreads int `json:"intra_op_num_threads" yaml:"intra_op_num_threads"`
	// InterOpNumThreads sets threads for parallelizing independent ops. Zero lets ORT decide.
	InterOpNumThreads int `json:"inter_op_num_threads" yaml:"inter_op_num_threads"`
	// ExecutionProvider is the accelerator to append to the session.
	ExecutionProvider ExecutionProvider `json:"execution_provider" yaml:"execution_provider"`
	// ProviderOptions are passed verbatim to the CUDA and OpenVINO providers.
	ProviderOptions map[string]string `json:"provider_options,omitempty" yaml:"provider_options,omitempty"`
}

// DefaultConfig returns a CPU configuration with extended graph optimizations.
func DefaultConfig() Config {
	numCPU := runtime.NumCPU()
	return Config{
		GraphOptimizationLevel: "extended",
		IntraOpNumThreads:      max(1, numCPU/2),
		InterOpNumThreads:      max(1, numCPU/4),
		ExecutionProvider:      ProviderCPU,
	}
}

// Validate checks the enumerated fields.
func (c Config) Validate() error {
	if _, err := graphOptimizationLevel(c.GraphOptimizationLevel); err != nil {
		return err
	}
	switch c.ExecutionProvider {
	case "", ProviderCPU, ProviderCoreML, ProviderCUDA, ProviderOpenVINO:
	default:
		return errors.Errorf("unsupported execution provider: %s", c.ExecutionProvider)
	}
	if c.IntraOpNumThreads < 0 || c.InterOpNumThreads < 0 {
		return errors.New("thread counts must not be negative")
	}
	return nil
}

func graphOptimizationLevel(s string) (ort.GraphOptimizationLevel, error) {
	switch strings.ToLower(s) {
	case "disable", "none":
		return ort.GraphOptimizationLevelDisableAll, nil
	case "basic":
		return ort.GraphOptimizationLevelEnableBasic, nil
	case "", "extended":
		return ort.GraphOptimizationLevelEnableExtended, nil
	case "all":
		return ort.GraphOptimizationLevelEnableAll, nil
	default:
		return 0, errors.Errorf("unsupported graph optimization level: %s", s)
	}
}

// SharedLibPath returns the default path to the onnxruntime shared library
// for the current platform.
//
// Returns:
//   - string: The path to the shared library.
//   - error: An error if no library is known for the platform.
func SharedLibPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "./third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library known for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// sessionOptions builds ORT session options from the config. The caller
// destroys them.
func sessionOptions(c Config) (*ort.SessionOptions, error) {
	level, err := graphOptimizationLevel(c.GraphOptimizationLevel)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}

	if err := configure(options, c, level); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, c Config, level ort.GraphOptimizationLevel) error {
	if err := options.SetGraphOptimizationLevel(level); err != nil {
		return errors.Wrap(err, "failed to set graph optimization level")
	}
	var mode ort.ExecutionMode = ort.ExecutionModeSequential
	if c.ParallelExecution {
		mode = ort.ExecutionModeParallel
	}
	if err := options.SetExecutionMode(mode); err != nil {
		return errors.Wrap(err, "failed to set execution mode")
	}
	if err := options.SetIntraOpNumThreads(c.IntraOpNumThreads); err != nil {
		return errors.Wrap(err, "failed to set intra op threads")
	}
	if err := options.SetInterOpNumThreads(c.InterOpNumThreads); err != nil {
		return errors.Wrap(err, "failed to set inter op threads")
	}

	switch c.ExecutionProvider {
	case "", ProviderCPU:
		// CPU provider is always available, no explicit configuration needed
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "error enabling CoreML")
		}
	case ProviderOpenVINO:
		if err := options.AppendExecutionProviderOpenVINO(c.ProviderOptions); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO")
		}
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA options")
		}
		defer cuda.Destroy()
		if len(c.ProviderOptions) > 0 {
			if err := cuda.Update(c.ProviderOptions); err != nil {
				return errors.Wrap(err, "error converting CUDA options")
			}
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA")
		}
	default:
		return errors.Errorf("unsupported execution provider: %s", c.ExecutionProvider)
	}
	return nil
}
