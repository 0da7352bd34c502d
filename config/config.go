// Package config - YAML configuration for the autotag pipeline.
package config

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/inference/onnx"
	"github.com/nvr-ai/go-autotag/models"
	"github.com/nvr-ai/go-autotag/models/postprocess"
	"github.com/nvr-ai/go-autotag/models/topology"
)

// Config is the root of a configuration file.
type Config struct {
	// Model selects what to load and how to run it.
	Model ModelConfig `json:"model" yaml:"model"`
	// Detection controls decoding.
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	// Transport controls remote model fetches.
	Transport TransportConfig `json:"transport" yaml:"transport"`
	// ONNX configures the onnx engine.
	ONNX onnx.Config `json:"onnx" yaml:"onnx"`
	// OpenCV configures the opencv engine.
	OpenCV OpenCVConfig `json:"opencv" yaml:"opencv"`
	// Log configures the logger.
	Log LogConfig `json:"log" yaml:"log"`
}

// ModelConfig selects the model.
type ModelConfig struct {
	// Source is a directory or an http(s) base URL holding model.json.
	Source string `json:"source" yaml:"source"`
	// Engine is one of inference.Engines.
	Engine inference.EngineType `json:"engine" yaml:"engine"`
	// Labels is the label family used when the model bundles no labels.
	Labels models.LabelFamily `json:"labels" yaml:"labels"`
}

// DetectionConfig controls decoding.
type DetectionConfig struct {
	// MaxResults caps detections per image. Zero or less uses the pipeline default.
	MaxResults int `json:"max_results" yaml:"max_results"`
	// MinScore drops detections scoring below it.
	MinScore float32 `json:"min_score" yaml:"min_score"`
	// NMS is disabled when absent.
	NMS *postprocess.NMSConfig `json:"nms,omitempty" yaml:"nms,omitempty"`
	// BoxLayout overrides the layout declared by the model.
	BoxLayout *topology.BoxLayout `json:"box_layout,omitempty" yaml:"box_layout,omitempty"`
	// InputSize resizes images before inference. Zero keeps the original size.
	InputSize InputSize `json:"input_size" yaml:"input_size"`
	// Normalize scales pixel values to [0, 1].
	Normalize bool `json:"normalize" yaml:"normalize"`
}

// OpenCVConfig selects the DNN backend and target of the opencv engine.
type OpenCVConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Target  string `json:"target" yaml:"target"`
}

// InputSize is a width and height in pixels.
type InputSize struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// TransportConfig controls remote fetches.
type TransportConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is a zap level name.
	Level string `json:"level" yaml:"level"`
	// Development enables the human readable development encoder.
	Development bool `json:"development" yaml:"development"`
}

// Default returns a configuration that runs coco-ssd style models on the
// onnx engine.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Engine: inference.EngineONNX,
			Labels: models.LabelFamilyCOCO,
		},
		Detection: DetectionConfig{
			MaxResults: 20,
		},
		Transport: TransportConfig{Timeout: 30 * time.Second},
		ONNX:      onnx.DefaultConfig(),
		OpenCV:    OpenCVConfig{Backend: "opencv", Target: "cpu"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of Default.
//
// Arguments:
//   - fs: The filesystem holding the file.
//   - path: The file path.
//
// Returns:
//   - Config: The validated configuration.
//   - error: An error if the file cannot be read, decoded or validated.
func Load(fs afero.Fs, path string) (Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !isEmptyDocument(err) {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func isEmptyDocument(err error) bool {
	return errors.Is(err, io.EOF)
}

// Validate checks every section.
func (c Config) Validate() error {
	if _, err := inference.ParseEngineType(string(c.Model.Engine)); err != nil {
		return errors.Wrap(err, "model.engine")
	}
	if _, err := models.Labels(c.Model.Labels); err != nil {
		return errors.Wrap(err, "model.labels")
	}
	if c.Detection.MaxResults < 0 {
		return errors.New("detection.max_results must not be negative")
	}
	if c.Detection.MinScore < 0 || c.Detection.MinScore > 1 {
		return errors.Errorf("detection.min_score %v is outside [0, 1]", c.Detection.MinScore)
	}
	if nms := c.Detection.NMS; nms != nil && (nms.IoUThreshold < 0 || nms.IoUThreshold > 1) {
		return errors.Errorf("detection.nms.iou_threshold %v is outside [0, 1]", nms.IoUThreshold)
	}
	if l := c.Detection.BoxLayout; l != nil {
		if err := l.Validate(); err != nil {
			return errors.Wrap(err, "detection.box_layout")
		}
	}
	if s := c.Detection.InputSize; s.Width < 0 || s.Height < 0 {
		return errors.New("detection.input_size must not be negative")
	}
	if c.Transport.Timeout < 0 {
		return errors.New("transport.timeout must not be negative")
	}
	if err := c.ONNX.Validate(); err != nil {
		return errors.Wrap(err, "onnx")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// Logger builds a zap logger from the log section.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
