// Package main is the autotag command line tool.
package main

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-autotag/config"
	"github.com/nvr-ai/go-autotag/detector"
	"github.com/nvr-ai/go-autotag/images"
	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/models"
	"github.com/nvr-ai/go-autotag/models/topology"
	"github.com/nvr-ai/go-autotag/profiler"
	"github.com/nvr-ai/go-autotag/transport"
	"github.com/nvr-ai/go-autotag/util"
)

const (
	// Flags.
	flagConfig     = "config"
	flagModel      = "model"
	flagEngine     = "engine"
	flagMaxResults = "max-results"
	flagMinScore   = "min-score"
	flagDebug      = "debug"
	flagWorkers    = "workers"
)

func main() {
	app := newApp(afero.NewOsFs(), os.Stdout)
	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func newApp(fs afero.Fs, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "autotag",
		Usage:     "detect objects in images with sharded detection models",
		Writer:    out,
		ErrWriter: io.Discard,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    flagModel,
				Aliases: []string{"m"},
				Usage:   "model directory or http(s) base URL holding model.json",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "run detection on images and print one JSON line per image",
				ArgsUsage: "<image or directory>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagEngine,
						Usage: "inference engine (onnx, opencv or fake)",
					},
					&cli.IntFlag{
						Name:  flagMaxResults,
						Usage: "maximum detections per image",
					},
					&cli.Float64Flag{
						Name:  flagMinScore,
						Usage: "drop detections scoring below this value",
						Value: -1,
					},
					&cli.IntFlag{
						Name:  flagWorkers,
						Usage: "number of images decoded concurrently",
						Value: runtime.NumCPU(),
					},
				},
				Action: func(c *cli.Context) error {
					return runDetect(c, fs)
				},
			},
			{
				Name:  "inspect",
				Usage: "fetch model.json and print its weights manifest",
				Action: func(c *cli.Context) error {
					return runInspect(c, fs)
				},
			},
		},
	}
}

// setup loads the config and applies the global flags.
func setup(c *cli.Context, fs afero.Fs) (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Load(fs, path); err != nil {
			return cfg, nil, err
		}
	}
	if m := c.String(flagModel); m != "" {
		cfg.Model.Source = m
	}
	if cfg.Model.Source == "" {
		return cfg, nil, errors.New("no model given, use --model or model.source")
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return cfg, nil, errors.Wrap(err, "failed to build logger")
	}
	return cfg, logger, nil
}

func newLoader(cfg config.Config, logger *zap.Logger, tracker *profiler.Tracker) *models.Loader {
	return models.NewLoader(
		models.WithTransport(transport.NewClient(transport.WithTimeout(cfg.Transport.Timeout))),
		models.WithLogger(logger.Named("loader")),
		models.WithTracker(tracker),
	)
}

type imageResult struct {
	Image      string                    `json:"image"`
	Detections []detector.DetectedObject `json:"detections"`
	Error      string                    `json:"error,omitempty"`
}

func runDetect(c *cli.Context, fs afero.Fs) error {
	cfg, logger, err := setup(c, fs)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if e := c.String(flagEngine); e != "" {
		if cfg.Model.Engine, err = inference.ParseEngineType(e); err != nil {
			return err
		}
	}
	if c.IsSet(flagMaxResults) {
		cfg.Detection.MaxResults = c.Int(flagMaxResults)
	}
	if s := c.Float64(flagMinScore); s >= 0 {
		cfg.Detection.MinScore = float32(s)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	paths, err := util.ExpandPaths(fs, c.Args().Slice())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no images given")
	}

	engine, closeEngine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEngine(); err != nil {
			logger.Warn("failed to close engine", zap.Error(err))
		}
	}()

	tracker := profiler.NewTracker(profiler.DefaultMaxSamples)
	pipeline := detector.New(newLoader(cfg, logger, tracker), engine, detectorOptions(cfg, logger, tracker)...)
	if err := pipeline.Load(c.Context, cfg.Model.Source); err != nil {
		return err
	}
	defer pipeline.Dispose()

	decoded, err := decodeAll(c.Context, fs, paths, c.Int(flagWorkers))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	for i, d := range decoded {
		res := imageResult{Image: paths[i], Detections: []detector.DetectedObject{}}
		if d.err != nil {
			logger.Warn("skipping image", zap.String("path", paths[i]), zap.Error(d.err))
			res.Error = d.err.Error()
		} else {
			res.Detections = pipeline.DetectImage(c.Context, d.img, cfg.Detection.MaxResults)
		}
		if err := enc.Encode(res); err != nil {
			return errors.Wrap(err, "failed to write result")
		}
	}

	tracker.Log(logger)
	return nil
}

func detectorOptions(cfg config.Config, logger *zap.Logger, tracker *profiler.Tracker) []detector.Option {
	opts := []detector.Option{
		detector.WithLogger(logger.Named("detector")),
		detector.WithTracker(tracker),
		detector.WithMinScore(cfg.Detection.MinScore),
		detector.WithLabelFamily(cfg.Model.Labels),
		detector.WithTensorOptions(images.TensorOptions{
			Width:     cfg.Detection.InputSize.Width,
			Height:    cfg.Detection.InputSize.Height,
			Normalize: cfg.Detection.Normalize,
		}),
	}
	if nms := cfg.Detection.NMS; nms.Enabled() {
		opts = append(opts, detector.WithNMS(*nms))
	}
	if l := cfg.Detection.BoxLayout; l != nil {
		opts = append(opts, detector.WithLayout(*l))
	}
	return opts
}

type decodedImage struct {
	img image.Image
	err error
}

// decodeAll reads and decodes the images with at most workers in flight.
// Read failures abort; decode failures are reported per image.
func decodeAll(ctx context.Context, fs afero.Fs, paths []string, workers int) ([]decodedImage, error) {
	out := make([]decodedImage, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := afero.ReadFile(fs, p)
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", p)
			}
			_, img, err := images.Decode(data)
			out[i] = decodedImage{img: img, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type manifestEntry struct {
	Group int    `json:"group"`
	Index int    `json:"index"`
	Path  string `json:"path"`
	URL   string `json:"location"`
}

type inspection struct {
	Source   string             `json:"source"`
	Format   string             `json:"format"`
	Metadata topology.Metadata  `json:"metadata"`
	Layout   topology.BoxLayout `json:"layout"`
	Shards   []manifestEntry    `json:"shards"`
	Groups   []topology.Group   `json:"groups"`
}

func runInspect(c *cli.Context, fs afero.Fs) error {
	cfg, logger, err := setup(c, fs)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	loader := newLoader(cfg, logger, nil)
	topo, err := loader.Inspect(c.Context, cfg.Model.Source)
	if err != nil {
		return err
	}

	src := models.ParseSource(cfg.Model.Source)
	fetcher := loader.Fetcher(src)
	meta := topo.Meta()
	report := inspection{
		Source:   src.String(),
		Format:   topo.Format,
		Metadata: meta,
		Layout:   meta.Layout(),
		Groups:   topo.WeightsManifest,
	}
	for _, s := range topo.Shards() {
		report.Shards = append(report.Shards, manifestEntry{
			Group: s.Group,
			Index: s.Index,
			Path:  s.Path,
			URL:   fetcher.Locate(s.Path),
		})
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
