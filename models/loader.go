package models

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-autotag/inference"
	"github.com/nvr-ai/go-autotag/models/topology"
	"github.com/nvr-ai/go-autotag/profiler"
	"github.com/nvr-ai/go-autotag/storage"
	"github.com/nvr-ai/go-autotag/transport"
)

// Fetcher retrieves the files of one model location. Names are relative to
// the location, e.g. "model.json" or "group1-shard1of5".
type Fetcher interface {
	// FetchText returns the topology document.
	FetchText(ctx context.Context, name string) ([]byte, error)
	// FetchBinary returns one weight shard.
	FetchBinary(ctx context.Context, name string) ([]byte, error)
	// Locate returns the path or URL a name resolves to, for errors and logs.
	Locate(name string) string
}

// Artifacts are the fetched parts of a model, ready for an engine.
type Artifacts struct {
	Source   Source
	Topology *topology.Topology
	// Weights holds one buffer per shard, in manifest order.
	Weights [][]byte
}

// Bytes is the total size of the fetched weights.
func (a *Artifacts) Bytes() int64 {
	var n int64
	for _, w := range a.Weights {
		n += int64(len(w))
	}
	return n
}

// Loader resolves a model source into Artifacts and builds them into a graph.
type Loader struct {
	storage   storage.Factory
	transport transport.Transport
	logger    *zap.Logger
	tracker   *profiler.Tracker
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithStorage sets the storage used for local sources.
func WithStorage(f storage.Factory) LoaderOption {
	return func(l *Loader) {
		l.storage = f
	}
}

// WithTransport sets the transport used for remote sources.
func WithTransport(t transport.Transport) LoaderOption {
	return func(l *Loader) {
		l.transport = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithTracker records fetch, load and build timings.
func WithTracker(t *profiler.Tracker) LoaderOption {
	return func(l *Loader) {
		l.tracker = t
	}
}

// NewLoader creates a Loader reading local sources from disk and remote
// sources through a pooled HTTP client.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		storage:   storage.OSFactory(),
		transport: transport.NewClient(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fetcher picks the fetch strategy for a source.
func (l *Loader) Fetcher(src Source) Fetcher {
	if src.IsRemote() {
		return &httpFetcher{base: strings.TrimRight(src.Location, "/"), transport: l.transport}
	}
	return &storageFetcher{storage: l.storage(src.Location)}
}

// Load fetches the topology document of source and then every weight shard
// it lists, one at a time in manifest order. The first failure aborts the
// load; nothing is retried.
//
// Arguments:
//   - ctx: Bounds the whole load.
//   - source: A directory or an http(s) base URL.
//
// Returns:
//   - *Artifacts: The parsed topology and the ordered shard buffers.
//   - error: A *FetchError or a *ParseError.
func (l *Loader) Load(ctx context.Context, source string) (*Artifacts, error) {
	src := ParseSource(source)
	fetcher := l.Fetcher(src)
	start := time.Now()
	defer l.tracker.StartOperation(profiler.OperationLoad)()

	topo, err := l.fetchTopology(ctx, fetcher)
	if err != nil {
		return nil, err
	}

	shards := topo.Shards()
	weights := make([][]byte, 0, len(shards))
	for _, shard := range shards {
		done := l.tracker.StartOperation(profiler.OperationFetch)
		buf, err := fetcher.FetchBinary(ctx, shard.Path)
		done()
		if err != nil {
			return nil, &FetchError{Path: fetcher.Locate(shard.Path), Err: err}
		}
		l.logger.Debug("fetched weight shard",
			zap.Stringer("shard", shard),
			zap.Int("bytes", len(buf)),
		)
		weights = append(weights, buf)
	}

	a := &Artifacts{Source: src, Topology: topo, Weights: weights}
	l.logger.Info("model fetched",
		zap.Stringer("source", src),
		zap.Int("shards", len(weights)),
		zap.Int64("bytes", a.Bytes()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return a, nil
}

// Inspect fetches and parses the topology document only.
func (l *Loader) Inspect(ctx context.Context, source string) (*topology.Topology, error) {
	return l.fetchTopology(ctx, l.Fetcher(ParseSource(source)))
}

func (l *Loader) fetchTopology(ctx context.Context, fetcher Fetcher) (*topology.Topology, error) {
	done := l.tracker.StartOperation(profiler.OperationFetch)
	data, err := fetcher.FetchText(ctx, topology.FileName)
	done()
	if err != nil {
		var decodeErr *transport.DecodeError
		if errors.As(err, &decodeErr) {
			return nil, &ParseError{Err: err}
		}
		return nil, &FetchError{Path: fetcher.Locate(topology.FileName), Err: err}
	}
	l.logger.Debug("fetched topology",
		zap.String("path", fetcher.Locate(topology.FileName)),
		zap.Int("bytes", len(data)),
	)

	topo, err := topology.Parse(data)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return topo, nil
}

// Build hands fetched artifacts to an engine.
//
// Arguments:
//   - ctx: Bounds graph construction.
//   - engine: The inference engine.
//   - a: Artifacts returned by Load.
//
// Returns:
//   - inference.Graph: The executable graph. The caller owns it.
//   - error: A *BuildError if the engine rejects the model.
func (l *Loader) Build(ctx context.Context, engine inference.Engine, a *Artifacts) (inference.Graph, error) {
	if engine == nil {
		return nil, &BuildError{Err: errors.New("no inference engine")}
	}
	if a == nil || a.Topology == nil {
		return nil, &BuildError{Err: errors.New("no model artifacts")}
	}
	defer l.tracker.StartOperation(profiler.OperationBuild)()

	graph, err := engine.Build(ctx, a.Topology, a.Weights)
	if err != nil {
		return nil, &BuildError{Err: err}
	}
	if graph == nil {
		return nil, &BuildError{Err: errors.New("engine returned no graph")}
	}
	return graph, nil
}

// storageFetcher reads through a storage rooted at the source directory.
type storageFetcher struct {
	storage storage.Storage
}

func (f *storageFetcher) FetchText(ctx context.Context, name string) ([]byte, error) {
	text, err := f.storage.ReadText(ctx, "/"+name)
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

func (f *storageFetcher) FetchBinary(ctx context.Context, name string) ([]byte, error) {
	return f.storage.ReadBinary(ctx, "/"+name)
}

func (f *storageFetcher) Locate(name string) string {
	if r, ok := f.storage.(interface{ Root() string }); ok {
		return strings.TrimRight(r.Root(), "/") + "/" + name
	}
	return "/" + name
}

// httpFetcher issues one GET per file under a base URL.
type httpFetcher struct {
	base      string
	transport transport.Transport
}

func (f *httpFetcher) FetchText(ctx context.Context, name string) ([]byte, error) {
	var raw json.RawMessage
	if err := f.transport.GetJSON(ctx, f.Locate(name), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *httpFetcher) FetchBinary(ctx context.Context, name string) ([]byte, error) {
	return f.transport.GetBytes(ctx, f.Locate(name))
}

func (f *httpFetcher) Locate(name string) string {
	return f.base + "/" + strings.TrimLeft(name, "/")
}
