// Package test - shared fixtures for model loading and detection tests.
package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/nvr-ai/go-autotag/storage"
)

// ShardNames are the shard files of FiveShardDocument, in manifest order.
var ShardNames = []string{
	"group1-shard1of5",
	"group1-shard2of5",
	"group1-shard3of5",
	"group1-shard4of5",
	"group1-shard5of5",
}

// shardSizes add up to the 28 bytes declared by FiveShardDocument's weights.
var shardSizes = []int{8, 8, 4, 4, 4}

// FiveShardDocument is a model.json whose manifest lists five shards.
const FiveShardDocument = `{
  "format": "graph-model",
  "generatedBy": "2.0.0",
  "convertedBy": "TensorFlow.js Converter v1.0.0",
  "modelTopology": {"node": [{"name": "image_tensor", "op": "Placeholder"}]},
  "weightsManifest": [
    {
      "paths": ["group1-shard1of5", "group1-shard2of5", "group1-shard3of5", "group1-shard4of5", "group1-shard5of5"],
      "weights": [
        {"name": "conv/kernel", "shape": [2, 2], "dtype": "float32"},
        {"name": "conv/bias", "shape": [2], "dtype": "float32"},
        {"name": "head/kernel", "shape": [4], "dtype": "float32", "quantization": {"dtype": "uint8", "min": -1, "scale": 0.1}}
      ]
    }
  ]
}`

// Model is an in-memory model location: a topology document and its shards.
type Model struct {
	Document string
	Shards   map[string][]byte
}

// FiveShardModel returns a valid model matching FiveShardDocument.
//
// Arguments:
// - None.
//
// Returns:
// - A model whose shards fill the declared weight specs exactly.
func FiveShardModel() Model {
	shards := make(map[string][]byte, len(ShardNames))
	for i, name := range ShardNames {
		buf := make([]byte, shardSizes[i])
		for j := range buf {
			buf[j] = byte(i + 1)
		}
		shards[name] = buf
	}
	return Model{Document: FiveShardDocument, Shards: shards}
}

// WriteModel writes the model into dir on fs.
func WriteModel(fs afero.Fs, dir string, m Model) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path.Join(dir, "model.json"), []byte(m.Document), 0o644); err != nil {
		return err
	}
	for name, data := range m.Shards {
		if err := afero.WriteFile(fs, path.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Call is one recorded storage read.
type Call struct {
	Root   string
	Path   string
	Binary bool
}

// RecordingStorage wraps a storage factory and records every read.
type RecordingStorage struct {
	mu    sync.Mutex
	base  storage.Factory
	calls []Call
}

// NewRecordingStorage records the reads of storages opened through base.
func NewRecordingStorage(base storage.Factory) *RecordingStorage {
	return &RecordingStorage{base: base}
}

// Factory returns the recording storage factory.
func (r *RecordingStorage) Factory() storage.Factory {
	return func(root string) storage.Storage {
		return &recordingStorage{root: root, inner: r.base(root), rec: r}
	}
}

// Calls returns the recorded reads in call order.
func (r *RecordingStorage) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// TextReads returns the paths passed to ReadText.
func (r *RecordingStorage) TextReads() []string {
	return r.paths(false)
}

// BinaryReads returns the paths passed to ReadBinary.
func (r *RecordingStorage) BinaryReads() []string {
	return r.paths(true)
}

func (r *RecordingStorage) paths(binary bool) []string {
	var out []string
	for _, c := range r.Calls() {
		if c.Binary == binary {
			out = append(out, c.Path)
		}
	}
	return out
}

func (r *RecordingStorage) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

type recordingStorage struct {
	root  string
	inner storage.Storage
	rec   *RecordingStorage
}

func (s *recordingStorage) ReadText(ctx context.Context, name string) (string, error) {
	s.rec.record(Call{Root: s.root, Path: name})
	return s.inner.ReadText(ctx, name)
}

func (s *recordingStorage) ReadBinary(ctx context.Context, name string) ([]byte, error) {
	s.rec.record(Call{Root: s.root, Path: name, Binary: true})
	return s.inner.ReadBinary(ctx, name)
}

// ModelServer serves a Model over HTTP and records every requested path.
type ModelServer struct {
	*httptest.Server

	mu       sync.Mutex
	model    Model
	requests []string
	// Status overrides the response status of a path when set.
	status map[string]int
}

// NewModelServer starts a server for m. Close it when done.
func NewModelServer(m Model) *ModelServer {
	s := &ModelServer{model: m, status: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// FailPath makes the server answer path (e.g. "/model.json") with status.
func (s *ModelServer) FailPath(p string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[p] = status
}

// Requests returns the requested paths in arrival order.
func (s *ModelServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *ModelServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	status, failed := s.status[r.URL.Path]
	s.mu.Unlock()

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if failed {
		w.WriteHeader(status)
		return
	}

	name := path.Base(r.URL.Path)
	if name == "model.json" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.model.Document))
		return
	}
	data, ok := s.model.Shards[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
