// Package profiler - operation timing for model loading and detection.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxSamples bounds the per-operation history kept for averages.
const DefaultMaxSamples = 600

// Operation names recorded by the loader and the detection pipeline.
const (
	OperationLoad    = "load"
	OperationFetch   = "fetch"
	OperationBuild   = "build"
	OperationExecute = "execute"
	OperationDecode  = "decode"
)

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Stats is a snapshot of one operation's timings.
type Stats struct {
	Name    string        `json:"name"`
	Count   int64         `json:"count"`
	Total   time.Duration `json:"total"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
}

// Tracker records durations per operation name. It is safe for concurrent use.
// A nil *Tracker records nothing.
type Tracker struct {
	mu             sync.Mutex
	maxSamples     int
	operationTimes map[string]*TimeTracker
}

// NewTracker creates a tracker keeping at most maxSamples durations per
// operation for its rolling average. Zero uses DefaultMaxSamples.
func NewTracker(maxSamples int) *Tracker {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Tracker{
		maxSamples:     maxSamples,
		operationTimes: make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (t *Tracker) StartOperation(name string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		t.Record(name, time.Since(start))
	}
}

// Record adds one duration for an operation.
func (t *Tracker) Record(name string, duration time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, exists := t.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{
			name:    name,
			minTime: duration,
			maxTime: duration,
		}
		t.operationTimes[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.totalTime += duration
	if len(tracker.durations) > t.maxSamples {
		// Remove oldest sample
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// Stats returns a snapshot of every tracked operation, sorted by name.
func (t *Tracker) Stats() []Stats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.operationTimes))
	for _, tr := range t.operationTimes {
		s := Stats{
			Name:  tr.name,
			Count: tr.count,
			Total: tr.totalTime,
			Min:   tr.minTime,
			Max:   tr.maxTime,
		}
		if n := len(tr.durations); n > 0 {
			s.Average = tr.totalTime / time.Duration(n)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Log writes one debug line per tracked operation.
func (t *Tracker) Log(logger *zap.Logger) {
	for _, s := range t.Stats() {
		logger.Debug("operation timings",
			zap.String("operation", s.Name),
			zap.Int64("count", s.Count),
			zap.Duration("avg", s.Average),
			zap.Duration("min", s.Min),
			zap.Duration("max", s.Max),
		)
	}
}
