// Package profiler - Timing and value statistics for detection pipeline stages.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Profiler records stage durations and metric values. A nil *Profiler records nothing,
// so callers can hold one optionally.
type Profiler struct {
	mu         sync.Mutex
	startTime  time.Time
	maxSamples int

	operations map[string]*TimeTracker
	metrics    map[string]*MetricTracker
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// MetricTracker tracks statistics for a metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// OperationStats is a snapshot of one operation. Avg covers the retained samples,
// Min and Max every sample since the profiler was created.
type OperationStats struct {
	Name  string
	Count int64
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
}

// MetricStats is a snapshot of one metric.
type MetricStats struct {
	Name  string
	Count int64
	Avg   float64
	Min   float64
	Max   float64
}

// New creates a profiler keeping up to maxSamples recent samples per name for the
// averages. maxSamples <= 0 means 600.
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = 600
	}
	return &Profiler{
		startTime:  time.Now(),
		maxSamples: maxSamples,
		operations: make(map[string]*TimeTracker),
		metrics:    make(map[string]*MetricTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call it when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the duration of one run of an operation.
func (p *Profiler) RecordOperation(name string, duration time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.totalTime += duration
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

// RecordMetric records a metric value, e.g. the number of detections in an image.
func (p *Profiler) RecordMetric(name string, value float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		p.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > p.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.min = min(tracker.min, value)
	tracker.max = max(tracker.max, value)
}

// Operations returns a snapshot of every operation, sorted by name.
func (p *Profiler) Operations() []OperationStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]OperationStats, 0, len(p.operations))
	for name, t := range p.operations {
		stats = append(stats, OperationStats{
			Name:  name,
			Count: t.count,
			Avg:   t.totalTime / time.Duration(len(t.durations)),
			Min:   t.minTime,
			Max:   t.maxTime,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Metrics returns a snapshot of every metric, sorted by name.
func (p *Profiler) Metrics() []MetricStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]MetricStats, 0, len(p.metrics))
	for name, t := range p.metrics {
		stats = append(stats, MetricStats{
			Name:  name,
			Count: t.count,
			Avg:   t.sum / float64(len(t.values)),
			Min:   t.min,
			Max:   t.max,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Report logs every operation and metric at info level.
func (p *Profiler) Report(log logs.Log) {
	if p == nil {
		return
	}
	log.Infof("Profile after %v", time.Since(p.startTime).Truncate(time.Millisecond))
	for _, s := range p.Operations() {
		log.Infof("  %s: avg=%v, min=%v, max=%v, count=%d", s.Name,
			s.Avg.Truncate(time.Microsecond), s.Min.Truncate(time.Microsecond), s.Max.Truncate(time.Microsecond), s.Count)
	}
	for _, s := range p.Metrics() {
		log.Infof("  %s: avg=%.2f, min=%.2f, max=%.2f, count=%d", s.Name, s.Avg, s.Min, s.Max, s.Count)
	}
}
