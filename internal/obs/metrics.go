package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the event
// pipeline.
type Metrics struct {
	published           uint64
	duplicateSuppressed uint64
	sequenceConflicts   uint64
	sequenceGaps        uint64
	invalidTransitions  uint64
	projectionRetries   uint64
	execAttempts        uint64

	appendLatency  LatencyStats
	projectLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Published           uint64
	DuplicateSuppressed uint64
	SequenceConflicts   uint64
	SequenceGaps        uint64
	InvalidTransitions  uint64
	ProjectionRetries   uint64
	ExecAttempts        uint64
	AppendLatency       LatencySnapshot
	ProjectLatency      LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncPublished records one accepted publish.
func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.published, 1)
}

// IncDuplicateSuppressed records a server-side dedup hit.
func (m *Metrics) IncDuplicateSuppressed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicateSuppressed, 1)
}

// IncSequenceConflict records a dropped envelope whose sequence was
// already claimed for its correlation.
func (m *Metrics) IncSequenceConflict() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sequenceConflicts, 1)
}

// IncSequenceGap records a fail-forward past a sequence gap.
func (m *Metrics) IncSequenceGap() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sequenceGaps, 1)
}

// IncInvalidTransition records a projection skipped for an unknown
// state transition.
func (m *Metrics) IncInvalidTransition() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.invalidTransitions, 1)
}

// IncProjectionRetry records a read-model write retry after a failure.
func (m *Metrics) IncProjectionRetry() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.projectionRetries, 1)
}

// IncExecAttempt records one venue submission attempt.
func (m *Metrics) IncExecAttempt() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.execAttempts, 1)
}

// ObserveAppend measures one durable log append.
func (m *Metrics) ObserveAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.appendLatency.Observe(d)
}

// ObserveProject measures one read-model projection.
func (m *Metrics) ObserveProject(d time.Duration) {
	if m == nil {
		return
	}
	m.projectLatency.Observe(d)
}

// Snapshot captures current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Published:           atomic.LoadUint64(&m.published),
		DuplicateSuppressed: atomic.LoadUint64(&m.duplicateSuppressed),
		SequenceConflicts:   atomic.LoadUint64(&m.sequenceConflicts),
		SequenceGaps:        atomic.LoadUint64(&m.sequenceGaps),
		InvalidTransitions:  atomic.LoadUint64(&m.invalidTransitions),
		ProjectionRetries:   atomic.LoadUint64(&m.projectionRetries),
		ExecAttempts:        atomic.LoadUint64(&m.execAttempts),
		AppendLatency:       m.appendLatency.Snapshot(),
		ProjectLatency:      m.projectLatency.Snapshot(),
	}
}

// Observe adds one duration sample.
func (s *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	v := uint64(d)
	atomic.AddUint64(&s.count, 1)
	atomic.AddUint64(&s.sum, v)
	for {
		cur := atomic.LoadUint64(&s.min)
		if cur != 0 && v >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&s.min, cur, v) {
			break
		}
	}
	for {
		cur := atomic.LoadUint64(&s.max)
		if v <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&s.max, cur, v) {
			break
		}
	}
}

// Snapshot returns a copy of the stats.
func (s *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&s.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&s.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&s.min)),
		Max:   time.Duration(atomic.LoadUint64(&s.max)),
		Avg:   time.Duration(sum / count),
	}
}
