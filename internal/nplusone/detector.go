package nplusone

import (
	"strings"

	"github.com/scoutapp/scout-apm-go/internal/monitoring"
	"github.com/scoutapp/scout-apm-go/internal/track"
)

// Tags read from and written to SQL spans.
const (
	// StatementTag is set by database adapters on SQL spans.
	StatementTag = "db.statement"

	// StackTag carries the captured frames on the span that crossed the
	// threshold.
	StackTag = "stack"

	// CallCountTag records how many times the shape had run when capture
	// fired.
	CallCountTag = "n_plus_one_calls"
)

// sqlOperationPrefix identifies database spans by operation name convention.
const sqlOperationPrefix = "SQL/"

// callSetItem is the per-shape state machine: a monotonically increasing
// count and a one-shot capture decision.
type callSetItem struct {
	count    int
	captured bool
}

// Detector accumulates SQL span completions for one request. It implements
// track.SpanObserver. A request is owned by a single context, so the detector
// carries no locking.
type Detector struct {
	threshold int
	depth     int
	metrics   *monitoring.Metrics
	items     map[string]*callSetItem
}

// NewDetector creates a per-request detector. threshold is the call count at
// which a backtrace is captured; depth bounds the captured frames.
func NewDetector(threshold, depth int, metrics *monitoring.Metrics) *Detector {
	if threshold <= 0 {
		threshold = 5
	}
	if depth <= 0 {
		depth = 32
	}
	if metrics == nil {
		metrics = monitoring.NewNopMetrics()
	}
	return &Detector{
		threshold: threshold,
		depth:     depth,
		metrics:   metrics,
		items:     make(map[string]*callSetItem),
	}
}

// SpanCompleted feeds one completed span into the call set. Non-SQL spans and
// SQL spans without a statement tag are ignored. When a shape's count first
// reaches the threshold, the backtrace is captured once and attached to the
// triggering span; later recurrences of the same shape only count.
func (d *Detector) SpanCompleted(span *track.Span) {
	if !strings.HasPrefix(span.Operation, sqlOperationPrefix) {
		return
	}
	raw, ok := span.TagValue(StatementTag)
	if !ok {
		return
	}
	statement, ok := raw.(string)
	if !ok || statement == "" {
		return
	}

	shape := NormalizeSQL(statement)
	item := d.items[shape]
	if item == nil {
		item = &callSetItem{}
		d.items[shape] = item
	}

	item.count++
	if item.captured || item.count < d.threshold {
		return
	}
	item.captured = true

	span.Tag(StackTag, CaptureBacktrace(d.depth))
	span.Tag(CallCountTag, item.count)
	d.metrics.BacktraceCaptures.Inc()
}

// ShapeCount returns the observed count for a normalized shape. Used by
// diagnostics and tests.
func (d *Detector) ShapeCount(shape string) int {
	if item := d.items[shape]; item != nil {
		return item.count
	}
	return 0
}
