// Package track implements the request-scoped span tree and the process-wide
// registry mapping execution contexts to their active request.
package track

import (
	"errors"
	"time"

	"github.com/scoutapp/scout-apm-go/internal/id"
)

var (
	// ErrNotCurrentSpan is returned when a span other than the stack top is
	// stopped. Children close before parents; stopping out of order is a
	// caller bug that must not corrupt the tree.
	ErrNotCurrentSpan = errors.New("span is not the current stack top")

	// ErrRequestFinished is returned for span operations on a finished
	// request.
	ErrRequestFinished = errors.New("request already finished")
)

// ForcedCloseTag marks spans that were still open when the request finished.
const ForcedCloseTag = "force_closed"

// SpanObserver is notified as spans complete within one request. The N+1
// detector hangs off this hook. Observers run on the instrumented context, so
// they must be cheap on the common path.
type SpanObserver interface {
	SpanCompleted(span *Span)
}

// Request is the root aggregate for one logical unit of monitored work. All
// mutation happens on the context that owns the request; the registry is the
// only shared structure.
type Request struct {
	ID        id.RequestID
	StartTime time.Time
	EndTime   time.Time // zero until finished
	Tags      map[string]any

	// RealRequest distinguishes work that reached application code from
	// short-circuited framework responses. Only real requests are reported.
	RealRequest bool

	// Errored records that the request ended in a server error or an
	// unhandled exception.
	Errored bool

	openSpans      []*Span
	CompletedSpans []*Span
	finished       bool

	observer SpanObserver
}

// NewRequest creates an open request starting now.
func NewRequest(observer SpanObserver) *Request {
	return &Request{
		ID:        id.NewRequestID(),
		StartTime: time.Now(),
		Tags:      make(map[string]any),
		observer:  observer,
	}
}

// StartSpan opens a span as a child of the current stack top and makes it the
// new top. On a finished request the span is returned detached so callers
// holding a stale request keep working, but nothing is recorded.
func (r *Request) StartSpan(operation string) *Span {
	span := newSpan(operation, time.Now())
	if r.finished {
		return span
	}

	if top := r.CurrentSpan(); top != nil {
		span.Parent = top
		top.Children = append(top.Children, span)
	}
	r.openSpans = append(r.openSpans, span)
	return span
}

// StopSpan closes the span if and only if it is the current stack top. Out of
// order stops leave the stack and completed list untouched.
func (r *Request) StopSpan(span *Span) error {
	if r.finished {
		return ErrRequestFinished
	}
	top := r.CurrentSpan()
	if span == nil || top != span {
		return ErrNotCurrentSpan
	}

	span.StopTime = time.Now()
	r.openSpans = r.openSpans[:len(r.openSpans)-1]
	r.CompletedSpans = append(r.CompletedSpans, span)

	if r.observer != nil {
		r.observer.SpanCompleted(span)
	}
	return nil
}

// CurrentSpan returns the innermost open span, nil when the stack is empty.
func (r *Request) CurrentSpan() *Span {
	if len(r.openSpans) == 0 {
		return nil
	}
	return r.openSpans[len(r.openSpans)-1]
}

// Tag attaches a key/value to the request. Last write wins. Tags written
// after finish are dropped.
func (r *Request) Tag(key string, value any) {
	if r.finished {
		return
	}
	r.Tags[key] = value
}

// TagValue returns a request tag by key.
func (r *Request) TagValue(key string) (any, bool) {
	v, ok := r.Tags[key]
	return v, ok
}

// MarkReal flags that execution reached application code.
func (r *Request) MarkReal() {
	if !r.finished {
		r.RealRequest = true
	}
}

// MarkError flags a server-error outcome.
func (r *Request) MarkError() {
	if !r.finished {
		r.Errored = true
	}
}

// Finish closes the request. Spans still open are force-closed innermost
// first and tagged so the resulting trace shows where the handler bailed out.
// Returns the number of force-closed spans. Idempotent.
func (r *Request) Finish() int {
	if r.finished {
		return 0
	}

	forced := 0
	now := time.Now()
	for len(r.openSpans) > 0 {
		span := r.openSpans[len(r.openSpans)-1]
		span.StopTime = now
		span.forced = true
		span.Tag(ForcedCloseTag, true)
		r.openSpans = r.openSpans[:len(r.openSpans)-1]
		r.CompletedSpans = append(r.CompletedSpans, span)
		forced++
	}

	r.EndTime = now
	r.finished = true
	return forced
}

// Finished reports whether Finish has run.
func (r *Request) Finished() bool {
	return r.finished
}

// Complete reports the request invariant: finished with an empty span stack.
func (r *Request) Complete() bool {
	return r.finished && len(r.openSpans) == 0
}

// OpenSpanCount returns the current stack depth.
func (r *Request) OpenSpanCount() int {
	return len(r.openSpans)
}

// Age returns the elapsed time since the request started.
func (r *Request) Age(now time.Time) time.Duration {
	return now.Sub(r.StartTime)
}
