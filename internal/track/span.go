package track

import (
	"time"

	"github.com/scoutapp/scout-apm-go/internal/id"
)

// Span is a named, timed unit of work nested inside a tracked request.
// Operation names are hierarchical: "Controller/users.show", "SQL/Query",
// "Template/Render/index".
//
// Spans are mutated only by the context that owns their request; they carry
// no locking of their own.
type Span struct {
	ID        id.SpanID
	Operation string
	StartTime time.Time
	StopTime  time.Time // zero while open
	Tags      map[string]any

	// Parent is a back-reference only; ownership runs downward through
	// Children and the request's completed list.
	Parent   *Span
	Children []*Span

	forced bool
}

func newSpan(operation string, start time.Time) *Span {
	return &Span{
		ID:        id.NewSpanID(),
		Operation: operation,
		StartTime: start,
	}
}

// Tag attaches a key/value to the span. Last write wins. Tags written after
// the owning request finished are dropped.
func (s *Span) Tag(key string, value any) {
	if s.Tags == nil {
		s.Tags = make(map[string]any)
	}
	s.Tags[key] = value
}

// TagValue returns a tag by key.
func (s *Span) TagValue(key string) (any, bool) {
	v, ok := s.Tags[key]
	return v, ok
}

// Stopped reports whether the span has a stop time.
func (s *Span) Stopped() bool {
	return !s.StopTime.IsZero()
}

// Forced reports whether the span was force-closed by Request.Finish rather
// than stopped by its caller.
func (s *Span) Forced() bool {
	return s.forced
}

// Duration returns the elapsed time of a stopped span, zero while open.
func (s *Span) Duration() time.Duration {
	if !s.Stopped() {
		return 0
	}
	return s.StopTime.Sub(s.StartTime)
}
