package track

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanNesting(t *testing.T) {
	req := NewRequest(nil)

	controller := req.StartSpan("Controller/users.show")
	sql := req.StartSpan("SQL/Query")

	assert.Same(t, controller, sql.Parent)
	assert.Contains(t, controller.Children, sql)
	assert.Same(t, sql, req.CurrentSpan())

	require.NoError(t, req.StopSpan(sql))
	require.NoError(t, req.StopSpan(controller))

	assert.Nil(t, req.CurrentSpan())
	assert.Equal(t, []*Span{sql, controller}, req.CompletedSpans)
	assert.True(t, sql.Stopped())
	assert.False(t, sql.StopTime.Before(sql.StartTime))
}

func TestStopSpanOutOfOrder(t *testing.T) {
	req := NewRequest(nil)

	outer := req.StartSpan("Controller/outer")
	inner := req.StartSpan("SQL/Query")

	err := req.StopSpan(outer)
	assert.ErrorIs(t, err, ErrNotCurrentSpan)

	// The stack and completed list are untouched.
	assert.Same(t, inner, req.CurrentSpan())
	assert.Empty(t, req.CompletedSpans)
	assert.False(t, outer.Stopped())

	require.NoError(t, req.StopSpan(inner))
	require.NoError(t, req.StopSpan(outer))
	assert.Len(t, req.CompletedSpans, 2)
}

func TestStopSpanNil(t *testing.T) {
	req := NewRequest(nil)
	req.StartSpan("Controller/x")

	assert.ErrorIs(t, req.StopSpan(nil), ErrNotCurrentSpan)
	assert.Equal(t, 1, req.OpenSpanCount())
}

func TestStopTimeImmutable(t *testing.T) {
	req := NewRequest(nil)
	span := req.StartSpan("SQL/Query")
	require.NoError(t, req.StopSpan(span))

	stopped := span.StopTime
	assert.ErrorIs(t, req.StopSpan(span), ErrNotCurrentSpan)
	assert.Equal(t, stopped, span.StopTime)
}

func TestRequestTags(t *testing.T) {
	req := NewRequest(nil)

	req.Tag("path", "/users")
	req.Tag("path", "/users/1")

	v, ok := req.TagValue("path")
	require.True(t, ok)
	assert.Equal(t, "/users/1", v)
}

func TestFinishForceClosesOpenSpans(t *testing.T) {
	req := NewRequest(nil)

	outer := req.StartSpan("Controller/crash")
	inner := req.StartSpan("SQL/Query")

	forced := req.Finish()

	assert.Equal(t, 2, forced)
	assert.True(t, req.Complete())
	assert.True(t, outer.Stopped())
	assert.True(t, inner.Stopped())
	assert.True(t, outer.Forced())

	v, ok := inner.TagValue(ForcedCloseTag)
	require.True(t, ok)
	assert.Equal(t, true, v)

	// Innermost closes first.
	assert.Equal(t, []*Span{inner, outer}, req.CompletedSpans)
}

func TestFinishIdempotent(t *testing.T) {
	req := NewRequest(nil)
	req.StartSpan("Controller/x")

	assert.Equal(t, 1, req.Finish())
	end := req.EndTime
	assert.Equal(t, 0, req.Finish())
	assert.Equal(t, end, req.EndTime)
}

func TestMutationAfterFinishIsDropped(t *testing.T) {
	req := NewRequest(nil)
	req.Finish()

	req.Tag("late", true)
	_, ok := req.TagValue("late")
	assert.False(t, ok)

	span := req.StartSpan("Controller/late")
	assert.NotNil(t, span)
	assert.Equal(t, 0, req.OpenSpanCount())
	assert.ErrorIs(t, req.StopSpan(span), ErrRequestFinished)
}

type recordingObserver struct {
	completed []string
}

func (o *recordingObserver) SpanCompleted(span *Span) {
	o.completed = append(o.completed, span.Operation)
}

func TestObserverNotifiedOnCompletion(t *testing.T) {
	obs := &recordingObserver{}
	req := NewRequest(obs)

	a := req.StartSpan("SQL/Query")
	require.NoError(t, req.StopSpan(a))
	b := req.StartSpan("Template/Render/index")
	require.NoError(t, req.StopSpan(b))

	assert.Equal(t, []string{"SQL/Query", "Template/Render/index"}, obs.completed)
}

func TestObserverNotNotifiedOnForceClose(t *testing.T) {
	obs := &recordingObserver{}
	req := NewRequest(obs)

	req.StartSpan("SQL/Query")
	req.Finish()

	assert.Empty(t, obs.completed)
}

type captureSink struct {
	mu       sync.Mutex
	consumed []*Request
}

func (s *captureSink) Consume(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = append(s.consumed, req)
}

func (s *captureSink) all() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.consumed...)
}

func TestRegistryLifecycle(t *testing.T) {
	sink := &captureSink{}
	reg := NewRegistry(Options{Sink: sink})

	token := Token("ctx-1")
	span := reg.StartSpan(token, "Controller/users.index")

	req, ok := reg.Lookup(token)
	require.True(t, ok)
	req.MarkReal()

	reg.StopSpan(token, span)
	reg.FinishRequest(token)

	_, ok = reg.Lookup(token)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.ActiveCount())

	consumed := sink.all()
	require.Len(t, consumed, 1)
	assert.True(t, consumed[0].Complete())
	assert.Equal(t, "Controller/users.index", consumed[0].CompletedSpans[0].Operation)
}

func TestRegistryDropsNonRealRequests(t *testing.T) {
	sink := &captureSink{}
	reg := NewRegistry(Options{Sink: sink})

	token := Token("ctx-short-circuit")
	span := reg.StartSpan(token, "Middleware/cache")
	reg.StopSpan(token, span)
	reg.FinishRequest(token)

	assert.Empty(t, sink.all())
}

func TestRegistryMisuseTolerated(t *testing.T) {
	reg := NewRegistry(Options{})

	// None of these have an active request; none may panic or create state.
	reg.StopSpan(Token("ghost"), &Span{Operation: "SQL/Query"})
	reg.Tag(Token("ghost"), "k", "v")
	reg.FinishRequest(Token("ghost"))

	assert.Equal(t, 0, reg.ActiveCount())
}

func TestRegistryStartRequestIdempotentPerToken(t *testing.T) {
	reg := NewRegistry(Options{})

	token := Token("ctx")
	first := reg.StartRequest(token)
	second := reg.StartRequest(token)

	assert.Same(t, first, second)
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestRegistryConcurrentContexts(t *testing.T) {
	sink := &captureSink{}
	reg := NewRegistry(Options{Sink: sink})

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			token := Token(fmt.Sprintf("ctx-%d", n))
			for j := 0; j < 10; j++ {
				span := reg.StartSpan(token, "SQL/Query")
				reg.StopSpan(token, span)
			}
			req, _ := reg.Lookup(token)
			req.MarkReal()
			reg.FinishRequest(token)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.ActiveCount())
	assert.Len(t, sink.all(), workers)
	for _, req := range sink.all() {
		assert.True(t, req.Complete())
		assert.Len(t, req.CompletedSpans, 10)
	}
}

func TestSweepReclaimsAbandonedRequests(t *testing.T) {
	sink := &captureSink{}
	reg := NewRegistry(Options{Sink: sink, RequestTTL: time.Minute})

	reg.StartSpan(Token("abandoned"), "Controller/crash")
	fresh := reg.StartRequest(Token("fresh"))
	fresh.MarkReal()

	reclaimed := reg.Sweep(time.Now().Add(2 * time.Minute))

	assert.Equal(t, 2, reclaimed)
	assert.Equal(t, 0, reg.ActiveCount())
	// Swept requests are discarded, never reported.
	assert.Empty(t, sink.all())
}

func TestSweepLeavesFreshRequests(t *testing.T) {
	reg := NewRegistry(Options{RequestTTL: time.Hour})
	reg.StartRequest(Token("fresh"))

	assert.Equal(t, 0, reg.Sweep(time.Now()))
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestEveryStartedSpanClosesExactlyOnce(t *testing.T) {
	req := NewRequest(nil)

	spans := make([]*Span, 0, 6)
	for i := 0; i < 3; i++ {
		spans = append(spans, req.StartSpan("Controller/level"))
	}
	// Stop one correctly, one out of order, leave the rest to Finish.
	require.NoError(t, req.StopSpan(spans[2]))
	assert.Error(t, req.StopSpan(spans[0]))
	req.Finish()

	assert.True(t, req.Complete())
	assert.Len(t, req.CompletedSpans, 3)
	seen := make(map[*Span]int)
	for _, s := range req.CompletedSpans {
		seen[s]++
		assert.True(t, s.Stopped())
	}
	for _, s := range spans {
		assert.Equal(t, 1, seen[s])
	}
}
