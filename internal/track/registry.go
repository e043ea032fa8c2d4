package track

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scoutapp/scout-apm-go/internal/logging"
	"github.com/scoutapp/scout-apm-go/internal/monitoring"
)

// Token identifies a logical execution context: a goroutine serving one HTTP
// request, a task, or any request-scoped handle the caller supplies. The core
// never assumes one request per OS thread; identity is always explicit.
type Token string

// Sink receives finished requests. Consume must not block: transport
// implementations drop on a full queue rather than stall the host.
type Sink interface {
	Consume(req *Request)
}

// Options configures a Registry.
type Options struct {
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Sink    Sink

	// NewObserver builds the per-request span observer (the N+1 detector).
	// Nil disables span observation.
	NewObserver func() SpanObserver

	// SweepInterval and RequestTTL bound the lifetime of abandoned requests:
	// contexts torn down without calling Finish must not leak memory.
	SweepInterval time.Duration
	RequestTTL    time.Duration
}

// Registry maps execution-context tokens to their active request. Lookups and
// membership changes are synchronized; each request's span tree is mutated
// only by its owning context and needs no locking of its own.
type Registry struct {
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics

	requests syncedRequests

	// Out-of-order stops are caller bugs that can fire on every query of a
	// hot endpoint; the limiter keeps diagnostics from flooding the log.
	misuseLog *rate.Limiter
}

// NewRegistry creates a registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewNopMetrics()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = 10 * time.Minute
	}

	return &Registry{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		requests:  newSyncedRequests(),
		misuseLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// StartRequest returns the active request for token, creating one if none
// exists.
func (g *Registry) StartRequest(token Token) *Request {
	if req, ok := g.requests.get(token); ok {
		return req
	}

	var observer SpanObserver
	if g.opts.NewObserver != nil {
		observer = g.opts.NewObserver()
	}
	req := NewRequest(observer)

	if existing, loaded := g.requests.putIfAbsent(token, req); loaded {
		// Another goroutine using the same token won the race; tokens are
		// context-scoped so this is rare and either request is fine.
		return existing
	}

	g.metrics.RequestsStarted.Inc()
	g.metrics.RequestsActive.Inc()
	return req
}

// Lookup returns the active request for token without creating one.
func (g *Registry) Lookup(token Token) (*Request, bool) {
	return g.requests.get(token)
}

// StartSpan opens a span on the token's request, creating the request when
// the first instrumentation point fires.
func (g *Registry) StartSpan(token Token, operation string) *Span {
	span := g.StartRequest(token).StartSpan(operation)
	g.metrics.SpansStarted.Inc()
	return span
}

// StopSpan closes a span. Misuse (no active request, span not the stack top)
// is recorded for diagnostics and otherwise ignored.
func (g *Registry) StopSpan(token Token, span *Span) {
	req, ok := g.requests.get(token)
	if !ok {
		g.recordMisuse("stop span without an active request", token, span)
		return
	}
	if err := req.StopSpan(span); err != nil {
		g.metrics.SpanMismatches.Inc()
		g.recordMisuse(err.Error(), token, span)
		return
	}
	g.metrics.SpansCompleted.Inc()
}

// Tag attaches a tag to the token's request. Tagging without an active
// request is misuse: logged, ignored.
func (g *Registry) Tag(token Token, key string, value any) {
	req, ok := g.requests.get(token)
	if !ok {
		g.recordMisuse("tag without an active request", token, nil)
		return
	}
	req.Tag(key, value)
}

// FinishRequest finishes the token's request, removes it from the registry,
// and hands it to the sink. Requests that never reached application code are
// dropped rather than reported as zero-duration noise.
func (g *Registry) FinishRequest(token Token) {
	req, ok := g.requests.remove(token)
	if !ok {
		g.recordMisuse("finish without an active request", token, nil)
		return
	}
	g.metrics.RequestsActive.Dec()

	if forced := req.Finish(); forced > 0 {
		g.metrics.SpansForced.Add(float64(forced))
		g.logger.Debug("request finished with open spans",
			zap.String("request_id", req.ID.String()),
			zap.Int("force_closed", forced),
		)
	}

	if !req.RealRequest {
		g.metrics.RequestsIgnored.Inc()
		return
	}

	g.metrics.RequestsFinished.Inc()
	if g.opts.Sink != nil {
		g.opts.Sink.Consume(req)
	}
}

// Sweep reclaims requests older than the TTL. Their contexts are assumed torn
// down; the requests are force-finished and discarded, never reported.
// Returns the number reclaimed.
func (g *Registry) Sweep(now time.Time) int {
	stale := g.requests.removeOlderThan(now, g.opts.RequestTTL)
	for _, req := range stale {
		req.Finish()
		g.metrics.RequestsActive.Dec()
		g.metrics.RequestsSwept.Inc()
		g.logger.Debug("swept abandoned request",
			zap.String("request_id", req.ID.String()),
			zap.Duration("age", req.Age(now)),
		)
	}
	return len(stale)
}

// Run sweeps on the configured interval until ctx is cancelled.
func (g *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}

// ActiveCount returns the number of tracked requests.
func (g *Registry) ActiveCount() int {
	return g.requests.len()
}

func (g *Registry) recordMisuse(msg string, token Token, span *Span) {
	if !g.misuseLog.Allow() {
		return
	}
	fields := []zap.Field{zap.String("token", string(token))}
	if span != nil {
		fields = append(fields, zap.String("operation", span.Operation))
	}
	g.logger.Warn("instrumentation misuse: "+msg, fields...)
}
