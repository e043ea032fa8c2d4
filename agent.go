// Package scoutapm is the in-process core of the performance agent. It owns
// configuration, the request/span model, sensitive-data filtering, N+1 query
// detection, and the socket transport to the core agent. Framework
// integrations call into this package; nothing here ever panics into or
// blocks the host application.
package scoutapm

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scoutapp/scout-apm-go/internal/config"
	"github.com/scoutapp/scout-apm-go/internal/filter"
	"github.com/scoutapp/scout-apm-go/internal/logging"
	"github.com/scoutapp/scout-apm-go/internal/monitoring"
	"github.com/scoutapp/scout-apm-go/internal/nplusone"
	"github.com/scoutapp/scout-apm-go/internal/timing"
	"github.com/scoutapp/scout-apm-go/internal/track"
	"github.com/scoutapp/scout-apm-go/internal/transport"
)

// Token identifies one execution context (one goroutine serving one request).
type Token = track.Token

// Span is one timed operation within a tracked request.
type Span = track.Span

// Request is the root aggregate for one tracked unit of work.
type Request = track.Request

// Param is one query parameter for URI filtering.
type Param = filter.Param

// QueueTimeTag is the request tag carrying upstream queue time in
// nanoseconds.
const QueueTimeTag = "scout.queue_time_ns"

// ErrNotCurrentSpan is returned when a span other than the innermost open one
// is stopped.
var ErrNotCurrentSpan = track.ErrNotCurrentSpan

type options struct {
	logger     *logging.Logger
	registerer prometheus.Registerer
	overrides  map[string]any
}

// Option customizes agent construction.
type Option func(*options)

// WithLogLevel overrides the configured log level.
func WithLogLevel(level string) Option {
	return func(o *options) {
		o.logger = logging.NewWithLevel(level)
	}
}

// WithRegisterer sets the Prometheus registerer for the agent's own metrics.
// Defaults to the process-global registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithConfig applies configuration overrides, taking precedence over
// environment variables and the config file.
func WithConfig(overrides map[string]any) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// Agent wires the subsystems together and is the entry point for framework
// integrations. All methods are safe for concurrent use.
type Agent struct {
	config   *config.Store
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	filter   *filter.Filter
	registry *track.Registry
	sender   *transport.Sender

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New builds an agent from layered configuration. Construction never fails on
// bad settings; unusable values degrade to defaults so the host application
// always starts.
func New(opts ...Option) (*Agent, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := config.New(o.logger)
	if o.overrides != nil {
		cfg.Update(o.overrides)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.NewWithLevel(cfg.String(config.LogLevel))
	}

	registerer := o.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := monitoring.NewMetrics(registerer)

	conn, err := transport.NewConn(transport.ConnConfig{
		SocketPath: cfg.String(config.CoreAgentSocketPath),
		Compress:   cfg.Bool(config.PayloadCompression),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	hostname := cfg.String(config.Hostname)
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	sender := transport.NewSender(transport.SenderOptions{
		Conn: conn,
		Register: transport.Register{
			App:      cfg.String(config.Name),
			Key:      cfg.String(config.Key),
			Hostname: hostname,
		},
		QueueSize: cfg.Int(config.SendQueueSize),
		Logger:    logger,
		Metrics:   metrics,
	})

	registry := track.NewRegistry(track.Options{
		Logger:  logger,
		Metrics: metrics,
		Sink:    sender,
		NewObserver: func() track.SpanObserver {
			return nplusone.NewDetector(
				cfg.Int(config.NPlusOneThreshold),
				cfg.Int(config.BacktraceDepth),
				metrics,
			)
		},
		SweepInterval: cfg.Duration(config.RegistrySweepInterval),
		RequestTTL:    cfg.Duration(config.RegistryRequestTTL),
	})

	return &Agent{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		filter:   filter.New(cfg, logger),
		registry: registry,
		sender:   sender,
	}, nil
}

// Start launches the background send loop, the registry sweeper, and the
// config file watcher. When monitoring is disabled the agent stays inert:
// instrumentation calls still work but nothing is reported. Idempotent.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		if !a.config.Bool(config.Monitor) {
			a.logger.Debug("monitoring disabled, agent not started")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		a.cancelMu.Lock()
		a.cancel = cancel
		a.cancelMu.Unlock()
		a.running.Store(true)

		a.sender.Start()
		go a.registry.Run(ctx)
		go func() {
			err := a.config.Watch(ctx)
			if err != nil && !errors.Is(err, config.ErrNoConfigFile) &&
				!errors.Is(err, context.Canceled) {
				a.logger.Debug("config watch stopped", zap.Error(err))
			}
		}()

		a.logger.Info("agent started",
			zap.String("app", a.config.String(config.Name)),
			zap.String("socket", a.config.String(config.CoreAgentSocketPath)),
		)
	})
}

// Shutdown stops background work and drains queued requests until ctx
// expires. Idempotent.
func (a *Agent) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.cancelMu.Lock()
		cancel := a.cancel
		a.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		if a.running.Load() {
			err = a.sender.Stop(ctx)
		}
		a.running.Store(false)
	})
	return err
}

// Running reports whether Start actually launched background work.
func (a *Agent) Running() bool {
	return a.running.Load()
}

// StartRequest returns the active request for token, creating one if needed.
func (a *Agent) StartRequest(token Token) *Request {
	return a.registry.StartRequest(token)
}

// StartSpan opens a span on the token's request.
func (a *Agent) StartSpan(token Token, operation string) *Span {
	return a.registry.StartSpan(token, operation)
}

// StopSpan closes a span. Out-of-order stops are logged and ignored.
func (a *Agent) StopSpan(token Token, span *Span) {
	a.registry.StopSpan(token, span)
}

// TagRequest attaches a tag to the token's request.
func (a *Agent) TagRequest(token Token, key string, value any) {
	a.registry.Tag(token, key, value)
}

// MarkReal flags that the token's request reached application code. Only real
// requests are reported.
func (a *Agent) MarkReal(token Token) {
	if req, ok := a.registry.Lookup(token); ok {
		req.MarkReal()
	}
}

// MarkError flags a server-error outcome on the token's request.
func (a *Agent) MarkError(token Token) {
	if req, ok := a.registry.Lookup(token); ok {
		req.MarkError()
	}
}

// FinishRequest finishes the token's request and queues it for delivery.
func (a *Agent) FinishRequest(token Token) {
	a.registry.FinishRequest(token)
}

// TrackQueueTime parses an upstream queue-time header (X-Queue-Start,
// X-Request-Start) and tags the token's request with the queue duration in
// nanoseconds. Returns false when the header is absent, unparseable, or
// implausible.
func (a *Agent) TrackQueueTime(token Token, headerValue string) bool {
	req, ok := a.registry.Lookup(token)
	if !ok {
		return false
	}

	ns, ok := timing.QueueTimeNS(
		headerValue,
		req.StartTime,
		a.config.Duration(config.QueueTimeTolerance),
	)
	if !ok {
		return false
	}

	req.Tag(QueueTimeTag, ns)
	a.metrics.QueueTimeTagged.Inc()
	return true
}

// FilterValue redacts value if key names something sensitive, recursing into
// maps and sequences.
func (a *Agent) FilterValue(key string, value any) any {
	return a.filter.Element(key, value)
}

// FilteredPath renders path plus params with sensitive values redacted,
// honoring the uri_reporting mode.
func (a *Agent) FilteredPath(path string, params []Param) string {
	return a.filter.Path(path, params)
}

// IgnorePath reports whether path matches a configured ignore prefix.
func (a *Agent) IgnorePath(path string) bool {
	return a.filter.IgnorePath(path)
}

// SetConfig pushes a single configuration override.
func (a *Agent) SetConfig(name string, value any) {
	a.config.Set(name, value)
}

// ScopedConfig pushes overrides and returns a restore function. Intended for
// tests and request-local settings.
func (a *Agent) ScopedConfig(overrides map[string]any) func() {
	return a.config.Scoped(overrides)
}
