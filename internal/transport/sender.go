package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scoutapp/scout-apm-go/internal/logging"
	"github.com/scoutapp/scout-apm-go/internal/monitoring"
	"github.com/scoutapp/scout-apm-go/internal/resilience"
	"github.com/scoutapp/scout-apm-go/internal/track"
)

// SenderOptions configures the background sender.
type SenderOptions struct {
	// Conn is the framed core agent connection the sender owns.
	Conn *Conn
	// Register is sent once after every (re)connect, before request data.
	Register Register
	// QueueSize bounds the handoff channel between request contexts and the
	// send loop.
	QueueSize int
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
	// Breaker guards every delivery. Nil gets a default breaker.
	Breaker *resilience.Breaker
}

// Sender drains finished requests to the core agent on a single background
// goroutine. It implements track.Sink: Consume never blocks the caller, and
// when the queue is full the newest request is dropped and counted.
type Sender struct {
	conn     *Conn
	register Register
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	breaker  *resilience.Breaker

	queue      chan *track.Request
	stopped    atomic.Bool
	registered bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSender creates a sender. Call Start to begin draining.
func NewSender(opts SenderOptions) *Sender {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewNopMetrics()
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.New("core-agent", resilience.Settings{
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return &Sender{
		conn:     opts.Conn,
		register: opts.Register,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		breaker:  opts.Breaker,
		queue:    make(chan *track.Request, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the send loop. Idempotent.
func (s *Sender) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Consume enqueues a finished request for delivery. When the queue is full
// the request is dropped rather than blocking the caller.
func (s *Sender) Consume(req *track.Request) {
	if s.stopped.Load() {
		s.metrics.SendsDropped.Inc()
		return
	}
	select {
	case s.queue <- req:
	default:
		s.metrics.SendsDropped.Inc()
		s.logger.Debug("send queue full, dropping request",
			zap.String("request_id", req.ID.String()))
	}
}

// Stop drains queued requests until ctx expires, then closes the connection.
// Requests consumed after Stop are dropped.
func (s *Sender) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.conn.Close()
	})
	return err
}

// QueueDepth reports the number of requests awaiting delivery.
func (s *Sender) QueueDepth() int {
	return len(s.queue)
}

func (s *Sender) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.queue:
			s.send(req)
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain delivers whatever is already queued, without waiting for more.
func (s *Sender) drain() {
	for {
		select {
		case req := <-s.queue:
			s.send(req)
		default:
			return
		}
	}
}

func (s *Sender) send(req *track.Request) {
	err := s.breaker.Execute(func() error {
		return s.deliver(req)
	})
	if err != nil {
		s.metrics.SendErrors.Inc()
		s.logger.Debug("request delivery failed",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		return
	}
	s.metrics.SendsTotal.Inc()
}

// deliver registers on a fresh connection, then ships the request batch. Any
// error resets the connection so the next attempt redials and re-registers.
func (s *Sender) deliver(req *track.Request) error {
	if !s.conn.Connected() {
		s.registered = false
	}
	if !s.registered {
		if err := s.conn.Send(s.register); err != nil {
			return err
		}
		s.registered = true
	}

	if err := s.conn.Send(BuildBatch(req)); err != nil {
		s.registered = false
		return err
	}
	return nil
}
