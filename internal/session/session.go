// Package session runs a single publisher or subscriber against one destination.
//
// A session moves through Created -> Running -> {Completed, ClosedByPolicy,
// Failed} exactly once. Stop requests are cooperative: they are recorded,
// the run context is cancelled, and the session observes them at its next
// safe point, between messages or while blocked on the broker.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/data"
	"brokerstorm/internal/ratelimit"
	"brokerstorm/internal/transport"
)

// ErrAlreadyStarted is returned by Run on a session that has been run before.
var ErrAlreadyStarted = errors.New("session already started")

// Session is one publisher or subscriber. Its state and counts may be read
// from any goroutine; only its own Run goroutine mutates them.
type Session struct {
	id     string
	index  int
	cfg    Config
	agg    *collector.Aggregator
	dialer transport.Dialer

	payloads data.Generator
	limiter  *ratelimit.RateLimiter
	shared   *ratelimit.RateLimiter
	observe  func(payload []byte)
	onCount  func(n int64)
	logger   log.FieldLogger
	clock    core.Clock

	state      atomic.Int32
	count      atomic.Int64
	closeAfter atomic.Int64

	stopMu    sync.Mutex
	stopState core.State
	stopCh    chan struct{}
	cancel    context.CancelFunc

	mu        sync.Mutex
	err       error
	startedAt time.Time
	endedAt   time.Time

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger; fields for the session are added to it.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock sets the clock used for start and end times.
func WithClock(c core.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithPayloads sets the body generator for publishers.
func WithPayloads(g data.Generator) Option {
	return func(s *Session) { s.payloads = g }
}

// WithLimiter also paces a publisher with l, on top of Config.Rate. Sessions
// given the same l share its rate.
func WithLimiter(l *ratelimit.RateLimiter) Option {
	return func(s *Session) { s.shared = l }
}

// WithObserver is called with every counted subscriber payload.
func WithObserver(f func(payload []byte)) Option {
	return func(s *Session) { s.observe = f }
}

// WithCountHook is called after every counted message with the session's new
// local count, from the session's own goroutine.
func WithCountHook(f func(n int64)) Option {
	return func(s *Session) { s.onCount = f }
}

// New creates a session in the Created state. cfg must be valid.
func New(id string, index int, cfg Config, agg *collector.Aggregator, dialer transport.Dialer, opts ...Option) *Session {
	s := &Session{
		id:     id,
		index:  index,
		cfg:    cfg,
		agg:    agg,
		dialer: dialer,
		logger: log.StandardLogger(),
		clock:  core.RealClock{},
		stopCh: make(chan struct{}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = ratelimit.NewRateLimiter(cfg.Rate)
	if s.payloads == nil && cfg.Role == core.RolePublish {
		s.payloads, _ = data.NewGenerator(data.PayloadConfig{}, "")
	}
	s.logger = s.logger.WithFields(log.Fields{
		"session":     id,
		"role":        cfg.Role.String(),
		"destination": cfg.Destination.String(),
	})
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Index() int      { return s.index }
func (s *Session) Role() core.Role { return s.cfg.Role }

// State returns the current lifecycle state.
func (s *Session) State() core.State { return core.State(s.state.Load()) }

// Count returns the messages this session has sent or received so far.
func (s *Session) Count() int64 { return s.count.Load() }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ready is closed once a subscriber has subscribed, a publisher has
// connected, or the session has terminated, whichever is first.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Status returns a point-in-time view of the session.
func (s *Session) Status() core.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.State()
	return core.SessionStatus{
		ID:        s.id,
		Index:     s.index,
		Role:      s.cfg.Role,
		State:     state,
		Cause:     core.CauseOf(state),
		Count:     s.count.Load(),
		Err:       s.err,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

// Close requests early termination as ClosedByPolicy. It is safe to call
// concurrently with Run and any number of times; only the first stop request
// counts and requests on a terminal session are no-ops.
func (s *Session) Close() {
	s.requestStop(core.StateClosedByPolicy)
}

// Complete requests termination as Completed, for when the work the session
// was part of is finished as a whole.
func (s *Session) Complete() {
	s.requestStop(core.StateCompleted)
}

// CloseAfter arranges for the session to close itself once its local count
// reaches threshold. A session already past threshold closes at its next safe point.
func (s *Session) CloseAfter(threshold int64) {
	if threshold <= 0 {
		s.Close()
		return
	}
	s.closeAfter.Store(threshold)
	if s.count.Load() >= threshold {
		s.Close()
	}
}

func (s *Session) requestStop(state core.State) {
	s.stopMu.Lock()
	if s.stopState != core.StateCreated || s.State().Terminal() {
		s.stopMu.Unlock()
		return
	}
	s.stopState = state
	close(s.stopCh)
	cancel := s.cancel
	s.stopMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) stopRequested() (core.State, bool) {
	select {
	case <-s.stopCh:
		s.stopMu.Lock()
		defer s.stopMu.Unlock()
		return s.stopState, true
	default:
		return core.StateCreated, false
	}
}

// Run drives the session until it terminates and returns the failure, if any.
// Cancelling ctx stops the session as ClosedByPolicy.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(core.StateCreated), int32(core.StateRunning)) {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()
	s.logger.Debug("session started")

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
			s.finish(core.StateFailed, err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stopMu.Lock()
	s.cancel = cancel
	if s.stopState != core.StateCreated {
		cancel()
	}
	s.stopMu.Unlock()

	state, err := s.run(runCtx)
	s.finish(state, err)
	return err
}

func (s *Session) run(ctx context.Context) (core.State, error) {
	if state, ok := s.stopRequested(); ok {
		return state, nil
	}

	dialCtx := ctx
	if s.cfg.Endpoint.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.Endpoint.DialTimeout)
		defer cancel()
	}
	conn, err := s.dialer.Dial(dialCtx, s.cfg.Endpoint)
	if err != nil {
		return s.interrupted(ctx, core.NewTransportError("dial", err))
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.WithError(err).Debug("closing connection")
		}
	}()

	if s.cfg.Role == core.RolePublish {
		return s.publish(ctx, conn)
	}
	return s.subscribe(ctx, conn)
}

func (s *Session) publish(ctx context.Context, conn transport.Conn) (core.State, error) {
	s.markReady()
	for s.count.Load() < s.cfg.Target {
		if state, ok := s.stopRequested(); ok {
			return state, nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return s.interrupted(ctx, err)
		}
		if err := s.shared.Wait(ctx); err != nil {
			return s.interrupted(ctx, err)
		}
		seq := s.count.Load() + 1
		msg := transport.Message{ID: uuid.NewString(), Expiry: s.cfg.Expiry}
		body, err := s.payloads.Generate(data.Meta{Session: s.id, Seq: seq, MessageID: msg.ID})
		if err != nil {
			return core.StateFailed, errors.Wrap(err, "generating payload")
		}
		msg.Payload = body
		if err := conn.Publish(ctx, s.cfg.Destination, msg); err != nil {
			return s.interrupted(ctx, core.NewTransportError("publish", err))
		}
		s.record()
	}
	return core.StateCompleted, nil
}

func (s *Session) subscribe(ctx context.Context, conn transport.Conn) (core.State, error) {
	opts := s.cfg.subscribeOptions()
	sub, err := conn.Subscribe(ctx, s.cfg.Destination, opts)
	if err != nil {
		return s.interrupted(ctx, core.NewTransportError("subscribe", err))
	}
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.WithError(err).Debug("closing subscription")
		}
	}()
	s.markReady()

	for s.count.Load() < s.cfg.Target {
		if state, ok := s.stopRequested(); ok {
			return state, nil
		}
		d, err := sub.Next(ctx)
		if err != nil {
			return s.interrupted(ctx, core.NewTransportError("receive", err))
		}
		if opts.AckMode == transport.AckClient {
			// Hand back what arrived after the stop so another subscriber gets it.
			if state, ok := s.stopRequested(); ok {
				if err := d.Nack(); err != nil {
					s.logger.WithError(err).Debug("returning delivery after close")
				}
				return state, nil
			}
			if err := d.Ack(); err != nil {
				return s.interrupted(ctx, core.NewTransportError("ack", err))
			}
		}
		if s.observe != nil {
			s.observe(d.Payload())
		}
		s.record()
	}
	return core.StateCompleted, nil
}

// interrupted classifies an error from a blocking call. When the run context
// was cancelled the error is the stop itself, not a failure.
func (s *Session) interrupted(ctx context.Context, err error) (core.State, error) {
	if ctx.Err() == nil {
		return core.StateFailed, err
	}
	if state, ok := s.stopRequested(); ok {
		return state, nil
	}
	return core.StateClosedByPolicy, nil
}

// record counts one message locally and in the aggregate, then applies the
// close-after threshold.
func (s *Session) record() {
	n := s.agg.Record(s.cfg.Role, &s.count)
	if s.onCount != nil {
		s.onCount(n)
	}
	if every := s.cfg.ReportEvery; every > 0 && n%every == 0 {
		s.logger.WithField("count", n).Info("progress")
	}
	if threshold := s.closeAfter.Load(); threshold > 0 && n >= threshold && n < s.cfg.Target {
		s.Close()
	}
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// finish moves a running session to its terminal state, once.
func (s *Session) finish(state core.State, err error) {
	s.mu.Lock()
	if s.State() != core.StateRunning {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.endedAt = s.clock.Now()
	s.state.Store(int32(state))
	s.mu.Unlock()

	entry := s.logger.WithFields(log.Fields{"state": state.String(), "count": s.count.Load()})
	if err != nil {
		entry.WithError(err).Warn("session failed")
	} else {
		entry.Debug("session finished")
	}
	s.markReady()
	close(s.done)
}
