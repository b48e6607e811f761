// Package pool manages a set of same-role sessions started together.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/data"
	"brokerstorm/internal/ratelimit"
	"brokerstorm/internal/session"
	"brokerstorm/internal/transport"
)

// DefaultClientIDPrefix prefixes broker client ids when the endpoint has none.
const DefaultClientIDPrefix = "brokerstorm"

// ErrAlreadyStarted is returned by Start on a pool that was started before.
var ErrAlreadyStarted = errors.New("pool already started")

// Pool owns the sessions of one role. Sessions run in their own goroutines;
// the pool only reads their state from outside.
type Pool struct {
	role   core.Role
	agg    *collector.Aggregator
	dialer transport.Dialer
	runID  string

	logger         log.FieldLogger
	clock          core.Clock
	quota          int64
	payloads       data.Generator
	limiterFactory func() *ratelimit.RateLimiter
	deduper        *collector.Deduper

	mu       sync.Mutex
	started  bool
	sessions []*session.Session

	wg        sync.WaitGroup
	done      chan struct{}
	total     atomic.Int64
	quotaOnce sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithQuota sets a pool-wide message quota. A publisher pool splits it across
// its sessions; a subscriber pool completes every session once the pool has
// received that many messages. Zero means no quota.
func WithQuota(n int64) Option {
	return func(p *Pool) { p.quota = n }
}

func WithLogger(l log.FieldLogger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithClock(c core.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithPayloads sets the body generator shared by publisher sessions.
func WithPayloads(g data.Generator) Option {
	return func(p *Pool) { p.payloads = g }
}

// WithLimiterFactory gives each publisher session the limiter f returns, in
// addition to its own. ratelimit.Shared paces the pool as a whole.
func WithLimiterFactory(f func() *ratelimit.RateLimiter) Option {
	return func(p *Pool) { p.limiterFactory = f }
}

// WithDeduper feeds every payload a subscriber counts to d.
func WithDeduper(d *collector.Deduper) Option {
	return func(p *Pool) { p.deduper = d }
}

// New creates an empty pool of role whose sessions count into agg.
func New(role core.Role, agg *collector.Aggregator, dialer transport.Dialer, opts ...Option) *Pool {
	p := &Pool{
		role:   role,
		agg:    agg,
		dialer: dialer,
		runID:  uuid.NewString()[:8],
		logger: log.StandardLogger(),
		clock:  core.RealClock{},
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Role() core.Role { return p.role }

// Len returns the number of sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Start creates count sessions from cfg and starts each in its own goroutine.
// It returns as soon as they are launched. A count of zero is a valid pool
// that is immediately done. Invalid parameters are reported as configuration
// errors before anything starts.
func (p *Pool) Start(ctx context.Context, count int, cfg session.Config) error {
	if count < 0 {
		return &core.ErrInvalidArgument{Name: p.role.String() + "s.count", Value: count, Message: "must be >= 0"}
	}
	if cfg.Role == 0 {
		cfg.Role = p.role
	}
	if cfg.Role != p.role {
		return &core.ErrInvalidArgument{Name: "role", Value: cfg.Role, Message: "pool is a " + p.role.String() + " pool"}
	}
	if p.quota < 0 {
		return &core.ErrInvalidArgument{Name: "total_messages", Value: p.quota, Message: "must be >= 0"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	targets, err := p.targets(count, cfg)
	if err != nil {
		return err
	}
	p.started = true
	if count == 0 {
		close(p.done)
		return nil
	}

	prefix := cfg.Endpoint.ClientID
	if prefix == "" {
		prefix = DefaultClientIDPrefix
	}
	p.sessions = make([]*session.Session, count)
	for i := range p.sessions {
		scfg := cfg
		scfg.Target = targets[i]
		scfg.Endpoint.ClientID = fmt.Sprintf("%s-%s-%s-%d", prefix, p.runID, p.role, i)
		p.sessions[i] = session.New(fmt.Sprintf("%s-%d", p.role, i), i, scfg, p.agg, p.dialer, p.sessionOptions()...)
	}

	p.logger.WithFields(log.Fields{
		"role":        p.role.String(),
		"sessions":    count,
		"destination": cfg.Destination.String(),
	}).Info("starting sessions")

	for _, s := range p.sessions {
		p.wg.Add(1)
		go func(s *session.Session) {
			defer p.wg.Done()
			_ = s.Run(ctx)
		}(s)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return nil
}

// targets validates cfg and returns each session's message target.
func (p *Pool) targets(count int, cfg session.Config) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}
	targets := make([]int64, count)
	if p.role == core.RolePublish && p.quota > 0 {
		if p.quota < int64(count) {
			return nil, &core.ErrInvalidArgument{Name: "total_messages", Value: p.quota, Message: fmt.Sprintf("must be at least the number of publishers (%d)", count)}
		}
		targets = collector.SplitTarget(p.quota, count)
		cfg.Target = targets[0]
	} else {
		for i := range targets {
			targets[i] = cfg.Target
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return targets, nil
}

func (p *Pool) sessionOptions() []session.Option {
	opts := []session.Option{session.WithLogger(p.logger), session.WithClock(p.clock)}
	switch p.role {
	case core.RolePublish:
		if p.payloads != nil {
			opts = append(opts, session.WithPayloads(p.payloads))
		}
		if p.limiterFactory != nil {
			if l := p.limiterFactory(); l != nil {
				opts = append(opts, session.WithLimiter(l))
			}
		}
	case core.RoleSubscribe:
		if p.deduper != nil {
			opts = append(opts, session.WithObserver(func(payload []byte) { p.deduper.Observe(payload) }))
		}
		if p.quota > 0 {
			opts = append(opts, session.WithCountHook(p.countTowardsQuota))
		}
	}
	return opts
}

func (p *Pool) countTowardsQuota(int64) {
	if p.total.Add(1) < p.quota {
		return
	}
	p.quotaOnce.Do(func() {
		p.logger.WithFields(log.Fields{"role": p.role.String(), "quota": p.quota}).Info("quota reached")
		for _, s := range p.snapshot() {
			s.Complete()
		}
	})
}

func (p *Pool) snapshot() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session.Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// CloseSubset selects the first count sessions, in start order, and has each
// close itself once its own count reaches threshold. Sessions already past the
// threshold close at their next safe point; terminal sessions are unaffected.
// A count larger than the pool selects every session. It returns the number
// of sessions selected.
func (p *Pool) CloseSubset(count int, threshold int64) int {
	sessions := p.snapshot()
	if count > len(sessions) {
		count = len(sessions)
	}
	if count <= 0 {
		return 0
	}
	for _, s := range sessions[:count] {
		s.CloseAfter(threshold)
	}
	p.logger.WithFields(log.Fields{
		"role":      p.role.String(),
		"sessions":  count,
		"threshold": threshold,
	}).Info("closing subset after threshold")
	return count
}

// SessionStates returns the current state of every session, by index.
func (p *Pool) SessionStates() []core.State {
	sessions := p.snapshot()
	states := make([]core.State, len(sessions))
	for i, s := range sessions {
		states[i] = s.State()
	}
	return states
}

// Statuses returns a status for every session, by index.
func (p *Pool) Statuses() []core.SessionStatus {
	sessions := p.snapshot()
	out := make([]core.SessionStatus, len(sessions))
	for i, s := range sessions {
		out[i] = s.Status()
	}
	return out
}

// Summary folds the session statuses into a terminal-state breakdown.
func (p *Pool) Summary() collector.PoolSummary {
	return collector.Summarize(p.role, p.Statuses())
}

// Active returns the number of sessions that have not terminated.
func (p *Pool) Active() int {
	n := 0
	for _, st := range p.SessionStates() {
		if !st.Terminal() {
			n++
		}
	}
	return n
}

// Ready blocks until every session has subscribed, connected or terminated.
func (p *Pool) Ready(ctx context.Context) error {
	for _, s := range p.snapshot() {
		select {
		case <-s.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Done is closed once every session has terminated. It is never closed for a
// pool that was not started.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Shutdown asks every remaining session to close by policy. It does not wait;
// use Done for that.
func (p *Pool) Shutdown() {
	for _, s := range p.snapshot() {
		s.Close()
	}
}
