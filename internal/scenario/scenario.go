// Package scenario runs a publisher pool and a subscriber pool against one
// destination and reports what both observed.
package scenario

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/data"
	"brokerstorm/internal/pool"
	"brokerstorm/internal/ratelimit"
	"brokerstorm/internal/session"
	"brokerstorm/internal/transport"
)

const defaultTeardownGrace = 10 * time.Second

// Scenario is one load run: Publishers sessions from the Publisher template,
// Subscribers sessions from the Subscriber template, of which the first
// Closing close themselves after CloseAfter messages each.
type Scenario struct {
	Name string
	// Destination, when set, is used by any template that names none.
	Destination transport.Destination

	Publisher   session.Config
	Publishers  int
	Subscriber  session.Config
	Subscribers int

	Closing    int
	CloseAfter int64

	// Timeout bounds the whole run; zero waits for completion without limit.
	Timeout time.Duration

	// PublisherQuota is split across publishers in place of Publisher.Target.
	PublisherQuota int64
	// SubscriberQuota completes the subscriber pool once it has received that many.
	SubscriberQuota int64

	// PublisherRate caps the publisher pool as a whole, in messages per
	// second, on top of the per-session Publisher.Rate. Zero means no cap.
	PublisherRate float64

	// Payloads generates publisher bodies; nil uses the default template.
	Payloads data.Generator

	// DedupeKey turns on duplicate detection, keyed on this gjson path.
	DedupeKey string
}

func (sc *Scenario) applyDefaults() {
	if sc.Publisher.Role == 0 {
		sc.Publisher.Role = core.RolePublish
	}
	if sc.Subscriber.Role == 0 {
		sc.Subscriber.Role = core.RoleSubscribe
	}
	if sc.Publisher.Destination.Name == "" {
		sc.Publisher.Destination = sc.Destination
	}
	if sc.Subscriber.Destination.Name == "" {
		sc.Subscriber.Destination = sc.Destination
	}
}

// Validate reports every invalid parameter together as configuration errors.
func (sc Scenario) Validate() error {
	sc.applyDefaults()
	var result *multierror.Error
	if sc.Publishers < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "publishers.count", Value: sc.Publishers, Message: "must be >= 0"})
	}
	if sc.Subscribers < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "subscribers.count", Value: sc.Subscribers, Message: "must be >= 0"})
	}
	if sc.Closing < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "subscribers.closing.count", Value: sc.Closing, Message: "must be >= 0"})
	}
	if sc.CloseAfter < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "subscribers.closing.after", Value: sc.CloseAfter, Message: "must be >= 0"})
	}
	if sc.Timeout < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "timeout", Value: sc.Timeout, Message: "must be >= 0"})
	}
	if sc.PublisherQuota < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "publishers.total_messages", Value: sc.PublisherQuota, Message: "must be >= 0"})
	}
	if sc.PublisherRate < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "publishers.total_rate", Value: sc.PublisherRate, Message: "must be >= 0"})
	}
	if sc.SubscriberQuota < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "subscribers.total_messages", Value: sc.SubscriberQuota, Message: "must be >= 0"})
	}

	if sc.Publishers > 0 {
		pub := sc.Publisher
		if sc.PublisherQuota > 0 {
			if sc.PublisherQuota < int64(sc.Publishers) {
				result = multierror.Append(result, &core.ErrInvalidArgument{Name: "publishers.total_messages", Value: sc.PublisherQuota, Message: "must be at least publishers.count"})
			}
			pub.Target = sc.PublisherQuota / int64(sc.Publishers)
			if pub.Target == 0 {
				pub.Target = 1
			}
		}
		if err := pub.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if sc.Subscribers > 0 {
		if err := sc.Subscriber.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Run is the live state of a scenario, handed to start hooks so they can
// observe it while it runs.
type Run struct {
	Scenario    Scenario
	Aggregator  *collector.Aggregator
	Publishers  *pool.Pool
	Subscribers *pool.Pool
}

// Active returns the number of sessions of both pools still running.
func (r Run) Active() int {
	return r.Publishers.Active() + r.Subscribers.Active()
}

// Orchestrator runs scenarios against one broker.
type Orchestrator struct {
	dialer        transport.Dialer
	logger        log.FieldLogger
	clock         core.Clock
	teardownGrace time.Duration
	hooks         []func(Run)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l log.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(c core.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithStartHook calls f once both pools exist, before any session starts.
func WithStartHook(f func(Run)) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, f) }
}

// WithTeardownGrace bounds how long a timed-out run waits for its sessions to
// release their connections.
func WithTeardownGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.teardownGrace = d }
}

// New creates an Orchestrator dialing through dialer.
func New(dialer transport.Dialer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dialer:        dialer,
		logger:        log.StandardLogger(),
		clock:         core.RealClock{},
		teardownGrace: defaultTeardownGrace,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunScenario starts the subscriber pool, starts the publisher pool once every
// subscriber is ready, closes the configured subset of subscribers as each
// crosses its threshold, and waits for both pools in parallel.
//
// Configuration errors abort before anything starts. Transport failures stay
// inside the sessions they hit and show up in the pool summaries. A timeout
// is reported through Result.TimedOut with the counts at that moment. The
// returned error is otherwise only set when ctx ends, alongside the partial result.
func (o *Orchestrator) RunScenario(ctx context.Context, sc Scenario) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	sc.applyDefaults()

	logger := o.logger
	if sc.Name != "" {
		logger = logger.WithField("scenario", sc.Name)
	}

	agg := collector.NewAggregator()
	var dedupe *collector.Deduper
	subOpts := []pool.Option{pool.WithLogger(logger), pool.WithClock(o.clock), pool.WithQuota(sc.SubscriberQuota)}
	if sc.DedupeKey != "" {
		dedupe = collector.NewDeduper(sc.DedupeKey)
		subOpts = append(subOpts, pool.WithDeduper(dedupe))
	}
	pubOpts := []pool.Option{pool.WithLogger(logger), pool.WithClock(o.clock), pool.WithQuota(sc.PublisherQuota)}
	if sc.Payloads != nil {
		pubOpts = append(pubOpts, pool.WithPayloads(sc.Payloads))
	}
	if sc.PublisherRate > 0 {
		pubOpts = append(pubOpts, pool.WithLimiterFactory(ratelimit.Shared(sc.PublisherRate)))
	}
	subs := pool.New(core.RoleSubscribe, agg, o.dialer, subOpts...)
	pubs := pool.New(core.RolePublish, agg, o.dialer, pubOpts...)

	for _, hook := range o.hooks {
		hook(Run{Scenario: sc, Aggregator: agg, Publishers: pubs, Subscribers: subs})
	}

	start := o.clock.Now()
	var deadline time.Time
	if sc.Timeout > 0 {
		deadline = time.Now().Add(sc.Timeout)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := subs.Start(runCtx, sc.Subscribers, sc.Subscriber); err != nil {
		return nil, err
	}
	if sc.Closing > 0 {
		subs.CloseSubset(sc.Closing, sc.CloseAfter)
	}

	if err := o.awaitReady(ctx, subs, deadline); err != nil {
		logger.WithError(err).Warn("subscribers not ready, starting publishers anyway")
	}
	if err := pubs.Start(runCtx, sc.Publishers, sc.Publisher); err != nil {
		subs.Shutdown()
		o.drain(logger, subs)
		return nil, err
	}

	var pubOut, subOut pool.Outcome
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pubOut, err = pool.AwaitCompletion(gctx, pubs, remaining(deadline))
		return err
	})
	g.Go(func() error {
		var err error
		subOut, err = pool.AwaitCompletion(gctx, subs, remaining(deadline))
		return err
	})
	waitErr := g.Wait()

	res := &Result{
		Name:        sc.Name,
		Destination: sc.Subscriber.Destination,
		TimedOut:    pubOut.TimedOut || subOut.TimedOut,
	}
	if res.Destination.Name == "" {
		res.Destination = sc.Publisher.Destination
	}
	agg.Observe(func(c collector.Counts) {
		res.Counts = c
		res.Publishers = pubs.Summary()
		res.Subscribers = subs.Summary()
	})
	res.Duration = o.clock.Since(start)
	if dedupe != nil {
		res.Duplicates = dedupe.Duplicates()
	}

	if res.TimedOut || waitErr != nil {
		logger.WithFields(log.Fields{
			"sent":     res.Counts.Sent,
			"received": res.Counts.Received,
		}).Warn("scenario did not complete, closing remaining sessions")
		pubs.Shutdown()
		subs.Shutdown()
		o.drain(logger, pubs)
		o.drain(logger, subs)
	}

	logger.WithFields(log.Fields{
		"sent":      res.Counts.Sent,
		"received":  res.Counts.Received,
		"timed_out": res.TimedOut,
		"duration":  res.Duration,
	}).Info("scenario finished")
	return res, waitErr
}

func (o *Orchestrator) awaitReady(ctx context.Context, p *pool.Pool, deadline time.Time) error {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	return p.Ready(ctx)
}

// drain waits a bounded time for p's sessions to release their connections.
func (o *Orchestrator) drain(logger log.FieldLogger, p *pool.Pool) {
	select {
	case <-p.Done():
	case <-time.After(o.teardownGrace):
		logger.WithField("role", p.Role().String()).Warn("sessions still running after teardown grace period")
	}
}

// remaining converts a deadline into a barrier timeout. A passed deadline
// still yields a positive timeout so the barrier reports it as expired.
func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Nanosecond
}
