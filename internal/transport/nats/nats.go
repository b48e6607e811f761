// Package nats is the core NATS transport. Topic destinations are plain
// subjects; queue destinations use queue groups so competing subscribers
// split the stream. Core NATS delivers at most once: there is nothing to
// acknowledge and no per-message expiry.
package nats

import (
	"context"
	"sync"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"brokerstorm/internal/transport"
)

const (
	defaultBuffer       = 256
	defaultFlushTimeout = 10 * time.Second
)

// Dialer opens one NATS connection per session. The zero value is ready to use.
type Dialer struct{}

func (Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{closed: make(chan struct{}), flushTimeout: ep.DialTimeout}
	if c.flushTimeout <= 0 {
		c.flushTimeout = defaultFlushTimeout
	}
	opts, err := options(ep)
	if err != nil {
		return nil, err
	}
	opts = append(opts, natsio.ClosedHandler(c.onClosed))

	url := ep.URL
	if url == "" {
		url = natsio.DefaultURL
	}
	nc, err := natsio.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", url)
	}
	c.nc = nc
	return c, nil
}

func options(ep transport.Endpoint) ([]natsio.Option, error) {
	tlsCfg, err := ep.TLS.Config()
	if err != nil {
		return nil, err
	}
	opts := []natsio.Option{natsio.NoReconnect()}
	if ep.ClientID != "" {
		opts = append(opts, natsio.Name(ep.ClientID))
	}
	if ep.DialTimeout > 0 {
		opts = append(opts, natsio.Timeout(ep.DialTimeout))
	}
	if ep.Username != "" {
		opts = append(opts, natsio.UserInfo(ep.Username, ep.Password))
	}
	if tlsCfg != nil {
		opts = append(opts, natsio.Secure(tlsCfg))
	}
	return opts, nil
}

type conn struct {
	nc           *natsio.Conn
	flushTimeout time.Duration

	closedOnce sync.Once
	closed     chan struct{}
	closedErr  error
}

func (c *conn) onClosed(nc *natsio.Conn) {
	c.closedOnce.Do(func() {
		c.closedErr = nc.LastError()
		if c.closedErr == nil {
			c.closedErr = transport.ErrClosed
		}
		close(c.closed)
	})
}

func (c *conn) Publish(ctx context.Context, dest transport.Destination, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.nc.Publish(dest.Name, msg.Payload)
}

func (c *conn) Subscribe(ctx context.Context, dest transport.Destination, opts transport.SubscribeOptions) (transport.Subscription, error) {
	size := opts.Prefetch
	if size <= 0 {
		size = defaultBuffer
	}
	s := &subscription{
		conn: c,
		msgs: make(chan *natsio.Msg, size),
		done: make(chan struct{}),
	}

	var err error
	if dest.Kind == transport.KindTopic {
		s.sub, err = c.nc.Subscribe(dest.Name, s.handle)
	} else {
		s.sub, err = c.nc.QueueSubscribe(dest.Name, transport.GroupName(dest, opts), s.handle)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", dest)
	}
	// The handler blocks while the session is behind; keep the client-side
	// backlog unbounded so nothing is dropped as a slow consumer.
	if err := s.sub.SetPendingLimits(-1, -1); err != nil {
		_ = s.sub.Unsubscribe()
		return nil, errors.Wrap(err, "setting pending limits")
	}
	// Make sure the server knows about the subscription before publishers start.
	if err := c.flush(ctx); err != nil {
		_ = s.sub.Unsubscribe()
		return nil, errors.Wrap(err, "flushing subscription")
	}
	return s, nil
}

// flush waits for the server to process everything sent so far. The nats
// client refuses contexts without a deadline, so one is added when missing.
func (c *conn) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.flushTimeout)
		defer cancel()
	}
	return c.nc.FlushWithContext(ctx)
}

func (c *conn) Close() error {
	c.nc.Close()
	return nil
}

type subscription struct {
	conn *conn
	sub  *natsio.Subscription
	msgs chan *natsio.Msg

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) handle(m *natsio.Msg) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	select {
	case m := <-s.msgs:
		return delivery{m}, nil
	case <-s.done:
		return nil, transport.ErrClosed
	case <-s.conn.closed:
		return nil, s.conn.closedErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
		if errors.Is(err, natsio.ErrConnectionClosed) || errors.Is(err, natsio.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}

type delivery struct{ m *natsio.Msg }

func (d delivery) Payload() []byte { return d.m.Data }
func (d delivery) Ack() error      { return nil }
func (d delivery) Nack() error     { return nil }
