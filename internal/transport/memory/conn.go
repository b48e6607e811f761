package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"brokerstorm/internal/transport"
)

type conn struct {
	broker   *Broker
	clientID string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	err    error

	publishes atomic.Int64
	receives  atomic.Int64
}

func (c *conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return transport.ErrClosed
	}
	return nil
}

func (c *conn) Publish(ctx context.Context, dest transport.Destination, msg transport.Message) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n := c.publishes.Add(1)
	if err := c.broker.publishFaultFor(c.clientID, n); err != nil {
		return err
	}
	e := entry{id: msg.ID, payload: append([]byte(nil), msg.Payload...)}
	if msg.Expiry > 0 {
		e.expiresAt = c.broker.now().Add(msg.Expiry)
	}
	if dest.Kind == transport.KindTopic {
		c.broker.topicFor(dest.Name).publish(e)
	} else {
		c.broker.queueFor(dest.Name).push(e)
	}
	c.broker.published.Add(1)
	return nil
}

func (c *conn) Subscribe(ctx context.Context, dest transport.Destination, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{
		conn:    c,
		ackMode: opts.AckMode,
		unacked: make(map[uint64]entry),
		done:    make(chan struct{}),
	}
	if dest.Kind == transport.KindTopic {
		s.queue = newQueue()
		s.inbox = s.queue.attach()
		s.topic = c.broker.topicFor(dest.Name)
		s.topic.add(s)
	} else {
		s.queue = c.broker.queueFor(dest.Name)
		s.inbox = s.queue.attach()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.shutdown()
		return nil, c.check()
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *conn) Close() error {
	c.fail(nil)
	return nil
}

// fail closes the connection. A non-nil err is reported by every later operation.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	c.broker.forget(c)
}

func (c *conn) removeSub(s *subscription) {
	c.mu.Lock()
	if c.subs != nil {
		delete(c.subs, s)
	}
	c.mu.Unlock()
}

type subscription struct {
	conn    *conn
	queue   *queue
	inbox   *inbox
	topic   *topic
	ackMode transport.AckMode

	mu      sync.Mutex
	unacked map[uint64]entry
	nextTag uint64
	closed  bool
	done    chan struct{}
}

func (s *subscription) closedErr() error {
	if err := s.conn.check(); err != nil && err != transport.ErrClosed {
		return err
	}
	return transport.ErrClosed
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	b := s.conn.broker
	for {
		select {
		case <-s.done:
			return nil, s.closedErr()
		default:
		}

		e, ok, dropped, wait := s.queue.pop(s.inbox, b.now())
		if dropped > 0 {
			b.expired.Add(int64(dropped))
		}
		if ok {
			n := s.conn.receives.Add(1)
			if err := b.receiveFaultFor(s.conn.clientID, n); err != nil {
				s.queue.unpop(s.inbox, e)
				return nil, err
			}
			d := &delivery{sub: s, entry: e}
			if s.ackMode == transport.AckClient {
				s.mu.Lock()
				if s.closed {
					s.mu.Unlock()
					s.queue.unpop(s.inbox, e)
					return nil, s.closedErr()
				}
				s.nextTag++
				d.tag = s.nextTag
				s.unacked[d.tag] = e
				s.mu.Unlock()
			}
			b.delivered.Add(1)
			return d, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, s.closedErr()
		}
	}
}

func (s *subscription) Close() error {
	s.shutdown()
	s.conn.removeSub(s)
	return nil
}

// shutdown stops the subscription and hands unacknowledged queue deliveries,
// followed by the messages assigned to it but not yet received, back to the
// broker in delivery order.
func (s *subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tags := make([]uint64, 0, len(s.unacked))
	for tag := range s.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	pending := make([]entry, 0, len(tags))
	for _, tag := range tags {
		pending = append(pending, s.unacked[tag])
	}
	s.unacked = nil
	s.mu.Unlock()

	close(s.done)
	if s.topic != nil {
		s.topic.remove(s)
		return
	}
	s.queue.detach(s.inbox, pending)
}

// settle removes the delivery from the unacked set. found is false when the
// delivery was already settled; open is false when the subscription already
// closed, in which case the entry was requeued by shutdown.
func (s *subscription) settle(tag uint64) (e entry, found, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entry{}, false, false
	}
	e, found = s.unacked[tag]
	delete(s.unacked, tag)
	return e, found, true
}

type delivery struct {
	sub   *subscription
	entry entry
	tag   uint64
}

func (d *delivery) Payload() []byte { return d.entry.payload }

func (d *delivery) Ack() error {
	if d.sub.ackMode != transport.AckClient {
		return nil
	}
	if _, _, open := d.sub.settle(d.tag); !open {
		return d.sub.closedErr()
	}
	return nil
}

func (d *delivery) Nack() error {
	if d.sub.ackMode != transport.AckClient {
		return nil
	}
	e, found, open := d.sub.settle(d.tag)
	if !open {
		return d.sub.closedErr()
	}
	if found {
		d.sub.queue.requeue([]entry{e})
	}
	return nil
}
