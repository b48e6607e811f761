// Package memory is an in-process broker implementing transport.Dialer.
//
// Queues deliver each message to one competing subscriber; client-acknowledged
// deliveries that are still unacknowledged when their subscription closes go
// back to the head of the queue. Topics copy each message to every
// subscription that exists at publish time. Fault hooks let tests turn any
// publish, receive or dial into a transport failure.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"brokerstorm/internal/transport"
)

// ErrConnectionLost is returned by every operation on a killed connection.
var ErrConnectionLost = errors.New("memory: connection lost")

// FaultFunc decides whether the n-th operation (1-based) of a connection fails.
// Returning nil lets the operation proceed.
type FaultFunc func(clientID string, n int64) error

// Broker is an in-process message broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	topics map[string]*topic
	conns  map[*conn]struct{}

	faultMu      sync.RWMutex
	publishFault FaultFunc
	receiveFault FaultFunc
	dialFault    func(ep transport.Endpoint) error

	now       func() time.Time
	published atomic.Int64
	delivered atomic.Int64
	expired   atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		topics: make(map[string]*topic),
		conns:  make(map[*conn]struct{}),
		now:    time.Now,
	}
}

// InjectPublishFault installs f as the publish fault hook; nil removes it.
func (b *Broker) InjectPublishFault(f FaultFunc) {
	b.faultMu.Lock()
	b.publishFault = f
	b.faultMu.Unlock()
}

// InjectReceiveFault installs f as the receive fault hook; nil removes it.
func (b *Broker) InjectReceiveFault(f FaultFunc) {
	b.faultMu.Lock()
	b.receiveFault = f
	b.faultMu.Unlock()
}

// InjectDialFault installs f as the dial fault hook; nil removes it.
func (b *Broker) InjectDialFault(f func(ep transport.Endpoint) error) {
	b.faultMu.Lock()
	b.dialFault = f
	b.faultMu.Unlock()
}

// Published returns the number of messages accepted by the broker.
func (b *Broker) Published() int64 { return b.published.Load() }

// Delivered returns the number of deliveries handed to subscribers, redeliveries included.
func (b *Broker) Delivered() int64 { return b.delivered.Load() }

// Expired returns the number of messages dropped because their expiry passed.
func (b *Broker) Expired() int64 { return b.expired.Load() }

// Depth returns the number of messages waiting in the named queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Clients returns the client ids of the open connections.
func (b *Broker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.conns))
	for c := range b.conns {
		ids = append(ids, c.clientID)
	}
	return ids
}

// Kill drops every connection opened with clientID, as a network failure would.
// It returns the number of connections dropped.
func (b *Broker) Kill(clientID string) int {
	b.mu.Lock()
	var victims []*conn
	for c := range b.conns {
		if c.clientID == clientID {
			victims = append(victims, c)
		}
	}
	b.mu.Unlock()
	for _, c := range victims {
		c.fail(ErrConnectionLost)
	}
	return len(victims)
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.faultMu.RLock()
	fault := b.dialFault
	b.faultMu.RUnlock()
	if fault != nil {
		if err := fault(ep); err != nil {
			return nil, err
		}
	}
	c := &conn{
		broker:   b,
		clientID: ep.ClientID,
		subs:     make(map[*subscription]struct{}),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

func (b *Broker) queueFor(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) forget(c *conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (b *Broker) publishFaultFor(clientID string, n int64) error {
	b.faultMu.RLock()
	f := b.publishFault
	b.faultMu.RUnlock()
	if f == nil {
		return nil
	}
	return f(clientID, n)
}

func (b *Broker) receiveFaultFor(clientID string, n int64) error {
	b.faultMu.RLock()
	f := b.receiveFault
	b.faultMu.RUnlock()
	if f == nil {
		return nil
	}
	return f(clientID, n)
}

type entry struct {
	id        string
	payload   []byte
	expiresAt time.Time
}

type topic struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func (t *topic) add(s *subscription) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (t *topic) remove(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func (t *topic) publish(e entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		s.queue.push(e)
	}
}
