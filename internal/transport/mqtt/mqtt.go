// Package mqtt is the MQTT 3.1.1 transport. Topic destinations are plain MQTT
// topics; queue destinations use $share/<group>/<topic> shared subscriptions
// so competing subscribers split the stream.
package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"brokerstorm/internal/transport"
)

const (
	DefaultURL = "tcp://localhost:1883"

	qos            byte = 1
	sharePrefix         = "$share/"
	quiesceMillis       = 250
	unsubscribeWait     = 5 * time.Second
	defaultBuffer       = 256
)

// Dialer opens one MQTT client per session. The zero value is ready to use.
type Dialer struct{}

func (Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	c := &conn{lost: make(chan struct{})}
	opts, err := clientOptions(ep)
	if err != nil {
		return nil, err
	}
	opts.SetConnectionLostHandler(c.connectionLost)

	c.client = paho.NewClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, errors.Wrap(err, "connecting")
	}
	return c, nil
}

func clientOptions(ep transport.Endpoint) (*paho.ClientOptions, error) {
	tlsCfg, err := ep.TLS.Config()
	if err != nil {
		return nil, err
	}
	url := ep.URL
	if url == "" {
		url = DefaultURL
	}
	opts := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(ep.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		// Acks are sent by the subscription so client-ack sessions control them.
		SetAutoAckDisabled(true)
	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}
	if ep.DialTimeout > 0 {
		opts.SetConnectTimeout(ep.DialTimeout)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// filter returns the subscription filter for dest.
func filter(dest transport.Destination, opts transport.SubscribeOptions) string {
	if dest.Kind == transport.KindTopic {
		return dest.Name
	}
	return sharePrefix + transport.GroupName(dest, opts) + "/" + dest.Name
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type conn struct {
	client paho.Client

	lostOnce sync.Once
	lost     chan struct{}
	lostErr  error

	closeOnce sync.Once
}

func (c *conn) connectionLost(_ paho.Client, err error) {
	c.lostOnce.Do(func() {
		if err == nil {
			err = errors.New("mqtt: connection lost")
		}
		c.lostErr = err
		close(c.lost)
	})
}

// Publish sends at QoS 1 and waits for the broker's PUBACK. MQTT 3.1.1 has no
// message expiry, so msg.Expiry is not sent.
func (c *conn) Publish(ctx context.Context, dest transport.Destination, msg transport.Message) error {
	return wait(ctx, c.client.Publish(dest.Name, qos, false, msg.Payload))
}

func (c *conn) Subscribe(ctx context.Context, dest transport.Destination, opts transport.SubscribeOptions) (transport.Subscription, error) {
	size := opts.Prefetch
	if size <= 0 {
		size = defaultBuffer
	}
	s := &subscription{
		conn:   c,
		filter: filter(dest, opts),
		auto:   opts.AckMode != transport.AckClient,
		msgs:   make(chan paho.Message, size),
		done:   make(chan struct{}),
	}
	if err := wait(ctx, c.client.Subscribe(s.filter, qos, s.handle)); err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", s.filter)
	}
	return s, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.client.Disconnect(quiesceMillis)
	})
	return nil
}

type subscription struct {
	conn   *conn
	filter string
	auto   bool
	msgs   chan paho.Message

	closeOnce sync.Once
	done      chan struct{}
}

// handle runs on the client's router; blocking here applies backpressure.
func (s *subscription) handle(_ paho.Client, m paho.Message) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	select {
	case m := <-s.msgs:
		if s.auto {
			m.Ack()
		}
		return &delivery{m: m, auto: s.auto}, nil
	case <-s.done:
		return nil, transport.ErrClosed
	case <-s.conn.lost:
		return nil, s.conn.lostErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.conn.client.IsConnectionOpen() {
			return
		}
		tok := s.conn.client.Unsubscribe(s.filter)
		if tok.WaitTimeout(unsubscribeWait) {
			err = tok.Error()
		}
	})
	return err
}

type delivery struct {
	m    paho.Message
	auto bool
}

func (d *delivery) Payload() []byte { return d.m.Payload() }

func (d *delivery) Ack() error {
	if !d.auto {
		d.m.Ack()
	}
	return nil
}

// Nack leaves the message unacknowledged. MQTT has no negative acknowledgement;
// the broker redelivers unacknowledged messages only to a resumed session.
func (d *delivery) Nack() error { return nil }
