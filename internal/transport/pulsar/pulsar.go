// Package pulsar is the Apache Pulsar transport. Queue destinations share one
// Shared subscription per group; topic destinations give every subscriber its
// own Exclusive subscription.
package pulsar

import (
	"context"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"brokerstorm/internal/transport"
)

const (
	DefaultURL = "pulsar://localhost:6650"

	propertyMessageID = "brokerstorm-id"
)

// Dialer opens one Pulsar client per session. Logger receives the client
// library's own logging; nil uses the standard logger.
type Dialer struct {
	Logger *log.Logger
}

func (d Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := clientOptions(ep)
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts.Logger = pulsarlog.NewLoggerWithLogrus(logger)

	client, err := pulsar.NewClient(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &conn{
		client:    client,
		clientID:  ep.ClientID,
		producers: make(map[string]pulsar.Producer),
	}, nil
}

// clientOptions maps an endpoint onto the client. The password, when set, is
// a JWT token; a client certificate authenticates over TLS instead.
func clientOptions(ep transport.Endpoint) pulsar.ClientOptions {
	url := ep.URL
	if url == "" {
		url = DefaultURL
	}
	opts := pulsar.ClientOptions{
		URL:                        url,
		ConnectionTimeout:          ep.DialTimeout,
		TLSTrustCertsFilePath:      ep.TLS.CAFile,
		TLSAllowInsecureConnection: ep.TLS.InsecureSkipVerify,
	}
	switch {
	case ep.Password != "":
		opts.Authentication = pulsar.NewAuthenticationToken(ep.Password)
	case ep.TLS.CertFile != "":
		opts.Authentication = pulsar.NewAuthenticationTLS(ep.TLS.CertFile, ep.TLS.KeyFile)
	}
	return opts
}

// consumerOptions picks the subscription for dest. Every topic subscriber
// needs a subscription of its own, so it is named after the client.
func consumerOptions(dest transport.Destination, opts transport.SubscribeOptions, clientID string) pulsar.ConsumerOptions {
	co := pulsar.ConsumerOptions{
		Topic:             dest.Name,
		ReceiverQueueSize: opts.Prefetch,
	}
	if dest.Kind == transport.KindTopic {
		name := clientID
		if name == "" {
			name = uuid.NewString()
		}
		co.SubscriptionName = name
		co.Type = pulsar.Exclusive
	} else {
		co.SubscriptionName = transport.GroupName(dest, opts)
		co.Type = pulsar.Shared
	}
	return co
}

type conn struct {
	client   pulsar.Client
	clientID string

	mu        sync.Mutex
	producers map[string]pulsar.Producer
	consumers []pulsar.Consumer
	closed    bool
}

func (c *conn) producer(topic string) (pulsar.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if p, ok := c.producers[topic]; ok {
		return p, nil
	}
	p, err := c.client.CreateProducer(pulsar.ProducerOptions{Topic: topic, Name: c.clientID})
	if err != nil {
		return nil, errors.Wrapf(err, "creating producer for %s", topic)
	}
	c.producers[topic] = p
	return p, nil
}

// Publish waits for the broker receipt. Pulsar applies expiry per namespace,
// not per message, so msg.Expiry is not sent.
func (c *conn) Publish(ctx context.Context, dest transport.Destination, msg transport.Message) error {
	p, err := c.producer(dest.Name)
	if err != nil {
		return err
	}
	_, err = p.Send(ctx, &pulsar.ProducerMessage{
		Payload:    msg.Payload,
		Properties: map[string]string{propertyMessageID: msg.ID},
	})
	return err
}

func (c *conn) Subscribe(ctx context.Context, dest transport.Destination, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	consumer, err := c.client.Subscribe(consumerOptions(dest, opts, c.clientID))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", dest)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		consumer.Close()
		return nil, transport.ErrClosed
	}
	c.consumers = append(c.consumers, consumer)
	c.mu.Unlock()
	return &subscription{consumer: consumer, auto: opts.AckMode != transport.AckClient}, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	producers := c.producers
	consumers := c.consumers
	c.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, cons := range consumers {
		cons.Close()
	}
	c.client.Close()
	return nil
}

type subscription struct {
	consumer pulsar.Consumer
	auto     bool

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, transport.ErrClosed
	}
	msg, err := s.consumer.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if s.auto {
		s.consumer.Ack(msg)
	}
	return &delivery{consumer: s.consumer, msg: msg, auto: s.auto}, nil
}

// Close unsubscribes the consumer without deleting its subscription, so
// unacknowledged messages of a shared subscription go to the other consumers.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.consumer.Close()
	})
	return nil
}

type delivery struct {
	consumer pulsar.Consumer
	msg      pulsar.Message
	auto     bool
}

func (d *delivery) Payload() []byte { return d.msg.Payload() }

func (d *delivery) Ack() error {
	if !d.auto {
		d.consumer.Ack(d.msg)
	}
	return nil
}

func (d *delivery) Nack() error {
	if !d.auto {
		d.consumer.Nack(d.msg)
	}
	return nil
}
