// Package transport defines the broker connection that sessions drive.
// Implementations live in sub-packages, one per wire protocol.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a closed connection or subscription.
var ErrClosed = errors.New("transport: closed")

// Kind is the destination semantics on the broker side.
type Kind string

const (
	// KindQueue delivers each message to one of the competing subscribers.
	KindQueue Kind = "queue"
	// KindTopic delivers each message to every subscriber.
	KindTopic Kind = "topic"
)

// AckMode controls when the broker considers a delivery consumed.
type AckMode string

const (
	// AckAuto consumes a message as soon as it is handed to the subscriber.
	AckAuto AckMode = "auto"
	// AckClient consumes a message only when the subscriber acknowledges it.
	AckClient AckMode = "client"
)

// ParseAckMode parses an ack mode; empty means AckAuto.
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AckAuto:
		return AckAuto, nil
	case AckClient:
		return AckClient, nil
	}
	return "", fmt.Errorf("unknown ack mode %q (use auto or client)", s)
}

// Destination is the broker-side queue or topic target of a session.
type Destination struct {
	Name string
	Kind Kind
}

func (d Destination) String() string {
	if d.Kind == "" {
		return string(KindQueue) + "://" + d.Name
	}
	return string(d.Kind) + "://" + d.Name
}

// TLSOptions are the file-based TLS parameters of an endpoint.
type TLSOptions struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Enabled reports whether any TLS option is set.
func (o TLSOptions) Enabled() bool {
	return o.CAFile != "" || o.CertFile != "" || o.InsecureSkipVerify
}

// Config builds a tls.Config from the files. It returns nil when TLS is not enabled.
func (o TLSOptions) Config() (*tls.Config, error) {
	if !o.Enabled() {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading CA file %s", o.CAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Endpoint is everything needed to open one broker connection.
type Endpoint struct {
	URL         string
	Username    string
	Password    string
	ClientID    string
	DialTimeout time.Duration
	TLS         TLSOptions
}

// Message is one outbound message.
type Message struct {
	ID      string
	Payload []byte
	// Expiry is the time-to-live the broker should apply; zero means never.
	Expiry time.Duration
}

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	AckMode AckMode
	// Prefetch bounds unacknowledged deliveries in flight; zero leaves the broker default.
	Prefetch int
	// Group names the competing-consumer group for queue destinations on
	// protocols that need one (MQTT shared subscriptions, NATS queue groups,
	// Pulsar subscriptions). Empty means the destination name.
	Group string
}

// Delivery is one inbound message.
type Delivery interface {
	Payload() []byte
	// Ack marks the delivery consumed. It is a no-op under AckAuto.
	Ack() error
	// Nack returns the delivery to the broker for redelivery. It is a no-op under AckAuto.
	Nack() error
}

// Subscription is an inbound message stream.
type Subscription interface {
	// Next blocks until a delivery arrives, ctx is done or the subscription fails.
	Next(ctx context.Context) (Delivery, error)
	// Close stops consumption. It is idempotent.
	Close() error
}

// Conn is an open broker connection.
type Conn interface {
	Publish(ctx context.Context, dest Destination, msg Message) error
	Subscribe(ctx context.Context, dest Destination, opts SubscribeOptions) (Subscription, error)
	// Close releases the connection and its subscriptions. It is idempotent.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep Endpoint) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// GroupName resolves the consumer group used for a queue subscription.
func GroupName(dest Destination, opts SubscribeOptions) string {
	if opts.Group != "" {
		return opts.Group
	}
	return dest.Name
}
