// Package config handles YAML scenario file parsing.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/data"
	"brokerstorm/internal/scenario"
	"brokerstorm/internal/session"
	"brokerstorm/internal/template"
	"brokerstorm/internal/transport"
)

const (
	DefaultTransport   = "memory"
	DefaultDialTimeout = 10 * time.Second
)

// Config is the root configuration structure.
type Config struct {
	Name         string                  `yaml:"name"`
	Broker       BrokerConfig            `yaml:"broker"`
	Destination  DestinationConfig       `yaml:"destination"`
	Publishers   PublisherConfig         `yaml:"publishers"`
	Subscribers  SubscriberConfig        `yaml:"subscribers"`
	Timeout      time.Duration           `yaml:"timeout"`
	Expectations *collector.Expectations `yaml:"expectations,omitempty"`

	// BaseDir resolves relative payload file paths. LoadConfig sets it to the
	// directory of the config file.
	BaseDir string `yaml:"-"`
}

// BrokerConfig describes how sessions reach the broker.
type BrokerConfig struct {
	Transport      string                    `yaml:"transport"`
	URL            string                    `yaml:"url"`
	Username       string                    `yaml:"username"`
	Password       string                    `yaml:"password"`
	ClientIDPrefix string                    `yaml:"client_id_prefix"`
	DialTimeout    time.Duration             `yaml:"dial_timeout"`
	TLS            transport.TLSOptions      `yaml:"tls"`
	Breaker        transport.BreakerSettings `yaml:"breaker"`
}

// DestinationConfig names the queue or topic under test.
type DestinationConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// PublisherConfig defines the publisher pool.
type PublisherConfig struct {
	Count         int                `yaml:"count"`
	Messages      int64              `yaml:"messages"`
	TotalMessages int64              `yaml:"total_messages"`
	Rate          float64            `yaml:"rate"`
	TotalRate     float64            `yaml:"total_rate"`
	Expiry        time.Duration      `yaml:"expiry"`
	Payload       data.PayloadConfig `yaml:"payload"`
	ReportEvery   int64              `yaml:"report_every"`
}

// SubscriberConfig defines the subscriber pool.
type SubscriberConfig struct {
	Count         int           `yaml:"count"`
	Messages      int64         `yaml:"messages"`
	TotalMessages int64         `yaml:"total_messages"`
	AckMode       string        `yaml:"ack_mode"`
	Prefetch      int           `yaml:"prefetch"`
	Group         string        `yaml:"group"`
	ReportEvery   int64         `yaml:"report_every"`
	Closing       ClosingConfig `yaml:"closing"`
	DedupeKey     string        `yaml:"dedupe_key"`
}

// ClosingConfig selects the subscribers that close themselves early.
type ClosingConfig struct {
	Count int   `yaml:"count"`
	After int64 `yaml:"after"`
}

// LoadConfig reads and parses a YAML configuration file. Unknown keys are
// rejected. ${env:VAR} placeholders in the broker url and credentials are
// expanded.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parsing config file")
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, err
	}
	cfg.BaseDir = filepath.Dir(path)
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) expandEnv() error {
	var result *multierror.Error
	fields := []struct {
		name  string
		value *string
	}{
		{"broker.url", &c.Broker.URL},
		{"broker.username", &c.Broker.Username},
		{"broker.password", &c.Broker.Password},
	}
	for _, f := range fields {
		out, err := template.Substitute(*f.value, nil)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, f.name))
			continue
		}
		*f.value = out
	}
	return result.ErrorOrNil()
}

// ApplyDefaults fills the fields a scenario file may leave out.
func (c *Config) ApplyDefaults() {
	if c.Broker.Transport == "" {
		c.Broker.Transport = DefaultTransport
	}
	if c.Broker.DialTimeout == 0 {
		c.Broker.DialTimeout = DefaultDialTimeout
	}
	if c.Destination.Kind == "" {
		c.Destination.Kind = string(transport.KindQueue)
	}
}

// Endpoint returns the connection parameters every session dials with. The
// client id is the prefix each pool extends per session.
func (c *Config) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		URL:         c.Broker.URL,
		Username:    c.Broker.Username,
		Password:    c.Broker.Password,
		ClientID:    c.Broker.ClientIDPrefix,
		DialTimeout: c.Broker.DialTimeout,
		TLS:         c.Broker.TLS,
	}
}

// Validate reports every problem in the file together, including those the
// scenario itself would reject.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Broker.DialTimeout < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "broker.dial_timeout", Value: c.Broker.DialTimeout, Message: "must be >= 0"})
	}
	if c.Broker.Breaker.Reset < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "broker.breaker.reset", Value: c.Broker.Breaker.Reset, Message: "must be >= 0"})
	}
	if c.Broker.TLS.CertFile != "" && c.Broker.TLS.KeyFile == "" {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "broker.tls.key_file", Value: `""`, Message: "is required with cert_file"})
	}
	if c.Publishers.Messages > 0 && c.Publishers.TotalMessages > 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "publishers.total_messages", Value: c.Publishers.TotalMessages, Message: "cannot be combined with messages"})
	}
	if e := c.Expectations; e != nil && (e.MinDeliveryRatio < 0 || e.MinDeliveryRatio > 1) {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "expectations.min_delivery_ratio", Value: e.MinDeliveryRatio, Message: "must be within [0, 1]"})
	}

	sc, err := c.Scenario()
	if err != nil {
		result = multierror.Append(result, err)
	} else if err := sc.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Scenario converts the file into a runnable scenario. It builds the payload
// generator, so a missing payload file is reported here.
func (c *Config) Scenario() (scenario.Scenario, error) {
	dest := transport.Destination{Name: c.Destination.Name, Kind: transport.Kind(c.Destination.Kind)}
	ep := c.Endpoint()

	sc := scenario.Scenario{
		Name:        c.Name,
		Destination: dest,
		Publisher: session.Config{
			Role:        core.RolePublish,
			Destination: dest,
			Endpoint:    ep,
			Target:      c.Publishers.Messages,
			ReportEvery: c.Publishers.ReportEvery,
			Expiry:      c.Publishers.Expiry,
			Rate:        c.Publishers.Rate,
		},
		Publishers: c.Publishers.Count,
		Subscriber: session.Config{
			Role:        core.RoleSubscribe,
			Destination: dest,
			Endpoint:    ep,
			Target:      c.Subscribers.Messages,
			AckMode:     transport.AckMode(c.Subscribers.AckMode),
			Prefetch:    c.Subscribers.Prefetch,
			Group:       c.Subscribers.Group,
			ReportEvery: c.Subscribers.ReportEvery,
		},
		Subscribers:     c.Subscribers.Count,
		Closing:         c.Subscribers.Closing.Count,
		CloseAfter:      c.Subscribers.Closing.After,
		Timeout:         c.Timeout,
		PublisherQuota:  c.Publishers.TotalMessages,
		SubscriberQuota: c.Subscribers.TotalMessages,
		PublisherRate:   c.Publishers.TotalRate,
		DedupeKey:       c.Subscribers.DedupeKey,
	}

	// A subscriber pool with only a quota never needs more than the quota per session.
	if sc.Subscriber.Target == 0 && sc.SubscriberQuota > 0 {
		sc.Subscriber.Target = sc.SubscriberQuota
	}

	if c.Publishers.Count > 0 {
		gen, err := data.NewGenerator(c.Publishers.Payload, c.BaseDir)
		if err != nil {
			return scenario.Scenario{}, errors.Wrap(err, "publishers")
		}
		sc.Payloads = gen
	}
	return sc, nil
}
