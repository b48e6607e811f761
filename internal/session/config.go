package session

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"brokerstorm/internal/core"
	"brokerstorm/internal/transport"
)

// Config is the template a session runs from. It is immutable once the session starts.
type Config struct {
	Role        core.Role
	Destination transport.Destination
	Endpoint    transport.Endpoint
	// Target is the number of messages to send, or to receive before the
	// session terminates itself.
	Target  int64
	AckMode transport.AckMode
	// Prefetch and Group apply to subscribers only.
	Prefetch int
	Group    string
	// ReportEvery logs a progress line every that many messages; zero disables it.
	ReportEvery int64
	// Expiry and Rate apply to publishers only. Rate is in messages per
	// second; zero means unlimited.
	Expiry time.Duration
	Rate   float64
}

// Validate reports every invalid field together. Each problem is a
// *core.ErrInvalidArgument.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.Role != core.RolePublish && c.Role != core.RoleSubscribe {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "role", Value: c.Role, Message: "must be publisher or subscriber"})
	}
	if c.Destination.Name == "" {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "destination.name", Value: `""`, Message: "is required"})
	}
	switch c.Destination.Kind {
	case "", transport.KindQueue, transport.KindTopic:
	default:
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "destination.kind", Value: c.Destination.Kind, Message: "must be queue or topic"})
	}
	if c.Target <= 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "messages", Value: c.Target, Message: "must be > 0"})
	}
	if _, err := transport.ParseAckMode(string(c.AckMode)); err != nil {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "ack_mode", Value: c.AckMode, Message: err.Error()})
	}
	if c.Prefetch < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "prefetch", Value: c.Prefetch, Message: "must be >= 0"})
	}
	if c.ReportEvery < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "report_every", Value: c.ReportEvery, Message: "must be >= 0"})
	}
	if c.Expiry < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "expiry", Value: c.Expiry, Message: "must be >= 0"})
	}
	if c.Rate < 0 {
		result = multierror.Append(result, &core.ErrInvalidArgument{Name: "rate", Value: c.Rate, Message: "must be >= 0"})
	}
	return result.ErrorOrNil()
}

func (c Config) subscribeOptions() transport.SubscribeOptions {
	mode, _ := transport.ParseAckMode(string(c.AckMode))
	return transport.SubscribeOptions{AckMode: mode, Prefetch: c.Prefetch, Group: c.Group}
}
