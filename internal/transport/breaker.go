package transport

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerSettings configure NewBreakerDialer.
type BreakerSettings struct {
	// Failures is the number of consecutive dial failures that opens the breaker.
	Failures uint32 `yaml:"failures"`
	// Reset is how long the breaker stays open before allowing a probe dial.
	Reset time.Duration `yaml:"reset"`
}

// Enabled reports whether the settings ask for a breaker.
func (s BreakerSettings) Enabled() bool {
	return s.Failures > 0
}

type breakerDialer struct {
	next Dialer
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerDialer wraps next so that once Failures consecutive dials fail,
// further dials fail fast with gobreaker.ErrOpenState until Reset has passed.
// With hundreds of sessions against a dead endpoint this turns hundreds of dial
// timeouts into one.
func NewBreakerDialer(name string, next Dialer, settings BreakerSettings, logger log.FieldLogger) Dialer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	failures := settings.Failures
	if failures == 0 {
		failures = 5
	}
	return &breakerDialer{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     settings.Reset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(log.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("dial circuit breaker state changed")
			},
		}),
	}
}

func (d *breakerDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	conn, err := d.cb.Execute(func() (interface{}, error) {
		return d.next.Dial(ctx, ep)
	})
	if err != nil {
		return nil, err
	}
	return conn.(Conn), nil
}
