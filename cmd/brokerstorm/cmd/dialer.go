package cmd

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"brokerstorm/internal/config"
	"brokerstorm/internal/core"
	"brokerstorm/internal/transport"
	"brokerstorm/internal/transport/amqp"
	"brokerstorm/internal/transport/memory"
	"brokerstorm/internal/transport/mqtt"
	"brokerstorm/internal/transport/nats"
	"brokerstorm/internal/transport/pulsar"
)

// transports lists the accepted broker.transport values.
var transports = []string{"memory", "amqp", "mqtt", "nats", "pulsar"}

// newDialer selects the transport named in cfg and wraps it in a dial
// circuit breaker when one is configured.
func newDialer(cfg *config.Config, logger *log.Logger) (transport.Dialer, error) {
	var d transport.Dialer
	switch cfg.Broker.Transport {
	case "memory":
		d = memory.NewBroker()
	case "amqp":
		d = amqp.Dialer{}
	case "mqtt":
		d = mqtt.Dialer{}
	case "nats":
		d = nats.Dialer{}
	case "pulsar":
		d = pulsar.Dialer{Logger: logger}
	default:
		return nil, &core.ErrInvalidArgument{
			Name:    "broker.transport",
			Value:   cfg.Broker.Transport,
			Message: "must be one of " + strings.Join(transports, ", "),
		}
	}
	if cfg.Broker.Breaker.Enabled() {
		d = transport.NewBreakerDialer(cfg.Broker.Transport, d, cfg.Broker.Breaker, logger)
	}
	return d, nil
}
