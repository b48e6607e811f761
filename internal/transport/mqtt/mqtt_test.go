package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerstorm/internal/transport"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		name string
		dest transport.Destination
		opts transport.SubscribeOptions
		want string
	}{
		{"topic", transport.Destination{Name: "prices/eu", Kind: transport.KindTopic}, transport.SubscribeOptions{}, "prices/eu"},
		{"queue", transport.Destination{Name: "orders", Kind: transport.KindQueue}, transport.SubscribeOptions{}, "$share/orders/orders"},
		{"queue with group", transport.Destination{Name: "orders", Kind: transport.KindQueue}, transport.SubscribeOptions{Group: "perf"}, "$share/perf/orders"},
		{"unset kind", transport.Destination{Name: "orders"}, transport.SubscribeOptions{}, "$share/orders/orders"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, filter(tc.dest, tc.opts))
		})
	}
}

func TestClientOptions(t *testing.T) {
	opts, err := clientOptions(transport.Endpoint{
		ClientID:    "perf-1",
		Username:    "admin",
		Password:    "secret",
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.Equal(t, "perf-1", opts.ClientID)
	assert.Equal(t, "admin", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.AutoReconnect)
	assert.True(t, opts.AutoAckDisabled)

	_, err = clientOptions(transport.Endpoint{TLS: transport.TLSOptions{CAFile: "/nonexistent/ca.pem"}})
	assert.Error(t, err)
}

func TestDialUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := Dialer{}.Dial(ctx, transport.Endpoint{URL: "tcp://127.0.0.1:1", ClientID: "unreachable", DialTimeout: time.Second})
	assert.Error(t, err)
}
