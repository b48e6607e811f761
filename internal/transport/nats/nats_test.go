package nats

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	natsio "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerstorm/internal/transport"
)

func TestOptions(t *testing.T) {
	opts, err := options(transport.Endpoint{
		ClientID:    "perf-1",
		Username:    "admin",
		Password:    "secret",
		DialTimeout: 3 * time.Second,
		TLS:         transport.TLSOptions{InsecureSkipVerify: true},
	})
	require.NoError(t, err)

	o := natsio.GetDefaultOptions()
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	assert.Equal(t, "perf-1", o.Name)
	assert.Equal(t, "admin", o.User)
	assert.Equal(t, "secret", o.Password)
	assert.Equal(t, 3*time.Second, o.Timeout)
	assert.False(t, o.AllowReconnect)
	assert.True(t, o.Secure)
	require.NotNil(t, o.TLSConfig)
	assert.True(t, o.TLSConfig.InsecureSkipVerify)
}

func dial(t *testing.T, url, id string) transport.Conn {
	t.Helper()
	c, err := Dialer{}.Dial(context.Background(), transport.Endpoint{URL: url, ClientID: id, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive(t *testing.T, sub transport.Subscription, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	for i := 0; i < n; i++ {
		d, err := sub.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Ack())
		got = append(got, string(d.Payload()))
	}
	return got
}

func TestQueueGroupSplitsMessages(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	dest := transport.Destination{Name: "orders", Kind: transport.KindQueue}
	a, err := dial(t, srv.ClientURL(), "sub-a").Subscribe(context.Background(), dest, transport.SubscribeOptions{})
	require.NoError(t, err)
	b, err := dial(t, srv.ClientURL(), "sub-b").Subscribe(context.Background(), dest, transport.SubscribeOptions{})
	require.NoError(t, err)

	pub := dial(t, srv.ClientURL(), "pub")
	for i := 0; i < 100; i++ {
		require.NoError(t, pub.Publish(context.Background(), dest, transport.Message{Payload: []byte("m")}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	total := 0
	for total < 100 {
		select {
		case <-a.(*subscription).msgs:
		case <-b.(*subscription).msgs:
		case <-ctx.Done():
			t.Fatalf("received %d of 100", total)
		}
		total++
	}
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "close is idempotent")
	assert.NoError(t, b.Close())
}

func TestTopicFansOut(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	dest := transport.Destination{Name: "prices", Kind: transport.KindTopic}
	a, err := dial(t, srv.ClientURL(), "sub-a").Subscribe(context.Background(), dest, transport.SubscribeOptions{})
	require.NoError(t, err)
	b, err := dial(t, srv.ClientURL(), "sub-b").Subscribe(context.Background(), dest, transport.SubscribeOptions{Prefetch: 4})
	require.NoError(t, err)

	pub := dial(t, srv.ClientURL(), "pub")
	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Publish(context.Background(), dest, transport.Message{Payload: []byte(p)}))
	}
	assert.Equal(t, []string{"1", "2", "3"}, receive(t, a, 3))
	assert.Equal(t, []string{"1", "2", "3"}, receive(t, b, 3))
}

func TestSubscribeWithoutDeadline(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	// Sessions run under a cancel-only context; subscribing must not need a deadline.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := Dialer{}.Dial(ctx, transport.Endpoint{URL: srv.ClientURL(), ClientID: "sub"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, defaultFlushTimeout, c.(*conn).flushTimeout)

	dest := transport.Destination{Name: "orders", Kind: transport.KindQueue}
	sub, err := c.Subscribe(ctx, dest, transport.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, dial(t, srv.ClientURL(), "pub").Publish(ctx, dest, transport.Message{Payload: []byte("hello")}))
	assert.Equal(t, []string{"hello"}, receive(t, sub, 1))
}

func TestNextAfterCloseAndServerLoss(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()

	c := dial(t, srv.ClientURL(), "sub")
	sub, err := c.Subscribe(context.Background(), transport.Destination{Name: "q"}, transport.SubscribeOptions{})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)

	sub, err = c.Subscribe(context.Background(), transport.Destination{Name: "q"}, transport.SubscribeOptions{})
	require.NoError(t, err)
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "a lost server ends the subscription")
}
