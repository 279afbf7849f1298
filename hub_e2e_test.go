package eventhub_test

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/eventhub"
	"github.com/agentstation/eventhub/internal/backoff"
	"github.com/agentstation/eventhub/internal/eventserver"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
	"github.com/agentstation/eventhub/pkg/logging"
	"github.com/agentstation/eventhub/pkg/transport"
)

func startServer(t *testing.T) (*eventserver.Server, string) {
	t.Helper()
	cfg := eventserver.DefaultConfig()
	cfg.APIUser = "jane"
	cfg.APIKey = "secret"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	srv := eventserver.New(cfg, logging.NewNopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DropConnections()
		ts.Close()
	})
	return srv, ts.URL
}

func connectHub(t *testing.T, serverURL string) *eventhub.Hub {
	t.Helper()
	h, err := eventhub.New(serverURL, "jane", "secret",
		eventhub.WithLogger(logging.NewNopLogger()),
		eventhub.WithTransportOptions(
			transport.WithHeartbeatTimeout(time.Second),
			transport.WithBackoff(backoff.Config{
				InitialDelay: 10 * time.Millisecond,
				MaxDelay:     50 * time.Millisecond,
				Multiplier:   2,
			}),
		),
	)
	require.NoError(t, err)
	h.Connect()
	t.Cleanup(h.Disconnect)
	require.Eventually(t, h.IsConnected, 3*time.Second, 10*time.Millisecond)
	return h
}

func TestEndToEndPublishSubscribe(t *testing.T) {
	srv, url := startServer(t)
	listener := connectHub(t, url)
	publisher := connectHub(t, url)

	received := make(chan *event.Event, 1)
	_, err := listener.Subscribe("topic=ftrack.update", func(_ context.Context, ev *event.Event) (any, error) {
		received <- ev
		return nil, nil
	})
	require.NoError(t, err)
	// Two reply subscriptions plus the update subscription.
	require.Eventually(t, func() bool { return srv.SubscriptionCount() == 3 }, 3*time.Second, 10*time.Millisecond)

	ev := event.New("ftrack.update", map[string]any{"entity": "task"})
	_, err = publisher.Publish(context.Background(), ev, eventhub.WithTimeout(2*time.Second))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "task", got.Data["entity"])
		require.NotNil(t, got.Source)
		assert.Equal(t, publisher.ID(), got.Source.ID)
		assert.Equal(t, constants.DefaultApplicationID, got.Source.ApplicationID)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEndToEndRequestReply(t *testing.T) {
	srv, url := startServer(t)
	responder := connectHub(t, url)
	requester := connectHub(t, url)

	_, err := responder.Subscribe("topic=compute.sum", func(_ context.Context, ev *event.Event) (any, error) {
		a, _ := ev.Data["a"].(float64)
		b, _ := ev.Data["b"].(float64)
		return map[string]any{"sum": a + b}, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.SubscriptionCount() == 3 }, 3*time.Second, 10*time.Millisecond)

	req := event.New("compute.sum", map[string]any{"a": 2, "b": 3})
	reply, err := requester.PublishAndWaitForReply(context.Background(), req, eventhub.WithTimeout(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, req.ID, reply.InReplyToEvent)
	assert.Equal(t, "id="+requester.ID(), reply.Target)
	assert.Equal(t, float64(5), reply.Data["sum"])
}

func TestEndToEndReplyTimeout(t *testing.T) {
	_, url := startServer(t)
	requester := connectHub(t, url)

	_, err := requester.PublishAndWaitForReply(context.Background(), event.New("nobody.listens", nil),
		eventhub.WithTimeout(100*time.Millisecond))
	assert.True(t, errors.IsReplyTimeout(err))
}

func TestEndToEndReconnectReannounces(t *testing.T) {
	srv, url := startServer(t)
	h := connectHub(t, url)

	var hits atomic.Int32
	subID, err := h.Subscribe("topic=after.reconnect", func(context.Context, *event.Event) (any, error) {
		hits.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.SubscriptionCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	srv.DropConnections()
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 && srv.SubscriptionCount() == 2 },
		3*time.Second, 10*time.Millisecond)

	announcements := 0
	for _, ev := range srv.EventsByTopic(constants.TopicSubscribe) {
		sub, _ := ev.Data["subscriber"].(map[string]any)
		if sub["id"] == subID {
			announcements++
		}
	}
	assert.Equal(t, 2, announcements, "announced once per connection")

	assert.Equal(t, 1, srv.Publish(event.New("after.reconnect", nil)))
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestEndToEndRenegotiatesForgottenSession(t *testing.T) {
	srv, url := startServer(t)
	h := connectHub(t, url)

	srv.ForgetSessions()
	srv.DropConnections()

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, h.IsConnected, 3*time.Second, 10*time.Millisecond)
}

func TestEndToEndRejectedCredentials(t *testing.T) {
	_, url := startServer(t)

	h, err := eventhub.New(url, "jane", "wrong", eventhub.WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	h.Connect()
	t.Cleanup(h.Disconnect)

	_, err = h.Publish(context.Background(), event.New("x", nil), eventhub.WithTimeout(100*time.Millisecond))
	assert.True(t, errors.IsConnectionTimeout(err))
	assert.False(t, h.IsConnected())
}
