package eventserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/eventhub/internal/socketio"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/event"
	"github.com/agentstation/eventhub/pkg/logging"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	for _, m := range mutate {
		m(&cfg)
	}
	srv := New(cfg, logging.NewNopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DropConnections()
		ts.Close()
	})
	return srv, ts
}

func handshake(t *testing.T, ts *httptest.Server, query string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/socket.io/1/?" + query)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// dial negotiates a session and opens a socket, consuming the connect packet.
func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	resp, body := handshake(t, ts, "api_user=u&api_key=k")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid, _, _ := strings.Cut(body, ":")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/1/websocket/" + sid
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	assert.Equal(t, "1::", readFrame(t, ws))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

// readEvent reads frames until an event packet arrives and decodes it.
func readEvent(t *testing.T, ws *websocket.Conn) event.Event {
	t.Helper()
	for {
		res := socketio.Parse([]byte(readFrame(t, ws)))
		require.True(t, res.OK(), res.Reason)
		if res.Packet.Type != socketio.Event {
			continue
		}
		var ev event.Event
		require.NoError(t, json.Unmarshal(res.Packet.Event.FirstArg(), &ev))
		return ev
	}
}

// expectSilence asserts nothing but heartbeats arrives within d.
func expectSilence(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		require.Equal(t, "2::", string(msg), "unexpected frame")
	}
}

func send(t *testing.T, ws *websocket.Conn, ev *event.Event) {
	t.Helper()
	frame, err := socketio.EncodeEvent(constants.EventName, ev)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func subscribe(t *testing.T, srv *Server, ws *websocket.Conn, id, expr string) {
	t.Helper()
	before := srv.SubscriptionCount()
	send(t, ws, event.New(constants.TopicSubscribe, map[string]any{
		"subscriber":   map[string]any{"id": id},
		"subscription": expr,
	}))
	require.Eventually(t, func() bool { return srv.SubscriptionCount() > before }, 2*time.Second, 5*time.Millisecond)
}

func TestHandshake(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.CloseTimeout = 25 * time.Second })

	resp, body := handshake(t, ts, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	parts := strings.Split(body, ":")
	require.Len(t, parts, 4)
	assert.NotEmpty(t, parts[0])
	assert.Equal(t, "25", parts[1])
	assert.Equal(t, "25", parts[2])
	assert.Equal(t, "websocket", parts[3])

	_, other := handshake(t, ts, "")
	assert.NotEqual(t, body, other, "each handshake gets a fresh session")
}

func TestHandshakeCredentials(t *testing.T) {
	srv, ts := newTestServer(t, func(c *Config) {
		c.APIUser = "jane"
		c.APIKey = "secret"
	})

	resp, _ := handshake(t, ts, "api_user=jane&api_key=wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = handshake(t, ts, "api_user=jane&api_key=secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/socket.io/1/", nil)
	require.NoError(t, err)
	req.Header.Set(constants.HeaderAPIUser, "jane")
	req.Header.Set(constants.HeaderAPIKey, "secret")
	hresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = hresp.Body.Close()
	assert.Equal(t, http.StatusOK, hresp.StatusCode)

	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.handshakes.WithLabelValues("rejected")))
	assert.Equal(t, float64(2), testutil.ToFloat64(srv.metrics.handshakes.WithLabelValues("accepted")))
}

func TestWebSocketUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/1/websocket/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeats(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.HeartbeatInterval = 20 * time.Millisecond })

	ws := dial(t, ts)
	assert.Equal(t, "2::", readFrame(t, ws))
	assert.Equal(t, "2::", readFrame(t, ws))
}

func TestRoutesBySubscription(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	b := dial(t, ts)
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	subscribe(t, srv, a, "sub-a", "topic=ftrack.update")

	ev := event.New("ftrack.update", map[string]any{"n": 1})
	send(t, b, ev)

	got := readEvent(t, a)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, float64(1), got.Data["n"])
	expectSilence(t, b, 100*time.Millisecond)

	send(t, b, event.New("ftrack.other", nil))
	expectSilence(t, a, 100*time.Millisecond)
}

func TestRoutesTargetedReplies(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	c := dial(t, ts)
	subscribe(t, srv, a, "hub-a", "topic="+constants.TopicReply)
	subscribe(t, srv, c, "hub-c", "topic="+constants.TopicReply)

	reply := event.New(constants.TopicReply, map[string]any{"ok": true},
		event.WithTarget("id=hub-a"),
		event.WithInReplyTo("question"),
	)
	send(t, c, reply)

	got := readEvent(t, a)
	assert.Equal(t, reply.ID, got.ID)
	assert.Equal(t, "question", got.InReplyToEvent)
	expectSilence(t, c, 100*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	subscribe(t, srv, a, "sub-a", "topic=x")
	assert.Equal(t, 1, srv.SubscriptionCount())

	send(t, a, event.New(constants.TopicUnsubscribe, map[string]any{
		"subscriber": map[string]any{"id": "sub-a"},
	}))
	require.Eventually(t, func() bool { return srv.SubscriptionCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, srv.Publish(event.New("x", nil)))
}

func TestServerPublish(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	subscribe(t, srv, a, "sub-a", "topic=announce")

	ev := event.New("announce", map[string]any{"msg": "hello"})
	assert.Equal(t, 1, srv.Publish(ev))
	assert.Equal(t, ev.ID, readEvent(t, a).ID)

	assert.Len(t, srv.EventsByTopic("announce"), 1)
	assert.Len(t, srv.EventsByTopic(constants.TopicSubscribe), 1)
}

func TestMalformedFramesKeepConnection(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("5:::{broken")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("banana")))
	subscribe(t, srv, a, "sub-a", "topic=x")

	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestInvalidSubscriptionIgnored(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	send(t, a, event.New(constants.TopicSubscribe, map[string]any{
		"subscriber":   map[string]any{"id": "bad"},
		"subscription": "not an expression",
	}))
	subscribe(t, srv, a, "good", "topic=x")
	assert.Equal(t, 1, srv.SubscriptionCount())
}

func TestDropConnections(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	subscribe(t, srv, a, "sub-a", "topic=x")

	assert.Equal(t, 1, srv.DropConnections())
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.SubscriptionCount())

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

func TestClientDisconnectPacket(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dial(t, ts)
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("0::")))
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, ts := newTestServer(t)
	a := dial(t, ts)
	subscribe(t, srv, a, "sub-a", "topic=x")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Connections)
	assert.Equal(t, 1, health.Subscriptions)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = mresp.Body.Close() }()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eventhub_server_connections 1")
	assert.Contains(t, string(body), "eventhub_server_subscriptions 1")
}

func TestMetricsDisabled(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.MetricsEnabled = false })

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventLogBounded(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.EventLogSize = 2 })

	for i := 0; i < 5; i++ {
		srv.Publish(event.New("x", map[string]any{"i": i}))
	}
	evs := srv.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, 3, evs[0].Data["i"])
	assert.Equal(t, 4, evs[1].Data["i"])
}
