// Package transport owns the single WebSocket connection to the event
// server. It negotiates a Socket.IO 0.9 session over HTTP, answers server
// heartbeats, reconnects with backoff and queues outbound frames while the
// socket is not open.
//
// Example usage:
//
//	c := transport.New("https://example.ftrackapp.com:443", user, key)
//	c.On("connect", func(json.RawMessage) { log.Println("connected") })
//	c.On("ftrack.event", func(payload json.RawMessage) { handle(payload) })
//	c.Connect()
//	defer c.Disconnect()
//
//	_ = c.Emit("ftrack.event", evt) // queued until the socket opens
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/agentstation/eventhub/internal/backoff"
	"github.com/agentstation/eventhub/internal/socketio"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/errors"
)

// Local pseudo-events fired by the client itself.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// State is the connection state.
type State int

// Connection states. A client moves Disconnected → Negotiating →
// Connecting → Open and back to Disconnected on any failure.
const (
	StateDisconnected State = iota
	StateNegotiating
	StateConnecting
	StateOpen
)

// String returns the lower case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Handler receives the first argument of an event packet. Local
// pseudo-events pass a nil payload.
type Handler func(payload json.RawMessage)

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type outbound struct {
	typ   socketio.Type
	key   string
	frame []byte
}

// Client is a reconnecting Socket.IO 0.9 client bound to one server and
// credential pair. All methods are safe for concurrent use.
type Client struct {
	serverURL string
	apiUser   string
	apiKey    string
	opts      *options
	logger    *zerolog.Logger
	metrics   *Metrics
	backoff   *backoff.State

	mu            sync.Mutex
	state         State
	stopped       bool
	gen           uint64
	connID        string
	conn          *websocket.Conn
	wake          chan struct{}
	closing       chan struct{}
	cancelAttempt context.CancelFunc
	sessionID     string
	queue         []outbound
	inflight      int
	handlers      map[string][]handlerEntry
	nextHandler   HandlerID
	heartbeat     *time.Timer
	reconnect     *time.Timer
}

// New creates a Client. Nothing touches the network until Connect.
func New(serverURL, apiUser, apiKey string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}

	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiUser:   apiUser,
		apiKey:    apiKey,
		opts:      o,
		logger:    o.logger,
		metrics:   o.metrics,
		backoff:   backoff.NewState(o.backoff, o.rng),
		handlers:  make(map[string][]handlerEntry),
	}
}

// ServerURL returns the server the client connects to.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// On registers fn for the named event. Handlers for one event run in
// registration order on the reader goroutine and must not block.
func (c *Client) On(name string, fn Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: id, fn: fn})
	return id
}

// Off removes the given handlers for name, or all of them when no id is given.
func (c *Client) Off(name string, ids ...HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ids) == 0 {
		delete(c.handlers, name)
		return
	}

	remove := make(map[HandlerID]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}
	kept := make([]handlerEntry, 0, len(c.handlers[name]))
	for _, h := range c.handlers[name] {
		if _, ok := remove[h.id]; !ok {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(c.handlers, name)
		return
	}
	c.handlers[name] = kept
}

// Emit sends an event packet with data as its only argument. It never
// blocks on the network: the frame is queued and written in FIFO order
// as soon as a socket is open. The only error is a data encoding failure.
func (c *Client) Emit(name string, data any) error {
	frame, err := socketio.EncodeEvent(name, data)
	if err != nil {
		return errors.WrapResource("encode", "event", name, err)
	}
	c.enqueue(outbound{typ: socketio.Event, frame: frame})
	return nil
}

// EmitKeyed is Emit for frames that supersede each other: a queued frame
// with the same key that has not been written yet is dropped first.
func (c *Client) EmitKeyed(name, key string, data any) error {
	frame, err := socketio.EncodeEvent(name, data)
	if err != nil {
		return errors.WrapResource("encode", "event", name, err)
	}
	c.enqueue(outbound{typ: socketio.Event, key: key, frame: frame})
	return nil
}

func (c *Client) enqueue(out outbound) {
	c.mu.Lock()
	if out.key != "" {
		c.queue = slices.DeleteFunc(c.queue, func(o outbound) bool { return o.key == out.key })
	}
	c.queue = append(c.queue, out)
	depth := len(c.queue)
	wake := c.wake
	c.mu.Unlock()

	c.metrics.queueDepth.Set(float64(depth))
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// QueueLen returns the number of frames waiting to be written.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Flush waits until every queued frame has been written or ctx is done.
// Frames queued while disconnected keep Flush waiting until a connection
// takes them.
func (c *Client) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		pending := len(c.queue) + c.inflight
		c.mu.Unlock()
		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the cached session id, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ForgetSession clears the cached session id so the next attempt renegotiates.
func (c *Client) ForgetSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Connect starts connecting in the background. It is a no-op while a
// connection is open, in progress or scheduled.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false
	if c.state != StateDisconnected || c.reconnect != nil {
		return
	}
	c.startAttemptLocked()
}

// Reconnect forces a fresh connection attempt now, closing the open socket
// if there is one. It is a no-op while negotiating or connecting.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.state == StateNegotiating || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}

	c.stopped = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn, fire := c.teardownLocked("reconnect")
	c.startAttemptLocked()
	c.mu.Unlock()

	c.afterTeardown(conn, fire)
}

// Disconnect closes the socket and stops reconnecting until Connect or
// Reconnect is called again. Queued frames are kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn, fire := c.teardownLocked("disconnect")
	c.mu.Unlock()

	c.afterTeardown(conn, fire)
	c.logger.Debug().Msg("Transport disconnected")
}

// startAttemptLocked begins a new generation: negotiate, dial, then serve.
func (c *Client) startAttemptLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel
	c.connID = ulid.Make().String()
	c.setStateLocked(StateNegotiating)

	go c.open(ctx, gen)
}

// teardownLocked invalidates the current generation and stops its timers.
// It returns the socket to close and the disconnect handlers to fire once
// the lock is released.
func (c *Client) teardownLocked(reason string) (*websocket.Conn, []handlerEntry) {
	c.gen++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.closing != nil {
		close(c.closing)
		c.closing = nil
	}
	c.wake = nil
	// Heartbeat replies belong to the socket that asked for them.
	c.queue = slices.DeleteFunc(c.queue, func(o outbound) bool { return o.typ == socketio.Heartbeat })

	wasOpen := c.state == StateOpen
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)

	if !wasOpen {
		return conn, nil
	}
	c.metrics.disconnects.WithLabelValues(reason).Inc()
	return conn, c.snapshotLocked(EventDisconnect)
}

func (c *Client) afterTeardown(conn *websocket.Conn, fire []handlerEntry) {
	if conn != nil {
		_ = conn.Close()
	}
	c.dispatch(EventDisconnect, nil, fire)
}

// fail ends generation gen after an error and schedules a reconnect.
func (c *Client) fail(gen uint64, reason string, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn, fire := c.teardownLocked(reason)
	if !c.stopped {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	ev := c.logger.Warn()
	if err == nil {
		ev = c.logger.Info()
	}
	ev.Err(err).Str("reason", reason).Msg("Transport connection lost")

	c.afterTeardown(conn, fire)
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnect != nil {
		return
	}
	attempt, delay := c.backoff.Next()
	c.metrics.reconnects.Inc()
	c.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling reconnect")

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.reconnect != t {
			return
		}
		c.reconnect = nil
		if c.stopped || c.state != StateDisconnected {
			return
		}
		c.startAttemptLocked()
	})
	c.reconnect = t
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().
		Str("conn_id", c.connID).
		Stringer("from", c.state).
		Stringer("to", s).
		Msg("Transport state changed")
	c.state = s
}

// open runs one connection attempt and, on success, becomes the reader.
func (c *Client) open(ctx context.Context, gen uint64) {
	sid, err := c.session(ctx)
	if err != nil {
		c.fail(gen, "negotiate", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, resp, err := c.opts.dialer.DialContext(ctx, c.websocketURL(sid), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The server no longer knows this session.
			c.ForgetSession()
		}
		c.fail(gen, "dial", errors.WrapResource("dial", "socket", c.serverURL, err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.wake = make(chan struct{}, 1)
	c.closing = make(chan struct{})
	wake, closing := c.wake, c.closing
	c.backoff.Reset()
	c.armHeartbeatLocked(gen)
	c.setStateLocked(StateOpen)
	connect := c.snapshotLocked(EventConnect)
	c.mu.Unlock()

	c.metrics.connects.Inc()
	c.logger.Info().Str("server", c.serverURL).Str("session_id", sid).Msg("Connected to event server")

	// Connect handlers may supersede keyed frames left over from the last
	// socket, so the writer starts after them.
	c.dispatch(EventConnect, nil, connect)
	go c.writeLoop(gen, conn, wake, closing)
	select {
	case wake <- struct{}{}:
	default:
	}
	c.readLoop(gen, conn)
}

// session returns the cached session id or negotiates a new one.
func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "" {
		return sid, nil
	}

	sid, err := c.negotiate(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	return sid, nil
}

// negotiate performs the HTTP handshake. The body is
// "<sid>:<heartbeat>:<close>:<transports>".
func (c *Client) negotiate(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.handshakeTimeout)
	defer cancel()

	endpoint := c.serverURL + constants.HandshakePath + "?" + c.query()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.NewSessionError(c.serverURL, 0, err.Error(), err)
	}
	req.Header.Set(constants.HeaderAPIUser, c.apiUser)
	req.Header.Set(constants.HeaderAPIKey, c.apiKey)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return "", errors.NewSessionError(c.serverURL, 0, err.Error(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", errors.NewSessionError(c.serverURL, resp.StatusCode, "read handshake body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.NewSessionError(c.serverURL, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	sid, _, _ := strings.Cut(strings.TrimSpace(string(body)), ":")
	if sid == "" {
		return "", errors.NewSessionError(c.serverURL, resp.StatusCode, "empty session id", nil)
	}
	c.logger.Debug().Str("session_id", sid).Msg("Negotiated session")
	return sid, nil
}

func (c *Client) query() string {
	return url.Values{
		"api_user": {c.apiUser},
		"api_key":  {c.apiKey},
	}.Encode()
}

// websocketURL maps http(s)://host to ws(s)://host/socket.io/1/websocket/<sid>.
func (c *Client) websocketURL(sid string) string {
	base := c.serverURL
	if strings.HasPrefix(base, "http") {
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	return base + constants.WebSocketPath + url.PathEscape(sid) + "?" + c.query()
}

func (c *Client) armHeartbeatLocked(gen uint64) {
	if c.opts.heartbeatTimeout <= 0 {
		return
	}
	c.heartbeat = time.AfterFunc(c.opts.heartbeatTimeout, func() {
		c.fail(gen, "heartbeat timeout", nil)
	})
}

func (c *Client) resetHeartbeat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.heartbeat != nil {
		c.heartbeat.Reset(c.opts.heartbeatTimeout)
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.fail(gen, "read", err)
			return
		}

		res := socketio.Parse(msg)
		if res.Dropped {
			c.metrics.packetsDropped.Inc()
			c.logger.Warn().
				Err(errors.NewParseError(res.Reason, string(msg), nil)).
				Msg("Dropping malformed packet")
			continue
		}
		c.metrics.received(res.Packet.Type)

		switch res.Packet.Type {
		case socketio.Heartbeat:
			c.resetHeartbeat(gen)
			if frame, err := socketio.Encode(socketio.HeartbeatPacket()); err == nil {
				c.enqueue(outbound{typ: socketio.Heartbeat, frame: frame})
			}
		case socketio.Event:
			p := res.Packet.Event
			c.mu.Lock()
			current := gen == c.gen
			handlers := c.snapshotLocked(p.Name)
			c.mu.Unlock()
			if !current {
				return
			}
			c.dispatch(p.Name, p.FirstArg(), handlers)
		case socketio.Error:
			c.fail(gen, "server error", errors.New("server sent error packet: "+res.Packet.Data))
			return
		case socketio.Disconnect:
			c.fail(gen, "server disconnect", nil)
			return
		default:
			c.logger.Trace().Stringer("type", res.Packet.Type).Msg("Ignoring packet")
		}
	}
}

// writeLoop drains the shared queue onto conn. A frame whose write fails
// goes back to the head of the queue for the next connection.
func (c *Client) writeLoop(gen uint64, conn *websocket.Conn, wake, closing <-chan struct{}) {
	for {
		select {
		case <-closing:
			return
		case <-wake:
		}

		for {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			if len(c.queue) == 0 {
				c.mu.Unlock()
				c.metrics.queueDepth.Set(0)
				break
			}
			out := c.queue[0]
			c.queue[0] = outbound{}
			c.queue = c.queue[1:]
			c.inflight++
			c.mu.Unlock()

			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, out.frame)

			c.mu.Lock()
			c.inflight--
			if err != nil && out.typ != socketio.Heartbeat && !c.supersededLocked(out.key) {
				c.queue = append([]outbound{out}, c.queue...)
			}
			c.mu.Unlock()

			if err != nil {
				c.fail(gen, "write", err)
				return
			}
			c.metrics.sent(out.typ)
		}
	}
}

// supersededLocked reports whether a newer frame with key is queued.
func (c *Client) supersededLocked(key string) bool {
	if key == "" {
		return false
	}
	return slices.ContainsFunc(c.queue, func(o outbound) bool { return o.key == key })
}

func (c *Client) snapshotLocked(name string) []handlerEntry {
	hs := c.handlers[name]
	if len(hs) == 0 {
		return nil
	}
	out := make([]handlerEntry, len(hs))
	copy(out, hs)
	return out
}

// dispatch calls handlers in order. A panicking handler is logged and
// does not stop the others or the reader.
func (c *Client) dispatch(name string, payload json.RawMessage, handlers []handlerEntry) {
	for _, h := range handlers {
		var pc panics.Catcher
		pc.Try(func() { h.fn(payload) })
		if r := pc.Recovered(); r != nil {
			c.logger.Error().
				Str("event", name).
				Interface("panic", r.Value).
				Bytes("stack", r.Stack).
				Msg("Event handler panicked")
		}
	}
}
