// Package eventserver is a local implementation of the server side of the
// event protocol. It negotiates sessions, keeps connections alive with
// heartbeats and routes events between connected clients according to the
// subscriptions they announce. It backs the CLI serve command and the
// end-to-end tests of the event hub.
package eventserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub/internal/socketio"
	"github.com/agentstation/eventhub/pkg/constants"
	pkgerrors "github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
)

// Server holds the event server state.
type Server struct {
	cfg       Config
	logger    *zerolog.Logger
	upgrader  websocket.Upgrader
	registry  *prometheus.Registry
	metrics   *metrics
	startTime time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
	conns    map[*conn]struct{}
	events   []event.Event
}

// New creates a server. Nothing listens until Run or Handler is used.
func New(cfg Config, logger *zerolog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = constants.ServerHeartbeatInterval
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = constants.ServerCloseTimeout
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		registry:  reg,
		metrics:   newMetrics(reg),
		startTime: time.Now(),
		sessions:  make(map[string]time.Time),
		conns:     make(map[*conn]struct{}),
	}
}

// Registry returns the Prometheus registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Run listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", httpServer.Addr).Msg("Event server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return pkgerrors.WrapResource("listen", "server", httpServer.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	s.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return pkgerrors.WrapResource("shutdown", "server", httpServer.Addr, err)
	}
	return nil
}

// Shutdown closes every connection.
func (s *Server) Shutdown(_ context.Context) {
	n := s.DropConnections()
	s.logger.Info().Int("connections", n).Msg("Event server shut down")
}

// authorized reports whether the handshake carries the configured credentials.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIUser == "" {
		return true
	}
	q := r.URL.Query()
	user := firstNonEmpty(r.Header.Get(constants.HeaderAPIUser), q.Get("api_user"))
	key := firstNonEmpty(r.Header.Get(constants.HeaderAPIKey), q.Get("api_key"))
	return user == s.cfg.APIUser && key == s.cfg.APIKey
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// newSession allocates a session id and returns the handshake body.
func (s *Server) newSession() (string, string) {
	sid := ulid.Make().String()

	s.mu.Lock()
	s.sessions[sid] = time.Now()
	s.mu.Unlock()

	timeout := int(s.cfg.CloseTimeout.Seconds())
	return sid, fmt.Sprintf("%s:%d:%d:websocket", sid, timeout, timeout)
}

func (s *Server) hasSession(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sid]
	return ok
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()

	s.metrics.connections.Inc()
	s.logger.Info().Str("conn_id", c.id).Str("session_id", c.sid).Int("total_connections", n).Msg("Client connected")
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	dropped := len(c.subs)
	c.subs = nil
	n := len(s.conns)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.metrics.connections.Dec()
	s.metrics.subscriptions.Sub(float64(dropped))
	s.logger.Info().Str("conn_id", c.id).Int("total_connections", n).Msg("Client disconnected")
}

// handleFrame processes one frame read from c.
func (s *Server) handleFrame(c *conn, msg []byte) {
	res := socketio.Parse(msg)
	if res.Dropped {
		s.logger.Warn().
			Err(pkgerrors.NewParseError(res.Reason, string(msg), nil)).
			Str("conn_id", c.id).
			Msg("Dropping malformed packet")
		return
	}

	switch res.Packet.Type {
	case socketio.Heartbeat:
		c.logger.Trace().Msg("Heartbeat received")
	case socketio.Event:
		p := res.Packet.Event
		if p.Name != constants.EventName {
			c.logger.Debug().Str("name", p.Name).Msg("Ignoring unknown event name")
			return
		}
		var ev event.Event
		if err := json.Unmarshal(p.FirstArg(), &ev); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable event")
			return
		}
		s.route(c, &ev)
	case socketio.Disconnect:
		c.close()
	}
}

// route applies subscription bookkeeping or delivers ev. from is nil for
// server originated events.
func (s *Server) route(from *conn, ev *event.Event) int {
	s.record(ev)

	switch ev.Topic {
	case constants.TopicSubscribe:
		s.metrics.eventsRouted.WithLabelValues("subscribe").Inc()
		if from != nil {
			s.subscribe(from, ev)
		}
		return 0
	case constants.TopicUnsubscribe:
		s.metrics.eventsRouted.WithLabelValues("unsubscribe").Inc()
		if from != nil {
			s.unsubscribe(from, ev)
		}
		return 0
	}

	if ev.InReplyToEvent != "" {
		s.metrics.eventsRouted.WithLabelValues("reply").Inc()
	} else {
		s.metrics.eventsRouted.WithLabelValues("event").Inc()
	}
	return s.deliver(ev)
}

func subscriberID(ev *event.Event) string {
	sub, _ := ev.Data["subscriber"].(map[string]any)
	id, _ := sub["id"].(string)
	return id
}

func (s *Server) subscribe(c *conn, ev *event.Event) {
	id := subscriberID(ev)
	expr, _ := ev.Data["subscription"].(string)
	sub, err := event.ParseSubscription(expr)
	if err != nil || id == "" {
		c.logger.Warn().Err(err).Str("subscriber_id", id).Msg("Ignoring invalid subscription")
		return
	}

	s.mu.Lock()
	if c.subs == nil {
		// Connection already gone.
		s.mu.Unlock()
		return
	}
	_, existed := c.subs[id]
	c.subs[id] = sub
	s.mu.Unlock()

	if !existed {
		s.metrics.subscriptions.Inc()
	}
	c.logger.Debug().Str("subscriber_id", id).Str("topic", sub.Topic).Msg("Subscriber registered")
}

func (s *Server) unsubscribe(c *conn, ev *event.Event) {
	id := subscriberID(ev)

	s.mu.Lock()
	_, existed := c.subs[id]
	delete(c.subs, id)
	s.mu.Unlock()

	if existed {
		s.metrics.subscriptions.Dec()
		c.logger.Debug().Str("subscriber_id", id).Msg("Subscriber removed")
	}
}

// deliver writes ev to every connection with a matching subscription.
// A target of the form id=<x> restricts delivery to the connection that
// holds subscriber x.
func (s *Server) deliver(ev *event.Event) int {
	frame, err := socketio.EncodeEvent(constants.EventName, ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to encode event")
		return 0
	}
	targetID, targeted := strings.CutPrefix(ev.Target, "id=")

	s.mu.Lock()
	var recipients []*conn
	for c := range s.conns {
		if c.wants(ev.Topic, targetID, targeted) {
			recipients = append(recipients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range recipients {
		c.enqueue(frame)
	}
	s.metrics.deliveries.Add(float64(len(recipients)))
	s.logger.Debug().
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Int("recipients", len(recipients)).
		Msg("Event routed")
	return len(recipients)
}

func (s *Server) record(ev *event.Event) {
	if s.cfg.EventLogSize <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.cfg.EventLogSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, *ev.Clone())
}

// Publish delivers a server originated event and returns the number of
// connections it was written to.
func (s *Server) Publish(ev *event.Event) int {
	return s.route(nil, ev)
}

// DropConnections closes every open connection and returns how many were
// closed. Sessions stay valid so clients can reconnect with them.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return len(conns)
}

// ForgetSessions invalidates every negotiated session id.
func (s *Server) ForgetSessions() {
	s.mu.Lock()
	s.sessions = make(map[string]time.Time)
	s.mu.Unlock()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SubscriptionCount returns the number of subscriptions across connections.
func (s *Server) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		n += len(c.subs)
	}
	return n
}

// Events returns the observed event log, oldest first.
func (s *Server) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsByTopic returns the observed events with the given topic.
func (s *Server) EventsByTopic(topic string) []event.Event {
	var out []event.Event
	for _, ev := range s.Events() {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
