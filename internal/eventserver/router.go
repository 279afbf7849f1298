package eventserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler with routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))

	r.Get("/socket.io/1/", s.handleHandshake)
	r.Get("/socket.io/1/websocket/{sid}", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.metrics.handshakes.WithLabelValues("rejected").Inc()
		s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Handshake rejected")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	sid, body := s.newSession()
	s.metrics.handshakes.WithLabelValues("accepted").Inc()
	s.logger.Debug().Str("session_id", sid).Msg("Session negotiated")

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if !s.hasSession(sid) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(s, sid, ws)
	s.addConn(c)
	go c.writePump()
	c.readPump()
}

type healthResponse struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Connections:   s.ConnectionCount(),
		Subscriptions: s.SubscriptionCount(),
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
	})
}
