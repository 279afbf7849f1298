package transport

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub/internal/backoff"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/logging"
)

// options holds the Client configuration.
type options struct {
	heartbeatTimeout time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	backoff          backoff.Config
	rng              *rand.Rand
	httpClient       *http.Client
	dialer           *websocket.Dialer
	logger           *zerolog.Logger
	metrics          *Metrics
}

func defaultOptions() *options {
	return &options{
		heartbeatTimeout: constants.HeartbeatTimeout,
		handshakeTimeout: constants.HandshakeTimeout,
		writeTimeout:     constants.WriteTimeout,
		backoff:          backoff.DefaultConfig(),
		httpClient:       http.DefaultClient,
		dialer:           websocket.DefaultDialer,
		logger:           logging.Component("transport"),
	}
}

// Option configures a Client.
type Option func(*options)

// WithHeartbeatTimeout sets how long an open socket may go without a server
// heartbeat before it is considered dead. Zero disables the deadline.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(o *options) {
		o.heartbeatTimeout = d
	}
}

// WithHandshakeTimeout bounds the session negotiation request.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithBackoff sets the reconnection delay schedule.
func WithBackoff(cfg backoff.Config) Option {
	return func(o *options) {
		o.backoff = cfg
	}
}

// WithRand sets the jitter source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

// WithHTTPClient sets the client used for session negotiation.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
