package eventserver

import (
	"time"

	"github.com/agentstation/eventhub/pkg/constants"
)

// Config holds event server configuration.
type Config struct {
	// Listen settings
	Host string
	Port int

	// Credentials. When APIUser is empty every handshake is accepted.
	APIUser string
	APIKey  string

	// Protocol timing
	HeartbeatInterval time.Duration
	CloseTimeout      time.Duration

	// HTTP timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Features
	MetricsEnabled bool
	// EventLogSize bounds the observed event log; zero disables it.
	EventLogSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              8080,
		HeartbeatInterval: constants.ServerHeartbeatInterval,
		CloseTimeout:      constants.ServerCloseTimeout,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MetricsEnabled:    true,
		EventLogSize:      1000,
	}
}
