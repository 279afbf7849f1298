// Package app provides the application context and dependency management
// for the eventhub CLI. It centralizes configuration, logging and the
// lifecycle of the shared event hub.
package app

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub"
	"github.com/agentstation/eventhub/cmd/application"
	"github.com/agentstation/eventhub/internal/backoff"
	"github.com/agentstation/eventhub/internal/cmd/output"
	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/transport"
)

var _ application.Application = (*App)(nil)

// App represents the eventhub application with all its dependencies.
type App struct {
	// Version information
	version string
	commit  string
	date    string
	builtBy string

	config *Config
	logger *zerolog.Logger
	out    io.Writer

	// Hub instance (lazy-initialized, singleton)
	mu  sync.Mutex
	hub *eventhub.Hub
}

// New creates a new App instance with the given version information.
func New(version, commit, date, builtBy string, opts ...Option) (*App, error) {
	app := &App{
		version: version,
		commit:  commit,
		date:    date,
		builtBy: builtBy,
		out:     os.Stdout,
	}

	config, err := LoadConfig()
	if err != nil {
		return nil, errors.WrapResource("load", "config", "", err)
	}
	app.config = config

	logger := NewLogger(config)
	app.logger = &logger

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Version returns the version information.
func (a *App) Version() string {
	return a.version
}

// Commit returns the git commit hash.
func (a *App) Commit() string {
	return a.commit
}

// Date returns the build date.
func (a *App) Date() string {
	return a.date
}

// BuiltBy returns the build system identifier.
func (a *App) BuiltBy() string {
	return a.builtBy
}

// Config returns the application configuration.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// Out returns the writer command results go to.
func (a *App) Out() io.Writer {
	return a.out
}

// OutputFormat returns the configured output format, detecting one from
// the terminal when none is set.
func (a *App) OutputFormat() string {
	return string(output.DetectFormat(a.config.Format))
}

// Credentials returns the configured API user and key.
func (a *App) Credentials() (string, string) {
	return a.config.APIUser, a.config.APIKey
}

// Hub returns the shared hub, creating and connecting it on first use.
func (a *App) Hub() (*eventhub.Hub, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hub != nil {
		return a.hub, nil
	}

	if err := a.config.Validate(); err != nil {
		return nil, err
	}

	hub, err := eventhub.New(a.config.Server, a.config.APIUser, a.config.APIKey, a.hubOptions()...)
	if err != nil {
		return nil, errors.WrapResource("create", "hub", a.config.Server, err)
	}
	hub.Connect()

	a.logger.Debug().
		Str("server", hub.ServerURL()).
		Str("hub_id", hub.ID()).
		Msg("Hub connecting")

	a.hub = hub
	return hub, nil
}

// Shutdown disconnects the hub if one was created.
func (a *App) Shutdown(_ context.Context) error {
	a.mu.Lock()
	hub := a.hub
	a.mu.Unlock()

	if hub != nil {
		hub.Disconnect()
	}
	return nil
}

// hubOptions constructs hub options from the app configuration.
func (a *App) hubOptions() []eventhub.Option {
	opts := []eventhub.Option{
		eventhub.WithLogger(a.logger),
	}
	if a.config.ApplicationID != "" {
		opts = append(opts, eventhub.WithApplicationID(a.config.ApplicationID))
	}
	if a.config.PublishTimeout > 0 {
		opts = append(opts, eventhub.WithDefaultTimeout(a.config.PublishTimeout))
	}

	var topts []transport.Option
	if a.config.HeartbeatTimeout > 0 {
		topts = append(topts, transport.WithHeartbeatTimeout(a.config.HeartbeatTimeout))
	}
	if a.config.ReconnectInitial > 0 {
		cfg := backoff.DefaultConfig()
		cfg.InitialDelay = a.config.ReconnectInitial
		if a.config.ReconnectMax > 0 {
			cfg.MaxDelay = a.config.ReconnectMax
		}
		topts = append(topts, transport.WithBackoff(cfg))
	}
	if len(topts) > 0 {
		opts = append(opts, eventhub.WithTransportOptions(topts...))
	}

	return opts
}

// Option is a functional option for configuring the App.
type Option func(*App) error

// WithConfig sets a custom configuration.
func WithConfig(config *Config) Option {
	return func(a *App) error {
		a.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithOutput sets the writer command results go to.
func WithOutput(w io.Writer) Option {
	return func(a *App) error {
		a.out = w
		return nil
	}
}
