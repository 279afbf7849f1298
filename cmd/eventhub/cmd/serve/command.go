// Package serve implements the serve command, which runs the local event
// server.
package serve

import (
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentstation/eventhub/cmd/application"
	"github.com/agentstation/eventhub/internal/eventserver"
	"github.com/agentstation/eventhub/pkg/errors"
)

type options struct {
	addr         string
	heartbeat    time.Duration
	closeTimeout time.Duration
	noMetrics    bool
	eventLog     int
	anonymous    bool
}

// NewCommand creates the serve command.
func NewCommand(app application.Application) *cobra.Command {
	defaults := eventserver.DefaultConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "development",
		Short:   "Run a local event server",
		Long: `Serve runs an event server speaking the same handshake and packet
protocol as an ftrack server. It routes events between connected clients by
their announced subscriptions and answers targeted replies.

Handshakes must carry the configured API user and key unless --anonymous
is given. Metrics are exposed on /metrics and liveness on /health.`,
		Example: `  eventhub serve
  eventhub serve --addr :9000 --heartbeat 5s
  eventhub serve --anonymous --no-metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(app)
			if err != nil {
				return err
			}
			srv := eventserver.New(cfg, app.Logger())
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", net.JoinHostPort(defaults.Host, strconv.Itoa(defaults.Port)), "listen address")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", defaults.HeartbeatInterval, "interval between server heartbeats")
	cmd.Flags().DurationVar(&opts.closeTimeout, "close-timeout", defaults.CloseTimeout, "drop clients silent for this long")
	cmd.Flags().BoolVar(&opts.noMetrics, "no-metrics", false, "disable the /metrics endpoint")
	cmd.Flags().IntVar(&opts.eventLog, "event-log", defaults.EventLogSize, "number of routed events kept for inspection")
	cmd.Flags().BoolVar(&opts.anonymous, "anonymous", false, "accept handshakes without credentials")

	return cmd
}

func (o *options) config(app application.Application) (eventserver.Config, error) {
	cfg := eventserver.DefaultConfig()

	host, portStr, err := net.SplitHostPort(o.addr)
	if err != nil {
		return cfg, errors.NewValidationError("addr", o.addr, "expected host:port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return cfg, errors.NewValidationError("addr", o.addr, "invalid port")
	}
	if o.heartbeat <= 0 {
		return cfg, errors.NewValidationError("heartbeat", o.heartbeat, "must be positive")
	}
	if o.closeTimeout <= o.heartbeat {
		return cfg, errors.NewValidationError("close-timeout", o.closeTimeout, "must exceed the heartbeat interval")
	}

	cfg.Host = host
	cfg.Port = port
	cfg.HeartbeatInterval = o.heartbeat
	cfg.CloseTimeout = o.closeTimeout
	cfg.MetricsEnabled = !o.noMetrics
	cfg.EventLogSize = o.eventLog

	if !o.anonymous {
		cfg.APIUser, cfg.APIKey = app.Credentials()
		if cfg.APIUser == "" {
			return cfg, errors.NewConfigError("api_user", "no API user configured for the server (set FTRACK_API_USER or pass --anonymous)", nil)
		}
	}
	return cfg, nil
}
