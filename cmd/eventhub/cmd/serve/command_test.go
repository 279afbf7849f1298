package serve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/eventhub/cmd/application"
	"github.com/agentstation/eventhub/pkg/errors"
)

func credentials(user, key string) *application.Mock {
	return &application.Mock{
		CredentialsFunc: func() (string, string) { return user, key },
	}
}

func validOptions() *options {
	return &options{
		addr:         "127.0.0.1:9000",
		heartbeat:    5 * time.Second,
		closeTimeout: 20 * time.Second,
		eventLog:     10,
	}
}

func TestServeConfig(t *testing.T) {
	cfg, err := validOptions().config(credentials("jane", "secret"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.CloseTimeout)
	assert.Equal(t, 10, cfg.EventLogSize)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "jane", cfg.APIUser)
	assert.Equal(t, "secret", cfg.APIKey)
}

func TestServeConfigAnonymous(t *testing.T) {
	opts := validOptions()
	opts.anonymous = true
	opts.noMetrics = true

	cfg, err := opts.config(credentials("", ""))
	require.NoError(t, err)
	assert.Empty(t, cfg.APIUser)
	assert.False(t, cfg.MetricsEnabled)
}

func TestServeConfigRequiresCredentials(t *testing.T) {
	_, err := validOptions().config(credentials("", ""))
	var cfgErr *errors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestServeConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*options)
	}{
		{"missing port", func(o *options) { o.addr = "localhost" }},
		{"bad port", func(o *options) { o.addr = "localhost:http" }},
		{"port out of range", func(o *options) { o.addr = ":70000" }},
		{"zero heartbeat", func(o *options) { o.heartbeat = 0 }},
		{"close timeout below heartbeat", func(o *options) { o.closeTimeout = o.heartbeat }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions()
			tt.mutate(opts)
			_, err := opts.config(credentials("jane", "secret"))
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestServeCommandDefaults(t *testing.T) {
	cmd := NewCommand(credentials("jane", "secret"))
	addr, err := cmd.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", addr)

	hb, err := cmd.Flags().GetDuration("heartbeat")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, hb)
}
