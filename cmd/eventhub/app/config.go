package app

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/errors"
)

// Config holds the application configuration loaded from various sources
// including config files, environment variables, and .env files.
type Config struct {
	// Global flags
	Verbose bool
	Quiet   bool
	NoColor bool
	Format  string

	// Config file
	ConfigFile string

	// Connection
	Server        string
	APIUser       string
	APIKey        string
	ApplicationID string

	// Transport and publish timing
	HeartbeatTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	PublishTimeout   time.Duration

	// Logging configuration
	LogLevel  string
	LogFormat string
	LogOutput string
}

// envBindings maps config keys to the environment variables read for them,
// in order of preference.
var envBindings = map[string][]string{
	"server":            {"FTRACK_SERVER", "EVENTHUB_SERVER"},
	"api_user":          {"FTRACK_API_USER", "EVENTHUB_API_USER"},
	"api_key":           {"FTRACK_API_KEY", "EVENTHUB_API_KEY"},
	"application_id":    {"EVENTHUB_APPLICATION_ID"},
	"heartbeat_timeout": {"EVENTHUB_HEARTBEAT_TIMEOUT"},
	"reconnect_initial": {"EVENTHUB_RECONNECT_INITIAL"},
	"reconnect_max":     {"EVENTHUB_RECONNECT_MAX"},
	"publish_timeout":   {"EVENTHUB_PUBLISH_TIMEOUT"},
	"format":            {"EVENTHUB_FORMAT", "FORMAT"},
	"log_level":         {"LOG_LEVEL"},
	"log_format":        {"LOG_FORMAT"},
	"log_output":        {"LOG_OUTPUT"},
}

// LoadConfig loads configuration from all sources in order of precedence:
// 1. Command-line flags (handled by cobra)
// 2. Environment variables
// 3. .env files
// 4. Config file (~/.eventhub.yaml)
// 5. Defaults
func LoadConfig() (*Config, error) {
	loadEnvFiles()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	if err := bindEnv(); err != nil {
		return nil, err
	}
	setDefaults()

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".eventhub")
	}

	// A missing config file is fine.
	_ = viper.ReadInConfig()

	return &Config{
		Verbose: viper.GetBool("verbose"),
		Quiet:   viper.GetBool("quiet"),
		NoColor: viper.GetBool("no_color"),
		Format:  viper.GetString("format"),

		ConfigFile: viper.ConfigFileUsed(),

		Server:        viper.GetString("server"),
		APIUser:       viper.GetString("api_user"),
		APIKey:        viper.GetString("api_key"),
		ApplicationID: viper.GetString("application_id"),

		HeartbeatTimeout: viper.GetDuration("heartbeat_timeout"),
		ReconnectInitial: viper.GetDuration("reconnect_initial"),
		ReconnectMax:     viper.GetDuration("reconnect_max"),
		PublishTimeout:   viper.GetDuration("publish_timeout"),

		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
		LogOutput: viper.GetString("log_output"),
	}, nil
}

// Validate reports whether the connection settings are complete.
func (c *Config) Validate() error {
	switch {
	case c.Server == "":
		return errors.NewConfigError("server", "no server configured (set FTRACK_SERVER or --server)", nil)
	case c.APIUser == "":
		return errors.NewConfigError("api_user", "no API user configured (set FTRACK_API_USER or --api-user)", nil)
	case c.APIKey == "":
		return errors.NewConfigError("api_key", "no API key configured (set FTRACK_API_KEY or --api-key)", nil)
	case c.ReconnectMax > 0 && c.ReconnectMax < c.ReconnectInitial:
		return errors.NewConfigError("reconnect_max", "must not be less than reconnect_initial", nil)
	}
	return nil
}

// UpdateFromFlags updates config values from parsed command flags.
// This should be called after cobra parses flags to ensure flag
// values take precedence over config file and env vars.
func (c *Config) UpdateFromFlags(verbose, quiet, noColor bool, format, logLevel string) {
	c.Verbose = verbose
	c.Quiet = quiet
	c.NoColor = noColor
	if format != "" {
		c.Format = format
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

func setDefaults() {
	viper.SetDefault("application_id", constants.DefaultApplicationID)
	viper.SetDefault("heartbeat_timeout", constants.HeartbeatTimeout)
	viper.SetDefault("reconnect_initial", constants.ReconnectInitialDelay)
	viper.SetDefault("reconnect_max", constants.ReconnectMaxDelay)
	viper.SetDefault("publish_timeout", constants.PublishTimeout)
	viper.SetDefault("log_format", "auto")
	viper.SetDefault("log_output", "stderr")
}

// loadEnvFiles loads environment variables from .env files.
// godotenv never overrides a variable that is already set, so .env.local is
// read first to take precedence over .env.
func loadEnvFiles() {
	for _, envFile := range []string{".env.local", ".env"} {
		_ = godotenv.Load(envFile)
	}
}

func bindEnv() error {
	for key, envs := range envBindings {
		if err := viper.BindEnv(append([]string{key}, envs...)...); err != nil {
			return errors.NewConfigError(key, "failed to bind environment", err)
		}
	}
	return nil
}
