// Package application provides the application interface for eventhub commands.
//
// The Application interface is the contract between the application layer and
// command implementations. Commands accept it instead of the concrete App so
// they can be exercised with a Mock.
//
// Usage in Commands:
//
//	func NewCommand(app application.Application) *cobra.Command {
//	    return &cobra.Command{
//	        RunE: func(cmd *cobra.Command, args []string) error {
//	            hub, err := app.Hub()
//	            if err != nil {
//	                return err
//	            }
//	            _, err = hub.Publish(cmd.Context(), event.New("my.topic", nil))
//	            return err
//	        },
//	    }
//	}
package application

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub"
)

// Application provides what commands need from the running CLI.
//
// Thread Safety: All methods must be safe for concurrent access.
type Application interface {
	// Hub returns the shared hub, creating and connecting it on first use.
	Hub() (*eventhub.Hub, error)

	// Credentials returns the configured API user and key.
	Credentials() (user, key string)

	// Logger returns the configured logger instance.
	Logger() *zerolog.Logger

	// OutputFormat returns the configured output format (json, yaml, table).
	OutputFormat() string

	// Out is where command results are written.
	Out() io.Writer

	// Version returns the application version string.
	Version() string

	// Commit returns the git commit hash.
	Commit() string

	// Date returns the build date.
	Date() string

	// BuiltBy returns the build system identifier.
	BuiltBy() string
}
