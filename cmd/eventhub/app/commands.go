package app

import (
	"github.com/spf13/cobra"

	"github.com/agentstation/eventhub/cmd/eventhub/cmd/listen"
	"github.com/agentstation/eventhub/cmd/eventhub/cmd/publish"
	"github.com/agentstation/eventhub/cmd/eventhub/cmd/serve"
	"github.com/agentstation/eventhub/cmd/eventhub/cmd/version"
)

// registerCommands registers all subcommands with the root command.
func (a *App) registerCommands(rootCmd *cobra.Command) {
	// Core commands
	rootCmd.AddCommand(listen.NewCommand(a))
	rootCmd.AddCommand(publish.NewCommand(a))

	// Development commands
	rootCmd.AddCommand(serve.NewCommand(a))

	// Utility commands
	rootCmd.AddCommand(version.NewCommand(a))
}
