// Package app provides the entry point for the datagate command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/datagate-io/datagate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "datagate",
	DisableAutoGenTag: true,
	Short:             "Environment-scoped gateway over SQL, proxy, composite and webhook endpoints",
	Long: `datagate serves file-defined endpoints behind a single authenticated HTTP surface.

Endpoint definitions are read from an endpoints directory and hot-reloaded as
they change on disk. Every request names its target environment in the URL;
the gateway resolves that environment to a connection string or upstream,
checks the caller's token scopes, and dispatches to the matching executor:

- SQL endpoints translate OData-style queries into parameterized SQL
- Proxy endpoints forward to an upstream and rewrite self-referential URLs
- Composite endpoints run multi-step request workflows
- Webhook endpoints persist inbound payloads to a database table`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the datagate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
