// Package commands wires the railserver CLI's cobra command tree, the way
// teranos/QNTX's cmd/qntx/commands package does: one file per subcommand,
// a PersistentPreRunE that brings up the global logger before anything
// else runs.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/resonance-rail/railserver/logger"
)

// RootCmd is the railserver binary's entry point.
var RootCmd = &cobra.Command{
	Use:   "railserver",
	Short: "Resonance Rail - multi-agent coordination server",
	Long: `Resonance Rail coordinates many concurrent agent/LLM clients over a
single WebSocket hub: phase-synchronizing them with a Kuramoto oscillator
model, routing messages thermodynamically, and admitting new agents through
a staged absorption protocol.

Examples:
  railserver serve            # start the rail server
  railserver version          # print build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		_ = verbosity // read but not applied; the logger always runs at Info level
		return nil
	},
}

var jsonLogs bool

func init() {
	RootCmd.PersistentFlags().CountP("verbose", "v", "Verbosity count (-v, -vv); accepted, but the log level stays at Info")
	RootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit structured JSON logs instead of human-readable console output")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(VersionCmd)
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
