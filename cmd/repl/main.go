// Command repl runs stateful Python code sessions and the tool router their
// code calls back into.
//
// # Basic Usage
//
// Start the session API and the tool router:
//
//	repl serve --config repl.toml
//
// Expose the tool registry to an MCP client over stdio:
//
//	repl mcp
//
// Call a tool once from the command line:
//
//	repl call fetch_url --args '{"url":"https://example.com"}'
//
// # Environment Variables
//
// Every setting in the config file can be overridden with REPL_* variables,
// for example REPL_IDLE_TIMEOUT, REPL_STATE_DIR and REPL_BACKEND.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "repl",
		Short: "Stateful Python sessions with a tool-callback bridge",
		Long: `repl keeps long-lived Python sessions for an orchestrating agent.

Code runs in a per-session interpreter whose variables survive between
submissions and across idle eviction. Code inside a session calls host
tools through the tool router.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "repl.toml", "Path to TOML configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRouterCmd(),
		buildMCPCmd(),
		buildCallCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
