package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP API server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the diagramd API server",
		Long: `Start the diagramd HTTP server.

The server exposes session endpoints, an SSE message stream, render
retrieval, Prometheus metrics, and a health check. Sessions persist in a
local SQLite database and expired sessions are swept on a schedule.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  diagramd serve

  # Start with custom config
  diagramd serve --config /etc/diagramd/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "diagramd.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildChatCmd creates the "chat" command for terminal use without a server.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		prompt     string
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Generate diagrams interactively from the terminal",
		Long: `Run the diagram agent directly in the terminal.

With --prompt the agent processes a single request and exits. Without it an
interactive loop reads requests from stdin. Rendered diagrams are written to
the output directory as they become ready.`,
		Example: `  # One-shot generation
  diagramd chat --prompt "a red-black tree after inserting 1..8"

  # Interactive session
  diagramd chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, prompt, outputDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "diagramd.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "",
		"Process a single request and exit")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "",
		"Directory for rendered diagrams (default: storage output_dir)")

	return cmd
}
