// Package main provides the CLI entry point for diagramd, an agent service
// that turns natural-language descriptions into rendered technical diagrams.
//
// Start the server:
//
//	diagramd serve --config diagramd.yaml
//
// Run a one-shot generation from the terminal:
//
//	diagramd chat --prompt "a binary search tree with 7 nodes"
//
// Configuration can also come from environment variables; see the config
// package for the full list (ANTHROPIC_API_KEY, OPENAI_API_KEY, SERVER_PORT,
// and friends).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached. It is
// separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "diagramd",
		Short:        "diagramd - LLM diagram generation agent",
		Long:         "diagramd renders technical diagrams from natural-language descriptions\nusing an LLM agent with TikZ, Matplotlib, and Graphviz backends.",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
	)
	return rootCmd
}
