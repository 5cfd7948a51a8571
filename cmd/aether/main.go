// Package main provides the CLI entry point for the Aether kernel.
//
// Aether runs autonomous AI agents as supervised processes: each agent
// gets a PID, a sandboxed workspace, a layered memory, and a
// think-act-observe loop, all exposed over a framed websocket protocol.
//
// # Basic Usage
//
// Start the kernel:
//
//	aether serve --config aether.yaml
//
// Create the first admin account:
//
//	aether user add root --role admin
//
// # Environment Variables
//
//   - AETHER_LISTEN_ADDR: gateway listen address (default :8420)
//   - AETHER_DATA_DIR: sqlite store and workspace root (default ./data)
//   - AETHER_LLM_PROVIDER: anthropic or openai
//   - AETHER_LLM_API_KEY: provider API key
//   - AETHER_JWT_SECRET: token signing secret
//   - AETHER_SANDBOX_BACKEND: local or docker
//   - AETHER_LOG_LEVEL: debug, info, warn, or error
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aether",
		Short: "Aether - an operating system for AI agents",
		Long: `Aether runs autonomous AI agents as supervised kernel processes.

Agents are spawned with a goal, think and act in a sandboxed workspace,
accumulate layered memory across runs, and report every step over an
event bus. Clients drive the kernel through a websocket control plane.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildUserCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aether %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
