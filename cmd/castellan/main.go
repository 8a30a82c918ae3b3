// Castellan — sandboxed gateway for MCP tool servers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "castellan",
	Short: "Castellan — run MCP tool servers in containers behind a risk-aware approval gate.",
	Long: `Castellan supervises MCP tool servers inside rootless podman containers.
Every tool call passes through an LLM-backed risk classifier and a
human-in-the-loop approval gate, and is recorded in a queryable request log.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
