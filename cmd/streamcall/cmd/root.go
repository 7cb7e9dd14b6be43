package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "streamcall",
	Short: "Streaming tool-call rewriter for LLM output",
	Long: `streamcall sits between OpenAI-compatible clients and a model backend
whose models emit tool calls as XML-like markup inside plain text.

It detects tool call blocks in the streaming output, repairs the
malformed markup models actually produce, coerces the arguments against
each tool's schema and re-emits them as native tool_calls deltas.`,
}

func Execute() error {
	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()
	return rootCmd.Execute()
}

// SetVersion wires build-time version info into the root command.
func SetVersion(version, commit, date string) {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
