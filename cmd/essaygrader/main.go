// Essaygrader grades Chinese primary-school essays with a pipeline of LLM agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "essaygrader",
	Short: "Essaygrader grades primary-school essays with a pipeline of LLM agents.",
	Long: `Essaygrader runs a designer, analyst, praiser, guide and reporter over an essay
and produces a grading report with extracted evidence, praise, guiding questions
and a summary. It runs as a server (HTTP, WebSocket), an MCP tool provider, or
a one-shot command line grader.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file (env: ESSAYGRADER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.AddCommand(serveCmd, gradeCmd, invokeCmd, schemasCmd, reportsCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
