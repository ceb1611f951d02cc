package main

import (
	"github.com/spf13/cobra"

	"github.com/amibaren/essaygrader/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the grading tools over MCP on stdio",
	Long: `Serve grade_essay, invoke_agent and list_schemas as Model Context Protocol
tools on stdin/stdout. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		srv := mcpserver.New(sc.Engine, sc.Agents, sc.Schemas, version, sc.Logger)
		sc.Logger.Info("mcp server listening on stdio")
		return srv.ServeStdio()
	},
}
