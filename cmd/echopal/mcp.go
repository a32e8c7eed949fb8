package main

import (
	"github.com/spf13/cobra"

	"echopal/internal/bootstrap"
	mcptransport "echopal/internal/transport/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve ask_policy, search_policies and list_policies over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			return mcptransport.ServeStdio(e.RAG, version)
		})
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
