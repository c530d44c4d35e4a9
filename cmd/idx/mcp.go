package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dshills/depcontext/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the index to AI assistants over MCP (stdio)",
	Long: `Starts a Model Context Protocol server on stdin/stdout exposing
search_dependencies, update_index, get_status, list_packages and get_stats.

Client configuration:
  {
    "mcpServers": {
      "deps": {
        "command": "idx",
        "args": ["mcp"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.Info().Str("root", svc.Root()).Str("model", svc.Model()).Msg("MCP server ready, listening on stdio")
	return mcp.NewServer(svc, version).Serve(cmd.Context())
}
