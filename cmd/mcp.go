package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents can record events and query the session summary, history and staged
work without shelling out. Configure in the agent with:

  {
    "mcpServers": {
      "sidecar": { "command": "sidecar", "args": ["mcp"] }
    }
  }

Tools: sidecar_capture, sidecar_get_state, sidecar_search,
sidecar_list_patches, sidecar_commit_patch, sidecar_synthesize,
sidecar_list_artifacts, sidecar_apply_artifact, sidecar_reject_artifact`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	m, err := getManager()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	// ServeStdio closes the manager itself.
	err = mcp.NewServer(m, buildVersion).ServeStdio(ctx)
	manager = nil
	if ctx.Err() != nil {
		return nil
	}
	return err
}
