package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an agent
can drive devloop directly. Configure a client with:

  {
    "mcpServers": {
      "devloop": { "command": "devloop", "args": ["mcp"] }
    }
  }

Available tools: devloop_propose, devloop_apply, devloop_approve,
devloop_rollback, devloop_undo, devloop_confirm, devloop_diff,
devloop_rounds, devloop_servers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol.
		ui.Out = os.Stderr
		svc, err := getService(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()
		return mcp.NewServer(svc, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
