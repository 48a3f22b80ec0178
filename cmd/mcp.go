package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/yoke/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client inspect and steer yoke: list projects and
sessions, stop a session, set stop-after-current, review and resume
pauses, and reap stale sessions. Configure the client with:

  {
    "mcpServers": {
      "yoke": { "command": "yoke", "args": ["mcp"] }
    }
  }

Available tools: yoke_list_projects, yoke_list_sessions, yoke_stop_session,
yoke_stop_after_current, yoke_active_pauses, yoke_resume_pause, yoke_reap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpRun serves until stdin closes. Stdout carries the protocol, so
// everything else goes to the stderr logger.
func mcpRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	e, err := newEngine(logger, engineOptions{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	srv := mcp.NewServer(e.store, e.orch, e.pauses, e.reaper, logger)
	serveErr := srv.ServeStdio(ctx)
	if err := e.close(shutdownGrace); err != nil {
		logger.Warn("mcp shutdown", "error", err)
	}
	return serveErr
}
