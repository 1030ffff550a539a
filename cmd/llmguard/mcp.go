package main

import (
	"github.com/metoro-io/mcp-golang/transport/stdio"
	"github.com/spf13/cobra"

	"github.com/run-bigpig/llm-guard/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the detect and process tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(ctx)

		var processor mcp.Processor
		if rt.Pipeline != nil {
			processor = rt
		}

		srv, err := mcp.NewGuardServer(stdio.NewStdioServerTransport(), mcp.NewHandlers(rt, processor), version)
		if err != nil {
			return err
		}
		if err := srv.Serve(); err != nil {
			return err
		}
		rt.Logger.Info(ctx, "MCP server ready on stdio", map[string]interface{}{
			"process": processor != nil,
		})

		<-ctx.Done()
		return nil
	},
}
