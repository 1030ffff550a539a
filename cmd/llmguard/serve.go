package main

import (
	"github.com/spf13/cobra"

	"github.com/run-bigpig/llm-guard/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve detection and the trust pipeline over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(ctx); err != nil {
				rt.Logger.Warn(ctx, "Failed to close runtime", map[string]interface{}{"error": err.Error()})
			}
		}()

		sc := rt.Config.Server
		options := []server.Option{
			server.WithLogger(rt.Logger),
			server.WithTenants(rt.Tenants),
			server.WithMaxBodyBytes(sc.MaxBodyBytes),
		}
		if rt.Config.Metrics.Enabled {
			options = append(options, server.WithMetrics(rt.Registry, rt.Config.Metrics.Path))
		}

		return server.New(rt, options...).Run(ctx, sc.Addr, sc.ReadTimeout, sc.WriteTimeout, sc.ShutdownTimeout)
	},
}
