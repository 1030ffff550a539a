// Command llmguard screens LLM traffic for prompt injection and unsafe output.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	llmguard "github.com/run-bigpig/llm-guard/pkg"
	"github.com/run-bigpig/llm-guard/pkg/config"
	"github.com/run-bigpig/llm-guard/pkg/logging"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "llmguard",
	Short:         "Guardrail engine for LLM requests and responses",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LLMGUARD_CONFIG"), "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, detectCmd, mcpCmd, feedCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP stdio transport
func newLogger(cfg *config.Config) logging.Logger {
	return logging.New(
		logging.WithLevel(cfg.Logging.Level),
		logging.WithJSON(cfg.Logging.JSON),
		logging.WithOutput(os.Stderr),
	)
}

func loadRuntime(ctx context.Context) (*llmguard.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return llmguard.New(ctx, cfg, llmguard.WithLogger(newLogger(cfg)))
}
