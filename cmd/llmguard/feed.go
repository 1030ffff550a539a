package main

import (
	"github.com/spf13/cobra"

	llmguard "github.com/run-bigpig/llm-guard/pkg"
	"github.com/run-bigpig/llm-guard/pkg/cache"
	"github.com/run-bigpig/llm-guard/pkg/config"
	"github.com/run-bigpig/llm-guard/pkg/signatures"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Manage the known-attack signature feed",
}

var feedLoadCmd = &cobra.Command{
	Use:   "load file...",
	Short: "Add every line of the given files to the signature set in Redis",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		set := signatures.New(
			signatures.WithCapacity(cfg.Signatures.Capacity, cfg.Signatures.FalsePositiveRate),
			signatures.WithRedis(client, cfg.Signatures.RedisKey),
			signatures.WithLogger(logger),
		)

		total := 0
		for _, path := range args {
			added, err := llmguard.LoadFeed(ctx, set, path)
			if err != nil {
				return err
			}
			logger.Info(ctx, "Loaded signature feed", map[string]interface{}{
				"file":  path,
				"added": added,
			})
			total += added
		}
		cmd.Printf("added %d signatures\n", total)
		return nil
	},
}

func init() {
	feedCmd.AddCommand(feedLoadCmd)
}
