package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llmguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Pipeline.RetryBudget)
	assert.False(t, cfg.Pipeline.FastMode)
	assert.False(t, cfg.Pipeline.FailOpen)
	assert.True(t, cfg.Detection.EnableRegexBaseline)
	assert.True(t, cfg.Policy.RequireOutputValidation)
	assert.Equal(t, 0.95, cfg.Cache.SimilarityThreshold)
	assert.False(t, cfg.SemanticCacheEnabled())
	assert.False(t, cfg.UsesRedis())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
cache:
  exact_size: 10
  similarity_threshold: 0.9
pipeline:
  retry_budget: 1
  fast_mode: true
  core_timeout: 5s
policy:
  max_input_length: 100
  allowed_capabilities: [search, calculator]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Cache.ExactSize)
	assert.Equal(t, 1024, cfg.Cache.SemanticSize)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, 1, cfg.Pipeline.RetryBudget)
	assert.True(t, cfg.Pipeline.FastMode)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.CoreTimeout)
	assert.Equal(t, []string{"search", "calculator"}, cfg.Policy.AllowedCapabilities)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadRejectsBadPaths(t *testing.T) {
	for _, path := range []string{"../llmguard.yaml", "/proc/self/status", t.TempDir(), "missing.yaml"} {
		_, err := Load(path)
		assert.Error(t, err, path)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "pipeline: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LLMGUARD_FAST_MODE":    "true",
		"LLMGUARD_RETRY_BUDGET": "4",
		"LLMGUARD_LOG_LEVEL":    "debug",
		"OPENAI_API_KEY":        "sk-test",
		"REDIS_ADDR":            "redis:6379",
		"LLMGUARD_FAIL_OPEN":    "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.True(t, cfg.Pipeline.FastMode)
	assert.False(t, cfg.Pipeline.FailOpen)
	assert.Equal(t, 4, cfg.Pipeline.RetryBudget)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.SemanticCacheEnabled())
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	env := map[string]string{
		"LLMGUARD_FAST_MODE":    "maybe",
		"LLMGUARD_RETRY_BUDGET": "two",
	}
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLMGUARD_FAST_MODE")
	assert.Contains(t, err.Error(), "LLMGUARD_RETRY_BUDGET")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "threshold above one",
			mutate: func(c *Config) { c.Cache.SimilarityThreshold = 1.5 },
			errMsg: "cache.similarity_threshold",
		},
		{
			name:   "negative retry budget",
			mutate: func(c *Config) { c.Pipeline.RetryBudget = -1 },
			errMsg: "pipeline.retry_budget",
		},
		{
			name:   "cutoff out of range",
			mutate: func(c *Config) { c.Detection.BaselineCutoff = 11 },
			errMsg: "detection.baseline_cutoff",
		},
		{
			name: "bad audit rule pattern",
			mutate: func(c *Config) {
				c.Pipeline.Auditor = AuditorRules
				c.Pipeline.AuditRules.MustNotMatch = []ForbiddenPattern{{Pattern: "(", Feedback: "x"}}
			},
			errMsg: "pipeline.audit_rules.must_not_match[0]",
		},
		{
			name: "empty audit phrase",
			mutate: func(c *Config) {
				c.Pipeline.Auditor = AuditorRules
				c.Pipeline.AuditRules.MustContain = []string{" "}
			},
			errMsg: "pipeline.audit_rules.must_contain[0]",
		},
		{
			name:   "no detector layer",
			mutate: func(c *Config) { c.Detection.EnableRegexBaseline = false },
			errMsg: "at least one detector layer",
		},
		{
			name:   "llm core without key",
			mutate: func(c *Config) { c.Pipeline.Core = CoreLLM },
			errMsg: "providers.openai.api_key",
		},
		{
			name: "vertex core without project",
			mutate: func(c *Config) {
				c.Pipeline.Core = CoreLLM
				c.Providers.LLM = ProviderVertex
			},
			errMsg: "providers.vertex.project_id",
		},
		{
			name: "mcp stdio without command",
			mutate: func(c *Config) {
				c.Pipeline.Core = CoreMCP
			},
			errMsg: "providers.mcp.command",
		},
		{
			name:   "unknown auditor",
			mutate: func(c *Config) { c.Pipeline.Auditor = "oracle" },
			errMsg: "unsupported pipeline.auditor",
		},
		{
			name:   "classifier without key",
			mutate: func(c *Config) { c.Detection.Classifier.Enabled = true },
			errMsg: "embeddings and moderation",
		},
		{
			name: "signatures without redis",
			mutate: func(c *Config) {
				c.Signatures.Enabled = true
				c.Redis.Addr = ""
			},
			errMsg: "redis.addr",
		},
		{
			name:   "langfuse without keys",
			mutate: func(c *Config) { c.Tracing.Langfuse.Enabled = true },
			errMsg: "tracing.langfuse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateAcceptsConfiguredCores(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Core = CoreMCP
	cfg.Providers.MCP.Command = "core-stdio"
	assert.NoError(t, cfg.Validate())

	cfg.Providers.MCP.Transport = "http"
	cfg.Providers.MCP.BaseURL = "http://localhost:8083"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Pipeline.Core = CoreLLM
	cfg.Pipeline.Auditor = AuditorLLM
	cfg.Providers.OpenAI.APIKey = "sk-test"
	assert.NoError(t, cfg.Validate())
}
