// Package config loads the llmguard runtime configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
)

// Core kinds. With CoreNone only detection is served.
const (
	CoreNone = "none"
	CoreLLM  = "llm"
	CoreMCP  = "mcp"
)

// Auditor kinds
const (
	AuditorNone  = "none"
	AuditorLLM   = "llm"
	AuditorRules = "rules"
)

// LLM providers
const (
	ProviderOpenAI = "openai"
	ProviderVertex = "vertex"
)

// Config is the complete runtime configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
	Redis      RedisConfig      `yaml:"redis"`
	Signatures SignaturesConfig `yaml:"signatures"`
	Detection  DetectionConfig  `yaml:"detection"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Policy     PolicyConfig     `yaml:"policy"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP front end
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// LoggingConfig configures the zerolog logger
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig sizes the verdict cache tiers. A zero size disables a tier.
type CacheConfig struct {
	ExactSize           int           `yaml:"exact_size"`
	SemanticSize        int           `yaml:"semantic_size"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	EmbedTimeout        time.Duration `yaml:"embed_timeout"`
	Remote              RemoteCache   `yaml:"remote"`
	PromptSize          int           `yaml:"prompt_size"`
}

// RemoteCache configures the Redis-backed exact tier
type RemoteCache struct {
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// RedisConfig is the shared Redis connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SignaturesConfig configures the known-attack signature set
type SignaturesConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Capacity          uint     `yaml:"capacity"`
	FalsePositiveRate float64  `yaml:"false_positive_rate"`
	RedisKey          string   `yaml:"redis_key"`
	Feeds             []string `yaml:"feeds"`
	Cutoff            int      `yaml:"cutoff"`
	Weight            float64  `yaml:"weight"`
}

// DetectionConfig configures the signal fusion engine
type DetectionConfig struct {
	EnableRegexBaseline bool          `yaml:"enable_regex_baseline"`
	BaselineCutoff      int           `yaml:"baseline_cutoff"`
	HighSeverity        int           `yaml:"high_severity"`
	CombinedCutoff      float64       `yaml:"combined_cutoff"`
	LayerTimeout        time.Duration `yaml:"layer_timeout"`
	Classifier          LayerConfig   `yaml:"classifier"`
	Similarity          LayerConfig   `yaml:"similarity"`
	Escalation          LayerConfig   `yaml:"escalation"`
}

// LayerConfig enables an optional detector layer
type LayerConfig struct {
	Enabled bool    `yaml:"enabled"`
	Cutoff  int     `yaml:"cutoff"`
	Weight  float64 `yaml:"weight"`
	// Floor is the similarity below which the similarity layer reports benign
	Floor float64 `yaml:"floor,omitempty"`
}

// PipelineConfig configures the trust pipeline
type PipelineConfig struct {
	RetryBudget    int              `yaml:"retry_budget"`
	FastMode       bool             `yaml:"fast_mode"`
	FailOpen       bool             `yaml:"fail_open"`
	CoreTimeout    time.Duration    `yaml:"core_timeout"`
	Core           string           `yaml:"core"`
	Instructions   string           `yaml:"instructions"`
	Auditor        string           `yaml:"auditor"`
	Requirements   string           `yaml:"requirements"`
	BlockedInput   string           `yaml:"blocked_input"`
	BlockedOutput  string           `yaml:"blocked_output"`
	MaxOutputChars int              `yaml:"max_output_chars"`
	AuditRules     AuditRulesConfig `yaml:"audit_rules"`
	Scanner        ScannerConfig    `yaml:"scanner"`
}

// AuditRulesConfig adds checks to the rules auditor
type AuditRulesConfig struct {
	MustContain  []string           `yaml:"must_contain"`
	MustNotMatch []ForbiddenPattern `yaml:"must_not_match"`
}

// ForbiddenPattern rejects outputs matching Pattern with Feedback as guidance
type ForbiddenPattern struct {
	Pattern  string `yaml:"pattern"`
	Feedback string `yaml:"feedback"`
}

// ScannerConfig selects the guardrails applied to responses that pass the
// output guard
type ScannerConfig struct {
	RedactPII       bool     `yaml:"redact_pii"`
	BlockedWords    []string `yaml:"blocked_words"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// PolicyConfig is the request security policy
type PolicyConfig struct {
	MaxInputLength          int      `yaml:"max_input_length"`
	AllowedCapabilities     []string `yaml:"allowed_capabilities"`
	RequireOutputValidation bool     `yaml:"require_output_validation"`

	// Tenants, when set, restricts requests to the listed orgs
	Tenants []multitenancy.TenantConfig `yaml:"tenants"`
}

// ProvidersConfig selects and configures the model providers
type ProvidersConfig struct {
	LLM    string       `yaml:"llm"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Vertex VertexConfig `yaml:"vertex"`
	MCP    MCPConfig    `yaml:"mcp"`
}

// OpenAIConfig configures the OpenAI chat, moderation and embedding clients
type OpenAIConfig struct {
	APIKey              string `yaml:"api_key"`
	BaseURL             string `yaml:"base_url"`
	Model               string `yaml:"model"`
	ModerationModel     string `yaml:"moderation_model"`
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
}

// VertexConfig configures the Vertex AI client
type VertexConfig struct {
	ProjectID       string `yaml:"project_id"`
	Location        string `yaml:"location"`
	Model           string `yaml:"model"`
	CredentialsFile string `yaml:"credentials_file"`
}

// MCPConfig locates the protected core served over MCP
type MCPConfig struct {
	Transport string   `yaml:"transport"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`
	BaseURL   string   `yaml:"base_url"`
	Path      string   `yaml:"path"`
	Token     string   `yaml:"token"`
	Tool      string   `yaml:"tool"`
}

// TracingConfig configures OpenTelemetry and Langfuse
type TracingConfig struct {
	OTel     OTelConfig     `yaml:"otel"`
	Langfuse LangfuseConfig `yaml:"langfuse"`
}

// OTelConfig configures the OTLP exporter
type OTelConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	CollectorEndpoint string `yaml:"collector_endpoint"`
}

// LangfuseConfig configures Langfuse
type LangfuseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SecretKey   string `yaml:"secret_key"`
	PublicKey   string `yaml:"public_key"`
	Host        string `yaml:"host"`
	Environment string `yaml:"environment"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the default configuration: regex baseline only, fail
// closed, output validation on.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{Level: "info"},
		Cache: CacheConfig{
			ExactSize:           4096,
			SemanticSize:        1024,
			SimilarityThreshold: 0.95,
			EmbedTimeout:        500 * time.Millisecond,
			Remote:              RemoteCache{TTL: time.Hour, KeyPrefix: "llmguard:verdict:"},
			PromptSize:          256,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Signatures: SignaturesConfig{
			Capacity:          100000,
			FalsePositiveRate: 0.01,
			RedisKey:          "llmguard:signatures",
			Cutoff:            5,
			Weight:            1,
		},
		Detection: DetectionConfig{
			EnableRegexBaseline: true,
			BaselineCutoff:      5,
			HighSeverity:        8,
			CombinedCutoff:      6,
			LayerTimeout:        2 * time.Second,
			Classifier:          LayerConfig{Cutoff: 5, Weight: 1},
			Similarity:          LayerConfig{Cutoff: 5, Weight: 1, Floor: 0.8},
			Escalation:          LayerConfig{Cutoff: 5},
		},
		Pipeline: PipelineConfig{
			RetryBudget: 2,
			CoreTimeout: 30 * time.Second,
			Core:        CoreNone,
			Auditor:     AuditorNone,
			Scanner:     ScannerConfig{RedactPII: true},
		},
		Policy: PolicyConfig{
			MaxInputLength:          4096,
			RequireOutputValidation: true,
		},
		Providers: ProvidersConfig{
			LLM: ProviderOpenAI,
			OpenAI: OpenAIConfig{
				Model:           "gpt-4o-mini",
				ModerationModel: "omni-moderation-latest",
				EmbeddingModel:  "text-embedding-3-small",
			},
			Vertex: VertexConfig{Location: "us-central1", Model: "gemini-2.0-flash"},
			MCP:    MCPConfig{Transport: "stdio", Path: "/mcp", Tool: "respond"},
		},
		Tracing: TracingConfig{
			OTel:     OTelConfig{ServiceName: "llmguard", CollectorEndpoint: "localhost:4317"},
			Langfuse: LangfuseConfig{Environment: "development"},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads the configuration at path over the defaults, applies
// environment overrides and validates the result. An empty path loads the
// defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if !ValidFilePath(path) {
			return nil, fmt.Errorf("invalid config file path: %s", path)
		}
		data, err := os.ReadFile(path) // #nosec G304 - Path is validated with ValidFilePath() before use
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidFilePath reports whether path names an existing regular file outside
// the kernel pseudo filesystems.
func ValidFilePath(path string) bool {
	if path == "" {
		return false
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return false
	}

	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return false
	}
	if strings.HasPrefix(absPath, "/proc") ||
		strings.HasPrefix(absPath, "/sys") ||
		strings.HasPrefix(absPath, "/dev") {
		return false
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays environment variables. Secrets are taken from their
// conventional variable names.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("LLMGUARD_ADDR", &c.Server.Addr)
	str("LLMGUARD_LOG_LEVEL", &c.Logging.Level)
	boolean("LLMGUARD_LOG_JSON", &c.Logging.JSON)
	boolean("LLMGUARD_FAST_MODE", &c.Pipeline.FastMode)
	boolean("LLMGUARD_FAIL_OPEN", &c.Pipeline.FailOpen)
	integer("LLMGUARD_RETRY_BUDGET", &c.Pipeline.RetryBudget)
	str("LLMGUARD_CORE", &c.Pipeline.Core)
	str("LLMGUARD_LLM_PROVIDER", &c.Providers.LLM)
	integer("LLMGUARD_MAX_INPUT_LENGTH", &c.Policy.MaxInputLength)
	boolean("LLMGUARD_ENABLE_REGEX_BASELINE", &c.Detection.EnableRegexBaseline)

	str("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)
	str("OPENAI_MODEL", &c.Providers.OpenAI.Model)
	str("GOOGLE_CLOUD_PROJECT", &c.Providers.Vertex.ProjectID)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Providers.Vertex.CredentialsFile)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("MCP_TOKEN", &c.Providers.MCP.Token)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTel.CollectorEndpoint)
	str("LANGFUSE_HOST", &c.Tracing.Langfuse.Host)
	str("LANGFUSE_PUBLIC_KEY", &c.Tracing.Langfuse.PublicKey)
	str("LANGFUSE_SECRET_KEY", &c.Tracing.Langfuse.SecretKey)

	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs the Redis connection
func (c *Config) UsesRedis() bool {
	return c.Cache.Remote.Enabled || c.Signatures.Enabled
}

// SemanticCacheEnabled reports whether the semantic tier can run. It needs
// the OpenAI embedder, so it is off without an API key.
func (c *Config) SemanticCacheEnabled() bool {
	return c.Cache.SemanticSize > 0 && c.Providers.OpenAI.APIKey != ""
}

// UsesLLM reports whether any component needs a chat model
func (c *Config) UsesLLM() bool {
	return c.Pipeline.Core == CoreLLM ||
		c.Pipeline.Auditor == AuditorLLM ||
		c.Detection.Escalation.Enabled
}

// Validate checks the configuration for values no component can run with
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		fail("server.addr is required")
	}
	if c.Cache.ExactSize < 0 || c.Cache.SemanticSize < 0 || c.Cache.PromptSize < 0 {
		fail("cache sizes must not be negative")
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		fail("cache.similarity_threshold must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		fail("redis.addr is required when the remote cache or signatures are enabled")
	}
	if c.Signatures.Enabled && (c.Signatures.FalsePositiveRate <= 0 || c.Signatures.FalsePositiveRate >= 1) {
		fail("signatures.false_positive_rate must be in (0, 1)")
	}

	d := c.Detection
	for name, cutoff := range map[string]int{
		"detection.baseline_cutoff":   d.BaselineCutoff,
		"detection.high_severity":     d.HighSeverity,
		"detection.classifier.cutoff": d.Classifier.Cutoff,
		"detection.similarity.cutoff": d.Similarity.Cutoff,
		"detection.escalation.cutoff": d.Escalation.Cutoff,
		"signatures.cutoff":           c.Signatures.Cutoff,
	} {
		if cutoff < 0 || cutoff > 10 {
			fail("%s must be in [0, 10], got %d", name, cutoff)
		}
	}
	if d.CombinedCutoff < 0 || d.CombinedCutoff > 10 {
		fail("detection.combined_cutoff must be in [0, 10]")
	}
	if !d.EnableRegexBaseline && !d.Classifier.Enabled && !d.Similarity.Enabled && !c.Signatures.Enabled {
		fail("at least one detector layer must be enabled")
	}

	p := c.Pipeline
	if p.RetryBudget < 0 {
		fail("pipeline.retry_budget must not be negative")
	}
	if p.CoreTimeout <= 0 {
		fail("pipeline.core_timeout must be positive")
	}
	switch p.Core {
	case CoreNone, CoreLLM:
	case CoreMCP:
		m := c.Providers.MCP
		switch m.Transport {
		case "stdio":
			if m.Command == "" {
				fail("providers.mcp.command is required for the stdio transport")
			}
		case "http":
			if m.BaseURL == "" {
				fail("providers.mcp.base_url is required for the http transport")
			}
		default:
			fail("unsupported providers.mcp.transport: %s", m.Transport)
		}
	default:
		fail("unsupported pipeline.core: %s", p.Core)
	}
	switch p.Auditor {
	case AuditorNone, AuditorLLM:
	case AuditorRules:
		if p.MaxOutputChars < 0 {
			fail("pipeline.max_output_chars must not be negative")
		}
		for i, phrase := range p.AuditRules.MustContain {
			if strings.TrimSpace(phrase) == "" {
				fail("pipeline.audit_rules.must_contain[%d] must not be empty", i)
			}
		}
		for i, fp := range p.AuditRules.MustNotMatch {
			if _, err := regexp.Compile(fp.Pattern); err != nil || fp.Pattern == "" {
				fail("pipeline.audit_rules.must_not_match[%d] has an invalid pattern %q", i, fp.Pattern)
			}
		}
	default:
		fail("unsupported pipeline.auditor: %s", p.Auditor)
	}

	if p.Scanner.MaxOutputTokens < 0 {
		fail("pipeline.scanner.max_output_tokens must not be negative")
	}

	if c.Policy.MaxInputLength <= 0 {
		fail("policy.max_input_length must be positive")
	}
	for _, t := range c.Policy.Tenants {
		if err := multitenancy.ValidateOrgID(t.OrgID); err != nil {
			fail("policy.tenants: %v", err)
		}
	}

	switch c.Providers.LLM {
	case ProviderOpenAI:
		if c.UsesLLM() && c.Providers.OpenAI.APIKey == "" {
			fail("providers.openai.api_key is required")
		}
	case ProviderVertex:
		if c.UsesLLM() && c.Providers.Vertex.ProjectID == "" {
			fail("providers.vertex.project_id is required")
		}
	default:
		fail("unsupported providers.llm: %s", c.Providers.LLM)
	}
	if (d.Similarity.Enabled || d.Classifier.Enabled) && c.Providers.OpenAI.APIKey == "" {
		fail("providers.openai.api_key is required for embeddings and moderation")
	}

	if c.Tracing.Langfuse.Enabled && (c.Tracing.Langfuse.PublicKey == "" || c.Tracing.Langfuse.SecretKey == "") {
		fail("tracing.langfuse requires public_key and secret_key")
	}

	return errors.Join(errs...)
}
