package llmguard

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/run-bigpig/llm-guard/pkg/audit"
	"github.com/run-bigpig/llm-guard/pkg/cache"
	"github.com/run-bigpig/llm-guard/pkg/config"
	"github.com/run-bigpig/llm-guard/pkg/core"
	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/embedding"
	"github.com/run-bigpig/llm-guard/pkg/guard"
	"github.com/run-bigpig/llm-guard/pkg/guardrails"
	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/llm/openai"
	"github.com/run-bigpig/llm-guard/pkg/llm/vertex"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/mcp"
	"github.com/run-bigpig/llm-guard/pkg/metrics"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
	"github.com/run-bigpig/llm-guard/pkg/pipeline"
	"github.com/run-bigpig/llm-guard/pkg/prompts"
	"github.com/run-bigpig/llm-guard/pkg/retry"
	"github.com/run-bigpig/llm-guard/pkg/signatures"
	"github.com/run-bigpig/llm-guard/pkg/tracing"
)

// ErrPipelineDisabled is returned by Process when no core is configured
var ErrPipelineDisabled = errors.New("pipeline disabled: no core configured")

// Runtime owns every component built from a config. It replaces process
// globals: two runtimes never share caches, dedup maps or metrics.
type Runtime struct {
	Config     *config.Config
	Logger     logging.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Input      *guard.Guard
	Output     *guard.Guard
	Pipeline   *pipeline.Pipeline
	Signatures *signatures.Set
	Tenants    *multitenancy.ConfigManager
	Redis      *redis.Client

	tracer   *tracing.OTelTracer
	langfuse *tracing.LangfuseTracer
	closers  []func() error
}

// Option overrides a component the runtime would otherwise build from config
type Option func(*overrides)

type overrides struct {
	logger     logging.Logger
	llm        interfaces.LLM
	core       interfaces.CoreExecutor
	embedder   interfaces.Embedder
	classifier interfaces.Classifier
	redis      *redis.Client
}

// WithLogger sets the logger instead of building one from logging config
func WithLogger(logger logging.Logger) Option {
	return func(o *overrides) {
		o.logger = logger
	}
}

// WithLLM sets the chat model used by the arbiter, LLM core and LLM auditor
func WithLLM(llm interfaces.LLM) Option {
	return func(o *overrides) {
		o.llm = llm
	}
}

// WithCore sets the protected core, enabling the pipeline
func WithCore(c interfaces.CoreExecutor) Option {
	return func(o *overrides) {
		o.core = c
	}
}

// WithEmbedder sets the embedder for the semantic tier and similarity layer
func WithEmbedder(embedder interfaces.Embedder) Option {
	return func(o *overrides) {
		o.embedder = embedder
	}
}

// WithClassifier sets the classifier for the classifier layer
func WithClassifier(classifier interfaces.Classifier) Option {
	return func(o *overrides) {
		o.classifier = classifier
	}
}

// WithRedisClient sets the Redis client instead of dialing redis.addr
func WithRedisClient(client *redis.Client) Option {
	return func(o *overrides) {
		o.redis = client
	}
}

// New builds a runtime. On error every component built so far is closed.
func New(ctx context.Context, cfg *config.Config, options ...Option) (_ *Runtime, err error) {
	o := &overrides{}
	for _, option := range options {
		option(o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New(
			logging.WithLevel(cfg.Logging.Level),
			logging.WithJSON(cfg.Logging.JSON),
		)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  metrics.New(registry),
	}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	if rt.Tenants, err = multitenancy.NewConfigManager(cfg.Policy.Tenants...); err != nil {
		return nil, fmt.Errorf("failed to register tenants: %w", err)
	}

	if err = rt.buildTracing(ctx); err != nil {
		return nil, err
	}
	if err = rt.buildRedis(ctx, o); err != nil {
		return nil, err
	}
	if err = rt.buildSignatures(ctx); err != nil {
		return nil, err
	}

	if o.embedder == nil && cfg.Providers.OpenAI.APIKey != "" {
		o.embedder = rt.buildEmbedder()
	}
	if o.llm == nil && cfg.UsesLLM() {
		if o.llm, err = rt.buildLLM(ctx); err != nil {
			return nil, err
		}
	}
	if o.llm != nil {
		o.llm = tracing.NewLLMMiddleware(o.llm, rt.tracer, rt.langfuse, logger)
	}

	promptCache := prompts.NewPromptCache(cfg.Cache.PromptSize)

	inputEngine, err := rt.buildEngine(o, promptCache)
	if err != nil {
		return nil, err
	}
	outputEngine := inputEngine
	if cfg.Pipeline.FastMode {
		outputEngine = detection.NewEngine(
			detection.WithBaseline(detection.NewPatternLayer()),
			detection.WithBaselineCutoff(cfg.Detection.BaselineCutoff),
			detection.WithHighSeverity(cfg.Detection.HighSeverity),
			detection.WithLogger(logger),
			detection.WithMetrics(rt.Metrics),
			detection.WithTracer(rt.tracer),
		)
		logger.Info(ctx, "Fast mode enabled: output guard uses the regex baseline only", nil)
	}

	rt.Input = guard.New(inputEngine,
		guard.WithName("input"),
		guard.WithCache(rt.buildCache(o, "input")),
		guard.WithLogger(logger),
		guard.WithMetrics(rt.Metrics),
		guard.WithRecorder(rt.langfuse),
	)
	rt.Output = guard.New(outputEngine,
		guard.WithName("output"),
		guard.WithCache(rt.buildCache(o, "output")),
		guard.WithLogger(logger),
		guard.WithMetrics(rt.Metrics),
		guard.WithRecorder(rt.langfuse),
	)

	coreExecutor := o.core
	if coreExecutor == nil {
		if coreExecutor, err = rt.buildCore(ctx, o.llm, promptCache); err != nil {
			return nil, err
		}
	}
	if coreExecutor != nil {
		rt.Pipeline = rt.buildPipeline(coreExecutor, o.llm, promptCache)
	}

	logger.Info(ctx, "Runtime ready", map[string]interface{}{
		"layers":    inputEngine.Layers(),
		"core":      cfg.Pipeline.Core,
		"auditor":   cfg.Pipeline.Auditor,
		"fast_mode": cfg.Pipeline.FastMode,
		"semantic":  o.embedder != nil && cfg.Cache.SemanticSize > 0,
	})
	return rt, nil
}

// Detect returns the input guard verdict for text
func (rt *Runtime) Detect(ctx context.Context, text string) (detection.Verdict, error) {
	return rt.Input.Detect(ctx, text)
}

// Process runs text through the trust pipeline
func (rt *Runtime) Process(ctx context.Context, text string, capabilities []string) (*pipeline.Result, error) {
	if rt.Pipeline == nil {
		return nil, ErrPipelineDisabled
	}
	return rt.Pipeline.Process(ctx, text, capabilities)
}

// Close releases external resources: the MCP core, Redis, and the tracing
// exporters.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil

	if rt.langfuse != nil {
		rt.langfuse.Flush(ctx)
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (rt *Runtime) buildTracing(ctx context.Context) error {
	tc := rt.Config.Tracing
	tracer, err := tracing.NewOTelTracer(ctx, tracing.OTelConfig{
		Enabled:           tc.OTel.Enabled,
		ServiceName:       tc.OTel.ServiceName,
		CollectorEndpoint: tc.OTel.CollectorEndpoint,
	})
	if err != nil {
		return err
	}
	rt.tracer = tracer

	rt.langfuse = tracing.NewLangfuseTracer(ctx, tracing.LangfuseConfig{
		Enabled:     tc.Langfuse.Enabled,
		SecretKey:   tc.Langfuse.SecretKey,
		PublicKey:   tc.Langfuse.PublicKey,
		Host:        tc.Langfuse.Host,
		Environment: tc.Langfuse.Environment,
	}, rt.Logger)
	return nil
}

func (rt *Runtime) buildRedis(ctx context.Context, o *overrides) error {
	if !rt.Config.UsesRedis() {
		return nil
	}
	if o.redis != nil {
		rt.Redis = o.redis
		return nil
	}

	client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     rt.Config.Redis.Addr,
		Password: rt.Config.Redis.Password,
		DB:       rt.Config.Redis.DB,
	})
	if err != nil {
		return err
	}
	rt.Redis = client
	rt.closers = append(rt.closers, client.Close)
	return nil
}

func (rt *Runtime) buildSignatures(ctx context.Context) error {
	sc := rt.Config.Signatures
	if !sc.Enabled {
		return nil
	}

	rt.Signatures = signatures.New(
		signatures.WithCapacity(sc.Capacity, sc.FalsePositiveRate),
		signatures.WithRedis(rt.Redis, sc.RedisKey),
		signatures.WithLogger(rt.Logger),
	)
	if _, err := rt.Signatures.Load(ctx); err != nil {
		return err
	}
	for _, path := range sc.Feeds {
		if _, err := LoadFeed(ctx, rt.Signatures, path); err != nil {
			return err
		}
	}
	return nil
}

// LoadFeed adds every signature line in the file at path to set
func LoadFeed(ctx context.Context, set *signatures.Set, path string) (int, error) {
	if !config.ValidFilePath(path) {
		return 0, fmt.Errorf("invalid feed file path: %s", path)
	}
	f, err := os.Open(path) // #nosec G304 - Path is validated with ValidFilePath() before use
	if err != nil {
		return 0, fmt.Errorf("failed to open feed: %w", err)
	}
	defer f.Close()

	lines, err := signatures.ReadFeed(f)
	if err != nil {
		return 0, err
	}
	return set.Add(ctx, lines...)
}

func (rt *Runtime) buildLLM(ctx context.Context) (interfaces.LLM, error) {
	p := rt.Config.Providers
	switch p.LLM {
	case config.ProviderVertex:
		return vertex.NewClient(ctx, p.Vertex.ProjectID,
			vertex.WithModel(p.Vertex.Model),
			vertex.WithLocation(p.Vertex.Location),
			vertex.WithCredentialsFile(p.Vertex.CredentialsFile),
			vertex.WithLogger(rt.Logger),
		)
	default:
		options := []openai.Option{
			openai.WithModel(p.OpenAI.Model),
			openai.WithLogger(rt.Logger),
		}
		if p.OpenAI.BaseURL != "" {
			options = append(options, openai.WithBaseURL(p.OpenAI.APIKey, p.OpenAI.BaseURL))
		}
		return openai.NewClient(p.OpenAI.APIKey, options...), nil
	}
}

func (rt *Runtime) buildEmbedder() *embedding.OpenAIEmbedder {
	oc := rt.Config.Providers.OpenAI
	ec := embedding.DefaultEmbeddingConfig(oc.EmbeddingModel)
	ec.Dimensions = oc.EmbeddingDimensions
	options := []embedding.Option{
		embedding.WithConfig(ec),
		embedding.WithRetry(retry.WithMaxAttempts(3)),
	}
	if oc.BaseURL != "" {
		options = append(options, embedding.WithBaseURL(oc.APIKey, oc.BaseURL))
	}
	return embedding.NewOpenAIEmbedder(oc.APIKey, oc.EmbeddingModel, options...)
}

func (rt *Runtime) buildEngine(o *overrides, promptCache *prompts.PromptCache) (*detection.Engine, error) {
	dc := rt.Config.Detection
	options := []detection.Option{
		detection.WithHighSeverity(dc.HighSeverity),
		detection.WithCombinedCutoff(dc.CombinedCutoff),
		detection.WithLayerTimeout(dc.LayerTimeout),
		detection.WithLogger(rt.Logger),
		detection.WithMetrics(rt.Metrics),
		detection.WithTracer(rt.tracer),
	}

	if dc.EnableRegexBaseline {
		options = append(options,
			detection.WithBaseline(detection.NewPatternLayer()),
			detection.WithBaselineCutoff(dc.BaselineCutoff),
		)
	}
	if rt.Signatures != nil {
		layer := detection.NewSignatureLayer(rt.Signatures, detection.WithSignatureMetrics(rt.Metrics))
		options = append(options, detection.WithLayer(layer, rt.Config.Signatures.Cutoff, rt.Config.Signatures.Weight))
	}
	if dc.Classifier.Enabled {
		classifier := o.classifier
		if classifier == nil {
			classifier = openai.NewModerationClassifier(rt.Config.Providers.OpenAI.APIKey,
				openai.WithModerationModel(rt.Config.Providers.OpenAI.ModerationModel),
				openai.WithModerationLogger(rt.Logger),
			)
		}
		options = append(options, detection.WithLayer(detection.NewClassifierLayer(classifier), dc.Classifier.Cutoff, dc.Classifier.Weight))
	}
	if dc.Similarity.Enabled {
		if o.embedder == nil {
			return nil, fmt.Errorf("similarity layer requires an embedder")
		}
		layer := detection.NewSimilarityLayer(o.embedder, detection.WithFloor(dc.Similarity.Floor))
		options = append(options, detection.WithLayer(layer, dc.Similarity.Cutoff, dc.Similarity.Weight))
	}
	if dc.Escalation.Enabled {
		if o.llm == nil {
			return nil, fmt.Errorf("escalation requires an LLM")
		}
		arbiter := detection.NewArbiterLayer(o.llm, detection.WithPromptCache(promptCache))
		options = append(options, detection.WithEscalation(arbiter, dc.Escalation.Cutoff))
	}

	return detection.NewEngine(options...), nil
}

// buildCache builds the verdict cache of one guard. Only the input guard
// shares verdicts through Redis: output verdicts may come from the fast-mode
// engine and must not answer input lookups.
func (rt *Runtime) buildCache(o *overrides, name string) *cache.Tiered {
	cc := rt.Config.Cache
	options := []cache.Option{
		cache.WithExactSize(cc.ExactSize),
		cache.WithEmbedTimeout(cc.EmbedTimeout),
		cache.WithLogger(rt.Logger),
		cache.WithMetrics(rt.Metrics),
	}
	if o.embedder != nil && cc.SemanticSize > 0 {
		options = append(options,
			cache.WithSemantic(cc.SemanticSize, cc.SimilarityThreshold),
			cache.WithEmbedder(o.embedder),
		)
	}
	if name == "input" && cc.Remote.Enabled && rt.Redis != nil {
		store := cache.NewRedisStore(rt.Redis,
			cache.WithTTL(cc.Remote.TTL),
			cache.WithKeyPrefix(cc.Remote.KeyPrefix),
		)
		options = append(options, cache.WithRemote(store))
	}
	return cache.NewTiered(options...)
}

func (rt *Runtime) buildCore(ctx context.Context, llm interfaces.LLM, promptCache *prompts.PromptCache) (interfaces.CoreExecutor, error) {
	pc := rt.Config.Pipeline
	switch pc.Core {
	case config.CoreLLM:
		options := []core.LLMOption{
			core.WithPromptCache(promptCache),
			core.WithLogger(rt.Logger),
		}
		if pc.Instructions != "" {
			options = append(options, core.WithInstructions(pc.Instructions))
		}
		return core.NewLLMCore(llm, options...), nil

	case config.CoreMCP:
		mc := rt.Config.Providers.MCP
		var (
			client *mcp.Client
			err    error
		)
		if mc.Transport == "http" {
			client, err = mcp.NewHTTPClient(ctx, mcp.HTTPConfig{BaseURL: mc.BaseURL, Path: mc.Path, Token: mc.Token})
		} else {
			client, err = mcp.NewStdioClient(ctx, mcp.StdioConfig{Command: mc.Command, Args: mc.Args, Env: mc.Env})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MCP core: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)

		if err := client.Initialize(ctx); err != nil {
			return nil, err
		}
		return core.NewMCPCore(client, core.WithTool(mc.Tool), core.WithMCPLogger(rt.Logger)), nil
	}
	return nil, nil
}

func (rt *Runtime) buildPipeline(coreExecutor interfaces.CoreExecutor, llm interfaces.LLM, promptCache *prompts.PromptCache) *pipeline.Pipeline {
	cfg := rt.Config
	pc := cfg.Pipeline

	enforcer := guardrails.NewEnforcer(guardrails.NewSecurityPolicy(
		cfg.Policy.AllowedCapabilities,
		cfg.Policy.MaxInputLength,
		cfg.Policy.RequireOutputValidation,
	))

	options := []pipeline.Option{
		pipeline.WithOutputGuard(rt.Output),
		pipeline.WithRetryBudget(pc.RetryBudget),
		pipeline.WithFailOpen(pc.FailOpen),
		pipeline.WithCoreTimeout(pc.CoreTimeout),
		pipeline.WithOutputScanner(rt.buildScanner()),
		pipeline.WithBlockedResponses(pc.BlockedInput, pc.BlockedOutput),
		pipeline.WithLogger(rt.Logger),
		pipeline.WithMetrics(rt.Metrics),
		pipeline.WithTracer(rt.tracer),
	}

	switch pc.Auditor {
	case config.AuditorLLM:
		if llm != nil {
			auditor := audit.NewLLMAuditor(llm, audit.WithPromptCache(promptCache))
			options = append(options, pipeline.WithAuditor(auditor, pc.Requirements))
		}
	case config.AuditorRules:
		rules := []audit.Rule{audit.NonEmpty()}
		if pc.MaxOutputChars > 0 {
			rules = append(rules, audit.MaxLength(pc.MaxOutputChars))
		}
		for _, phrase := range pc.AuditRules.MustContain {
			rules = append(rules, audit.MustContain(phrase))
		}
		for _, fp := range pc.AuditRules.MustNotMatch {
			rules = append(rules, audit.MustNotMatch(fp.Pattern, fp.Feedback))
		}
		options = append(options, pipeline.WithAuditor(audit.NewRuleAuditor(rules...), pc.Requirements))
	}

	return pipeline.New(enforcer, rt.Input, coreExecutor, options...)
}

func (rt *Runtime) buildScanner() *guardrails.OutputScanner {
	sc := rt.Config.Pipeline.Scanner
	options := []guardrails.ScannerOption{guardrails.WithLogger(rt.Logger)}
	if len(sc.BlockedWords) > 0 {
		options = append(options, guardrails.WithGuardrail(guardrails.NewContentFilter(sc.BlockedWords, guardrails.BlockAction)))
	}
	if sc.RedactPII {
		options = append(options, guardrails.WithGuardrail(guardrails.NewPiiFilter(guardrails.RedactAction)))
	}
	if sc.MaxOutputTokens > 0 {
		options = append(options, guardrails.WithGuardrail(guardrails.NewTokenLimit(sc.MaxOutputTokens, nil, guardrails.RedactAction)))
	}
	return guardrails.NewOutputScanner(options...)
}
