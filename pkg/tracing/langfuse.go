package tracing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/henomis/langfuse-go"
	"github.com/henomis/langfuse-go/model"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
)

// langfuseClient is the subset of the Langfuse client the tracer uses
type langfuseClient interface {
	Generation(g *model.Generation, parentID *string) (*model.Generation, error)
	Event(e *model.Event, parentID *string) (*model.Event, error)
	Flush(ctx context.Context)
}

// LangfuseTracer records verdicts and LLM generations in Langfuse
type LangfuseTracer struct {
	client      langfuseClient
	enabled     bool
	environment string
	logger      logging.Logger
}

// LangfuseConfig contains configuration for Langfuse
type LangfuseConfig struct {
	// Enabled determines whether Langfuse tracing is enabled
	Enabled bool

	// SecretKey is the Langfuse secret key
	SecretKey string

	// PublicKey is the Langfuse public key
	PublicKey string

	// Host is the Langfuse host (optional)
	Host string

	// Environment is the environment name (e.g., "production", "staging")
	Environment string
}

var langfuseEnvOnce sync.Once

// NewLangfuseTracer creates a new Langfuse tracer. The client reads its
// credentials from LANGFUSE_* variables; configured values are exported
// there when the variables are unset.
func NewLangfuseTracer(ctx context.Context, config LangfuseConfig, logger logging.Logger) *LangfuseTracer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if !config.Enabled {
		return &LangfuseTracer{logger: logger}
	}

	langfuseEnvOnce.Do(func() {
		setenvDefault("LANGFUSE_HOST", config.Host)
		setenvDefault("LANGFUSE_PUBLIC_KEY", config.PublicKey)
		setenvDefault("LANGFUSE_SECRET_KEY", config.SecretKey)
	})

	return &LangfuseTracer{
		client:      langfuse.New(ctx),
		enabled:     true,
		environment: config.Environment,
		logger:      logger,
	}
}

func setenvDefault(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}

func (t *LangfuseTracer) metadata(ctx context.Context, extra map[string]interface{}) model.M {
	m := model.M{"environment": t.environment}
	if orgID, err := multitenancy.GetOrgID(ctx); err == nil {
		m["org_id"] = orgID
	}
	if requestID := logging.RequestID(ctx); requestID != "" {
		m["request_id"] = requestID
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// RecordVerdict implements guard.Recorder. Only the fingerprint of the text
// is sent.
func (t *LangfuseTracer) RecordVerdict(ctx context.Context, guard string, fp fingerprint.Fingerprint, verdict detection.Verdict, cached bool) {
	if !t.enabled {
		return
	}

	level := model.ObservationLevel("DEFAULT")
	if verdict.IsThreat {
		level = model.ObservationLevel("WARNING")
	}

	event := &model.Event{
		Name:  "verdict." + guard,
		Input: model.M{"fingerprint": string(fp)},
		Output: model.M{
			"is_threat":   verdict.IsThreat,
			"threat_type": string(verdict.ThreatType),
			"confidence":  verdict.Confidence,
			"reasoning":   verdict.Reasoning,
		},
		Level:    level,
		Metadata: t.metadata(ctx, map[string]interface{}{"cached": cached}),
	}

	if _, err := t.client.Event(event, nil); err != nil {
		t.logger.Warn(ctx, "Failed to record verdict in Langfuse", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// TraceGeneration records an LLM generation
func (t *LangfuseTracer) TraceGeneration(ctx context.Context, modelName, prompt, response string, startTime, endTime time.Time, genErr error) error {
	if !t.enabled {
		return nil
	}

	extra := map[string]interface{}{}
	level := model.ObservationLevel("DEFAULT")
	if genErr != nil {
		extra["error"] = genErr.Error()
		level = model.ObservationLevel("ERROR")
	}

	generation := &model.Generation{
		Name:      "generation." + modelName,
		StartTime: &startTime,
		EndTime:   &endTime,
		Model:     modelName,
		Input:     []model.M{{"prompt": prompt}},
		Output:    model.M{"completion": response},
		Level:     level,
		Metadata:  t.metadata(ctx, extra),
	}

	if _, err := t.client.Generation(generation, nil); err != nil {
		return fmt.Errorf("failed to create Langfuse generation: %w", err)
	}
	return nil
}

// Flush sends buffered observations
func (t *LangfuseTracer) Flush(ctx context.Context) {
	if t.enabled {
		t.client.Flush(ctx)
	}
}
