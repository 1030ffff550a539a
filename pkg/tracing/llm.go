package tracing

import (
	"context"
	"time"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
)

// LLMMiddleware wraps an LLM with an OpenTelemetry span per call and, when
// configured, a Langfuse generation
type LLMMiddleware struct {
	llm      interfaces.LLM
	tracer   interfaces.Tracer
	langfuse *LangfuseTracer
	logger   logging.Logger
}

// NewLLMMiddleware wraps llm. tracer and langfuse may be nil.
func NewLLMMiddleware(llm interfaces.LLM, tracer interfaces.Tracer, langfuse *LangfuseTracer, logger logging.Logger) *LLMMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LLMMiddleware{
		llm:      llm,
		tracer:   tracer,
		langfuse: langfuse,
		logger:   logger,
	}
}

// Generate implements interfaces.LLM.Generate
func (m *LLMMiddleware) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	var span interfaces.Span
	if m.tracer != nil {
		ctx, span = m.tracer.StartSpan(ctx, "llm.generate")
		span.SetAttribute("llm", m.llm.Name())
		span.SetAttribute("prompt.length", len(prompt))
		defer span.End()
	}

	start := time.Now()
	response, err := m.llm.Generate(ctx, prompt, options...)
	end := time.Now()

	if span != nil {
		if err != nil {
			span.RecordError(err)
		} else {
			span.SetAttribute("response.length", len(response))
		}
	}

	if m.langfuse != nil {
		if traceErr := m.langfuse.TraceGeneration(ctx, m.llm.Name(), prompt, response, start, end, err); traceErr != nil {
			m.logger.Warn(ctx, "Failed to trace generation", map[string]interface{}{
				"error": traceErr.Error(),
			})
		}
	}

	return response, err
}

// Name implements interfaces.LLM.Name
func (m *LLMMiddleware) Name() string {
	return m.llm.Name()
}
