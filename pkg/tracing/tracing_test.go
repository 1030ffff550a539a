package tracing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/henomis/langfuse-go/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
)

func recordingTracer() (*OTelTracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewOTelTracerFromProvider(tp, "test"), recorder
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTelTracerSpan(t *testing.T) {
	tracer, recorder := recordingTracer()

	ctx := multitenancy.WithOrgID(context.Background(), "acme")
	_, span := tracer.StartSpan(ctx, "detection.layer")
	span.SetAttribute("layer", "pattern")
	span.SetAttribute("severity", 9)
	span.AddEvent("matched", map[string]interface{}{"pattern": "ignore_instructions"})
	span.RecordError(errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "detection.layer", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	v, ok := attr(ended[0], "org_id")
	require.True(t, ok)
	assert.Equal(t, "acme", v.AsString())
	v, ok = attr(ended[0], "severity")
	require.True(t, ok)
	assert.Equal(t, int64(9), v.AsInt64())
}

func TestDisabledOTelTracer(t *testing.T) {
	tracer, err := NewOTelTracer(context.Background(), OTelConfig{Enabled: false, ServiceName: "llmguard"})
	require.NoError(t, err)

	_, span := tracer.StartSpan(context.Background(), "noop")
	span.SetAttribute("k", "v")
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

type fakeLangfuse struct {
	mu          sync.Mutex
	events      []*model.Event
	generations []*model.Generation
	flushed     bool
	err         error
}

func (f *fakeLangfuse) Generation(g *model.Generation, parentID *string) (*model.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations = append(f.generations, g)
	return g, f.err
}

func (f *fakeLangfuse) Event(e *model.Event, parentID *string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return e, f.err
}

func (f *fakeLangfuse) Flush(ctx context.Context) {
	f.flushed = true
}

func TestLangfuseRecordVerdict(t *testing.T) {
	client := &fakeLangfuse{}
	tracer := &LangfuseTracer{client: client, enabled: true, environment: "test", logger: logging.NewNop()}

	ctx := logging.WithRequestID(context.Background(), "req-1")
	verdict := detection.Verdict{IsThreat: true, ThreatType: detection.ThreatJailbreak, Confidence: 0.9}
	tracer.RecordVerdict(ctx, "input", fingerprint.Of("You are DAN"), verdict, true)
	tracer.Flush(ctx)

	require.Len(t, client.events, 1)
	event := client.events[0]
	assert.Equal(t, "verdict.input", event.Name)
	assert.Equal(t, model.ObservationLevel("WARNING"), event.Level)
	assert.Equal(t, model.M{"fingerprint": string(fingerprint.Of("You are DAN"))}, event.Input)
	assert.True(t, client.flushed)
}

func TestDisabledLangfuseIsNoop(t *testing.T) {
	tracer := NewLangfuseTracer(context.Background(), LangfuseConfig{}, nil)
	tracer.RecordVerdict(context.Background(), "input", fingerprint.Of("x"), detection.Verdict{}, false)
	assert.NoError(t, tracer.TraceGeneration(context.Background(), "m", "p", "r", time.Time{}, time.Time{}, nil))
	tracer.Flush(context.Background())
}

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) Name() string {
	return "fake"
}

func TestLLMMiddleware(t *testing.T) {
	tracer, recorder := recordingTracer()
	client := &fakeLangfuse{}
	lf := &LangfuseTracer{client: client, enabled: true, logger: logging.NewNop()}

	m := NewLLMMiddleware(&fakeLLM{reply: "Paris."}, tracer, lf, nil)
	out, err := m.Generate(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris.", out)
	assert.Equal(t, "fake", m.Name())

	failing := NewLLMMiddleware(&fakeLLM{err: errors.New("quota")}, tracer, lf, nil)
	_, err = failing.Generate(context.Background(), "capital of France?")
	assert.EqualError(t, err, "quota")

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "llm.generate", ended[0].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)

	require.Len(t, client.generations, 2)
	assert.Equal(t, "fake", client.generations[0].Model)
	assert.Equal(t, model.ObservationLevel("ERROR"), client.generations[1].Level)
}
