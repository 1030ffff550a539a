package detection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/metrics"
)

const (
	// DefaultCutoff is the per-layer severity at which a signal is a threat
	DefaultCutoff = 5
	// DefaultHighSeverity is the baseline severity that short-circuits fusion
	DefaultHighSeverity = SeverityHigh
	// DefaultCombinedCutoff is the weighted mean severity that marks a threat
	DefaultCombinedCutoff = 6.0
	// DefaultLayerTimeout bounds each layer call
	DefaultLayerTimeout = 2 * time.Second
)

type configuredLayer struct {
	layer  Layer
	cutoff int
	weight float64
}

// Engine fuses the signals of several detector layers into one verdict.
// The baseline runs first and alone; the other layers run concurrently;
// the escalation layer runs only when the others disagree.
type Engine struct {
	baseline       *configuredLayer
	layers         []configuredLayer
	escalation     *configuredLayer
	highSeverity   int
	combinedCutoff float64
	layerTimeout   time.Duration
	logger         logging.Logger
	metrics        *metrics.Metrics
	tracer         interfaces.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithBaseline sets the cheap layer evaluated before every other
func WithBaseline(layer Layer) Option {
	return func(e *Engine) {
		cutoff := DefaultCutoff
		if e.baseline != nil {
			cutoff = e.baseline.cutoff
		}
		e.baseline = &configuredLayer{layer: layer, cutoff: cutoff, weight: 1}
	}
}

// WithBaselineCutoff sets the baseline's own threat cutoff. Apply after
// WithBaseline.
func WithBaselineCutoff(cutoff int) Option {
	return func(e *Engine) {
		if e.baseline != nil {
			e.baseline.cutoff = cutoff
		}
	}
}

// WithLayer appends a layer. Declaration order is the priority order used to
// break threat type ties.
func WithLayer(layer Layer, cutoff int, weight float64) Option {
	return func(e *Engine) {
		if weight <= 0 {
			weight = 1
		}
		e.layers = append(e.layers, configuredLayer{layer: layer, cutoff: cutoff, weight: weight})
	}
}

// WithEscalation sets the layer consulted when the other layers disagree
func WithEscalation(layer Layer, cutoff int) Option {
	return func(e *Engine) {
		e.escalation = &configuredLayer{layer: layer, cutoff: cutoff, weight: 1}
	}
}

// WithHighSeverity sets the baseline fail-fast severity
func WithHighSeverity(severity int) Option {
	return func(e *Engine) {
		e.highSeverity = severity
	}
}

// WithCombinedCutoff sets the weighted mean severity that marks a threat
func WithCombinedCutoff(cutoff float64) Option {
	return func(e *Engine) {
		e.combinedCutoff = cutoff
	}
}

// WithLayerTimeout bounds every layer call
func WithLayerTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.layerTimeout = timeout
	}
}

// WithLogger sets the logger for the engine
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the engine
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer traces every layer call
func WithTracer(tracer interfaces.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// NewEngine creates a fusion engine
func NewEngine(options ...Option) *Engine {
	e := &Engine{
		highSeverity:   DefaultHighSeverity,
		combinedCutoff: DefaultCombinedCutoff,
		layerTimeout:   DefaultLayerTimeout,
		logger:         logging.NewNop(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Layers returns the configured layer names in evaluation order
func (e *Engine) Layers() []string {
	var names []string
	if e.baseline != nil {
		names = append(names, e.baseline.layer.Name())
	}
	for _, l := range e.layers {
		names = append(names, l.layer.Name())
	}
	if e.escalation != nil {
		names = append(names, e.escalation.layer.Name())
	}
	return names
}

// Evaluate produces the fused verdict for text
func (e *Engine) Evaluate(ctx context.Context, text string) (Verdict, error) {
	var signals []Signal
	var weights []float64

	if e.baseline != nil {
		if sig, ok := e.run(ctx, e.baseline, text); ok {
			if sig.Severity >= e.highSeverity && sig.Label != ThreatNone {
				e.metrics.FailFastDecision()
				return e.finish(ctx, Verdict{
					IsThreat:   true,
					ThreatType: sig.Label,
					Confidence: sig.RawScore,
					Reasoning:  reasoning([]Signal{sig}),
					Signals:    []Signal{sig},
				}), nil
			}
			signals = append(signals, sig)
			weights = append(weights, e.baseline.weight)
		}
	}

	type outcome struct {
		signal Signal
		ok     bool
	}
	outcomes := make([]outcome, len(e.layers))

	var g errgroup.Group
	for i := range e.layers {
		i := i
		g.Go(func() error {
			sig, ok := e.run(ctx, &e.layers[i], text)
			outcomes[i] = outcome{signal: sig, ok: ok}
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		if o.ok {
			signals = append(signals, o.signal)
			weights = append(weights, e.layers[i].weight)
		}
	}

	if len(signals) == 0 {
		e.logger.Warn(ctx, "Every detector layer abstained", map[string]interface{}{
			"layers": e.Layers(),
		})
		return Verdict{}, ErrDetectionUnavailable
	}

	if e.escalation != nil && disagree(signals) {
		e.metrics.Escalation()
		if sig, ok := e.run(ctx, e.escalation, text); ok {
			return e.finish(ctx, escalated(signals, sig)), nil
		}
	}

	return e.finish(ctx, e.resolve(signals, weights)), nil
}

// run calls one layer under its own deadline. A layer that does not honour
// its context is abandoned when the deadline passes.
func (e *Engine) run(ctx context.Context, l *configuredLayer, text string) (Signal, bool) {
	name := l.layer.Name()
	if e.layerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.layerTimeout)
		defer cancel()
	}

	var span interfaces.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartSpan(ctx, "detection."+name)
		defer span.End()
	}

	type result struct {
		signal Signal
		err    error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("layer panicked: %v", r)}
			}
		}()
		sig, err := l.layer.Evaluate(ctx, text)
		done <- result{signal: sig, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	e.metrics.ObserveLayer(name, time.Since(start), res.err)
	if res.err != nil {
		e.logger.Warn(ctx, "Detector layer abstained", map[string]interface{}{
			"layer": name,
			"error": res.err.Error(),
		})
		if span != nil {
			span.RecordError(res.err)
		}
		return Signal{}, false
	}

	sig := res.signal
	sig.Source = name
	sig.Severity = clampSeverity(sig.Severity)
	sig.RawScore = clamp01(sig.RawScore)
	if sig.Label == "" {
		sig.Label = ThreatNone
	}
	sig.IsThreat = sig.Label != ThreatNone && sig.Severity >= l.cutoff

	if span != nil {
		span.SetAttribute("severity", sig.Severity)
		span.SetAttribute("label", string(sig.Label))
		span.SetAttribute("is_threat", sig.IsThreat)
	}
	return sig, true
}

// resolve applies the rule-based fusion: any layer over its cutoff, or the
// weighted mean severity over the combined cutoff, makes a threat
func (e *Engine) resolve(signals []Signal, weights []float64) Verdict {
	var contributing []Signal
	var sum, total float64
	for i, s := range signals {
		sum += weights[i] * float64(s.Severity)
		total += weights[i]
		if s.IsThreat {
			contributing = append(contributing, s)
		}
	}

	if len(contributing) == 0 && total > 0 && sum/total >= e.combinedCutoff {
		for _, s := range signals {
			if s.Label != ThreatNone && s.Severity > SeverityNone {
				contributing = append(contributing, s)
			}
		}
	}

	v := Verdict{
		Reasoning: reasoning(signals),
		Signals:   signals,
	}

	if len(contributing) == 0 {
		v.ThreatType = ThreatNone
		for _, s := range signals {
			if c := 1 - s.RawScore; c > v.Confidence {
				v.Confidence = c
			}
		}
		return v
	}

	v.IsThreat = true
	v.ThreatType = strongest(contributing).Label
	for _, s := range contributing {
		if s.RawScore > v.Confidence {
			v.Confidence = s.RawScore
		}
	}
	return v
}

func escalated(signals []Signal, esc Signal) Verdict {
	all := make([]Signal, 0, len(signals)+1)
	all = append(all, signals...)
	all = append(all, esc)

	v := Verdict{
		IsThreat:  esc.IsThreat,
		Reasoning: reasoning(all),
		Signals:   all,
	}
	if !esc.IsThreat {
		v.ThreatType = ThreatNone
		v.Confidence = 1 - esc.RawScore
		return v
	}

	// IsThreat implies a label
	v.ThreatType = esc.Label
	v.Confidence = esc.RawScore
	return v
}

func (e *Engine) finish(ctx context.Context, v Verdict) Verdict {
	e.metrics.Verdict(string(v.ThreatType), v.IsThreat)
	e.logger.Debug(ctx, "Detection verdict", map[string]interface{}{
		"is_threat":   v.IsThreat,
		"threat_type": string(v.ThreatType),
		"confidence":  v.Confidence,
		"signals":     len(v.Signals),
	})
	return v
}

// disagree reports whether the signals reach different conclusions
func disagree(signals []Signal) bool {
	for _, s := range signals[1:] {
		if s.IsThreat != signals[0].IsThreat {
			return true
		}
	}
	return false
}

// strongest returns the highest-severity signal; ties go to the earliest
func strongest(signals []Signal) Signal {
	best := signals[0]
	for _, s := range signals[1:] {
		if s.Severity > best.Severity {
			best = s
		}
	}
	return best
}

func reasoning(signals []Signal) string {
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		if s.Rationale == "" {
			parts = append(parts, s.Source)
			continue
		}
		parts = append(parts, s.Source+": "+s.Rationale)
	}
	return strings.Join(parts, "; ")
}
