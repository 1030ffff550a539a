// Package guard answers detect(text): fingerprint, tiered cache lookup,
// deduplicated engine evaluation on a miss, then cache store.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/run-bigpig/llm-guard/pkg/cache"
	"github.com/run-bigpig/llm-guard/pkg/dedup"
	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/metrics"
)

// Evaluator produces a verdict for text
type Evaluator interface {
	Evaluate(ctx context.Context, text string) (detection.Verdict, error)
}

// Recorder receives every verdict the guard returns
type Recorder interface {
	RecordVerdict(ctx context.Context, guard string, fp fingerprint.Fingerprint, verdict detection.Verdict, cached bool)
}

// outcome is what concurrent callers of one fingerprint share
type outcome struct {
	verdict detection.Verdict
	cached  bool
}

// Guard is the detect entry point. It is safe for concurrent use.
type Guard struct {
	name      string
	evaluator Evaluator
	cache     *cache.Tiered
	group     *dedup.Group[outcome]
	logger    logging.Logger
	metrics   *metrics.Metrics
	recorder  Recorder
}

// Option configures a Guard
type Option func(*Guard)

// WithName labels the guard in logs and metrics
func WithName(name string) Option {
	return func(g *Guard) {
		g.name = name
	}
}

// WithCache enables the verdict cache
func WithCache(c *cache.Tiered) Option {
	return func(g *Guard) {
		g.cache = c
	}
}

// WithLogger sets the logger for the guard
func WithLogger(logger logging.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the guard
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithRecorder forwards verdicts to an observability backend
func WithRecorder(recorder Recorder) Option {
	return func(g *Guard) {
		g.recorder = recorder
	}
}

// New creates a guard over evaluator
func New(evaluator Evaluator, options ...Option) *Guard {
	g := &Guard{
		name:      "input",
		evaluator: evaluator,
		logger:    logging.NewNop(),
	}
	for _, option := range options {
		option(g)
	}

	m := g.metrics
	name := g.name
	g.group = dedup.New[outcome](
		dedup.WithLogger(g.logger),
		dedup.WithSharedHook(func() { m.Shared(name) }),
	)
	return g
}

// Name returns the guard label
func (g *Guard) Name() string {
	return g.name
}

// Detect returns the verdict for text. Concurrent calls for the same text
// share one semantic lookup and one evaluation; the result is cached only on
// success.
func (g *Guard) Detect(ctx context.Context, text string) (detection.Verdict, error) {
	var lookup cache.Lookup
	if g.cache != nil {
		lookup = g.cache.LookupExact(ctx, text)
		if lookup.Hit {
			g.cacheHit(ctx, lookup)
			g.record(ctx, lookup.Key, lookup.Verdict, true)
			return lookup.Verdict.Clone(), nil
		}
	} else {
		lookup.Key = fingerprint.Of(text)
	}

	res, _, err := g.group.DoKey(ctx, lookup.Key, func(ctx context.Context) (outcome, error) {
		l := lookup
		if g.cache != nil {
			l = g.cache.LookupSemantic(ctx, text, l)
			if l.Hit {
				g.cacheHit(ctx, l)
				return outcome{verdict: l.Verdict, cached: true}, nil
			}
		}

		v, err := g.evaluator.Evaluate(ctx, text)
		if err != nil {
			return outcome{}, err
		}
		if g.cache != nil {
			g.cache.Store(ctx, l, v)
		}
		return outcome{verdict: v}, nil
	})
	if err != nil {
		if !errors.Is(err, detection.ErrDetectionUnavailable) {
			err = fmt.Errorf("failed to evaluate text: %w", err)
		}
		return detection.Verdict{}, err
	}

	g.record(ctx, lookup.Key, res.verdict, res.cached)
	return res.verdict.Clone(), nil
}

func (g *Guard) cacheHit(ctx context.Context, l cache.Lookup) {
	g.logger.Debug(ctx, "Verdict cache hit", map[string]interface{}{
		"guard":       g.name,
		"tier":        string(l.Tier),
		"fingerprint": l.Key.Short(),
	})
}

func (g *Guard) record(ctx context.Context, fp fingerprint.Fingerprint, verdict detection.Verdict, cached bool) {
	if verdict.IsThreat {
		g.logger.Warn(ctx, "Threat detected", map[string]interface{}{
			"guard":       g.name,
			"threat_type": string(verdict.ThreatType),
			"confidence":  verdict.Confidence,
			"fingerprint": fp.Short(),
			"cached":      cached,
		})
	}
	if g.recorder != nil {
		g.recorder.RecordVerdict(ctx, g.name, fp, verdict, cached)
	}
}
