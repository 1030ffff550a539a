// Package cache implements the tiered verdict cache: an exact LRU tier keyed
// by fingerprint, an optional Redis tier shared across replicas, and a
// semantic tier matching paraphrases by embedding similarity.
package cache

import (
	"context"
	"time"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/metrics"
)

// Tier names the tier that answered a lookup
type Tier string

const (
	TierNone     Tier = "none"
	TierExact    Tier = "exact"
	TierRemote   Tier = "remote"
	TierSemantic Tier = "semantic"
)

// Lookup is the outcome of a cache query. On a miss it carries the key and,
// when one was computed, the embedding, so Store never recomputes either.
type Lookup struct {
	Key        fingerprint.Fingerprint
	Vector     []float32
	Verdict    detection.Verdict
	Hit        bool
	Tier       Tier
	Similarity float64
}

// Tiered queries the exact, remote and semantic tiers in that order
type Tiered struct {
	exact        *ExactLRU
	semantic     *SemanticFIFO
	remote       *RedisStore
	embedder     interfaces.Embedder
	embedTimeout time.Duration
	logger       logging.Logger
	metrics      *metrics.Metrics
}

// Option configures a Tiered cache
type Option func(*tieredOptions)

type tieredOptions struct {
	exactSize    int
	semanticSize int
	threshold    float64
	remote       *RedisStore
	embedder     interfaces.Embedder
	embedTimeout time.Duration
	logger       logging.Logger
	metrics      *metrics.Metrics
}

// WithExactSize sets the capacity of the exact tier
func WithExactSize(size int) Option {
	return func(o *tieredOptions) {
		o.exactSize = size
	}
}

// WithSemantic sets the capacity and similarity threshold of the semantic tier
func WithSemantic(size int, threshold float64) Option {
	return func(o *tieredOptions) {
		o.semanticSize = size
		o.threshold = threshold
	}
}

// WithEmbedder enables the semantic tier
func WithEmbedder(embedder interfaces.Embedder) Option {
	return func(o *tieredOptions) {
		o.embedder = embedder
	}
}

// WithEmbedTimeout bounds each embedding call
func WithEmbedTimeout(timeout time.Duration) Option {
	return func(o *tieredOptions) {
		o.embedTimeout = timeout
	}
}

// WithRemote enables the Redis tier
func WithRemote(store *RedisStore) Option {
	return func(o *tieredOptions) {
		o.remote = store
	}
}

// WithLogger sets the logger for the cache
func WithLogger(logger logging.Logger) Option {
	return func(o *tieredOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the cache
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *tieredOptions) {
		o.metrics = m
	}
}

// NewTiered creates a new tiered cache
func NewTiered(options ...Option) *Tiered {
	o := &tieredOptions{
		exactSize:    10000,
		semanticSize: 1000,
		threshold:    DefaultSimilarityThreshold,
		embedTimeout: 2 * time.Second,
		logger:       logging.NewNop(),
	}
	for _, option := range options {
		option(o)
	}

	m := o.metrics
	return &Tiered{
		exact:        NewExactLRU(o.exactSize, func() { m.CacheEviction(string(TierExact)) }),
		semantic:     NewSemanticFIFO(o.semanticSize, o.threshold, func() { m.CacheEviction(string(TierSemantic)) }),
		remote:       o.remote,
		embedder:     o.embedder,
		embedTimeout: o.embedTimeout,
		logger:       o.logger,
		metrics:      m,
	}
}

// Lookup queries every tier for text
func (t *Tiered) Lookup(ctx context.Context, text string) Lookup {
	l := t.LookupExact(ctx, text)
	if l.Hit {
		return l
	}
	return t.LookupSemantic(ctx, text, l)
}

// LookupExact queries the exact and remote tiers. It never embeds, so a miss
// is cheap enough to run before requests are deduplicated.
func (t *Tiered) LookupExact(ctx context.Context, text string) Lookup {
	l := Lookup{Key: fingerprint.Of(text), Tier: TierNone}

	if verdict, ok := t.exact.Get(l.Key); ok {
		return t.hit(l, verdict, TierExact, 1)
	}

	if t.remote != nil {
		verdict, ok, err := t.remote.Get(ctx, l.Key)
		if err != nil {
			t.logger.Warn(ctx, "Remote cache lookup failed, treating as miss", map[string]interface{}{
				"error":       err.Error(),
				"fingerprint": l.Key.Short(),
			})
		} else if ok {
			t.exact.Put(l.Key, verdict)
			return t.hit(l, verdict, TierRemote, 1)
		}
	}
	return l
}

// LookupSemantic completes a LookupExact miss with the semantic tier. The
// embedding is kept on the returned Lookup for Store.
func (t *Tiered) LookupSemantic(ctx context.Context, text string, l Lookup) Lookup {
	if l.Hit {
		return l
	}
	if t.semanticEnabled() && l.Vector == nil {
		if vector, ok := t.embed(ctx, text, l.Key); ok {
			l.Vector = vector
			if verdict, sim, ok := t.semantic.Get(vector); ok {
				t.exact.Put(l.Key, verdict)
				return t.hit(l, verdict, TierSemantic, sim)
			}
		}
	}

	t.metrics.CacheMiss()
	return l
}

// Store records verdict for a lookup that missed
func (t *Tiered) Store(ctx context.Context, l Lookup, verdict detection.Verdict) {
	t.exact.Put(l.Key, verdict)

	if t.remote != nil {
		if err := t.remote.Put(ctx, l.Key, verdict); err != nil {
			t.logger.Warn(ctx, "Remote cache store failed", map[string]interface{}{
				"error":       err.Error(),
				"fingerprint": l.Key.Short(),
			})
		}
	}

	if l.Vector != nil {
		t.semantic.Put(l.Vector, verdict)
	}
}

// Get returns the cached verdict for text
func (t *Tiered) Get(ctx context.Context, text string) (detection.Verdict, bool) {
	l := t.Lookup(ctx, text)
	return l.Verdict, l.Hit
}

// Put caches verdict for text in every enabled tier
func (t *Tiered) Put(ctx context.Context, text string, verdict detection.Verdict) {
	l := Lookup{Key: fingerprint.Of(text), Tier: TierNone}
	if t.semanticEnabled() {
		if vector, ok := t.embed(ctx, text, l.Key); ok {
			l.Vector = vector
		}
	}
	t.Store(ctx, l, verdict)
}

// ExactLen returns the number of entries in the exact tier
func (t *Tiered) ExactLen() int {
	return t.exact.Len()
}

// SemanticLen returns the number of entries in the semantic tier
func (t *Tiered) SemanticLen() int {
	return t.semantic.Len()
}

func (t *Tiered) hit(l Lookup, verdict detection.Verdict, tier Tier, similarity float64) Lookup {
	l.Verdict = verdict
	l.Hit = true
	l.Tier = tier
	l.Similarity = similarity
	t.metrics.CacheHit(string(tier))
	return l
}

func (t *Tiered) semanticEnabled() bool {
	return t.embedder != nil && t.semantic.maxSize > 0
}

// embed degrades every failure to a miss
func (t *Tiered) embed(ctx context.Context, text string, key fingerprint.Fingerprint) ([]float32, bool) {
	embedCtx := ctx
	if t.embedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, t.embedTimeout)
		defer cancel()
	}

	vector, err := t.embedder.Embed(embedCtx, text)
	if err != nil {
		t.metrics.EmbeddingFailure()
		t.logger.Warn(ctx, "Embedding failed, skipping semantic tier", map[string]interface{}{
			"error":       err.Error(),
			"fingerprint": key.Short(),
		})
		return nil, false
	}
	if len(vector) == 0 {
		return nil, false
	}
	return vector, true
}
