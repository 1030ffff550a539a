package cache

import (
	"sync"
	"time"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/embedding"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a semantic hit
const DefaultSimilarityThreshold = 0.95

// SemanticFIFO holds (vector, verdict) pairs and answers nearest-neighbour
// lookups by linear cosine scan. Eviction is first-in-first-out.
type SemanticFIFO struct {
	maxSize   int
	threshold float64
	entries   []semanticEntry
	seq       uint64
	onEvict   func()
	mu        sync.RWMutex
}

type semanticEntry struct {
	vector    []float32
	verdict   detection.Verdict
	createdAt time.Time
	seq       uint64
}

// NewSemanticFIFO creates a semantic tier. A non-positive size disables it; a
// non-positive threshold falls back to DefaultSimilarityThreshold.
func NewSemanticFIFO(maxSize int, threshold float64, onEvict func()) *SemanticFIFO {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	capacity := maxSize
	if capacity < 0 {
		capacity = 0
	}
	return &SemanticFIFO{
		maxSize:   maxSize,
		threshold: threshold,
		entries:   make([]semanticEntry, 0, capacity),
		onEvict:   onEvict,
	}
}

// Threshold returns the similarity required for a hit
func (c *SemanticFIFO) Threshold() float64 {
	return c.threshold
}

// Get returns the verdict of the most similar stored vector when its
// similarity reaches the threshold. Ties go to the most recent insertion.
func (c *SemanticFIFO) Get(vector []float32) (detection.Verdict, float64, bool) {
	if len(vector) == 0 {
		return detection.Verdict{}, 0, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	best := -1
	bestSim := 0.0
	for i := range c.entries {
		entry := &c.entries[i]
		if len(entry.vector) != len(vector) {
			continue
		}
		sim := embedding.CosineSimilarity(vector, entry.vector)
		if sim < c.threshold {
			continue
		}
		if best == -1 || sim > bestSim || (sim == bestSim && entry.seq > c.entries[best].seq) {
			best = i
			bestSim = sim
		}
	}

	if best == -1 {
		return detection.Verdict{}, 0, false
	}
	return c.entries[best].verdict.Clone(), bestSim, true
}

// Put appends a pair, evicting the oldest when the tier is full
func (c *SemanticFIFO) Put(vector []float32, verdict detection.Verdict) {
	if c.maxSize <= 0 || len(vector) == 0 {
		return
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) >= c.maxSize {
		c.entries[0] = semanticEntry{}
		c.entries = c.entries[1:]
		if c.onEvict != nil {
			c.onEvict()
		}
	}

	c.seq++
	c.entries = append(c.entries, semanticEntry{
		vector:    stored,
		verdict:   verdict.Clone(),
		createdAt: time.Now(),
		seq:       c.seq,
	})
}

// Len returns the number of stored pairs
func (c *SemanticFIFO) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
