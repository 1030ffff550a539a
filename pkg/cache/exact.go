package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
)

// ExactLRU is the fingerprint-keyed verdict tier with least-recently-used
// eviction. Get mutates recency, so every operation takes the full lock.
type ExactLRU struct {
	maxSize int
	items   map[fingerprint.Fingerprint]*list.Element
	lruList *list.List
	onEvict func()
	mu      sync.Mutex
}

type exactEntry struct {
	key       fingerprint.Fingerprint
	verdict   detection.Verdict
	createdAt time.Time
}

// NewExactLRU creates an exact tier holding at most maxSize verdicts. A
// non-positive size disables the tier.
func NewExactLRU(maxSize int, onEvict func()) *ExactLRU {
	return &ExactLRU{
		maxSize: maxSize,
		items:   make(map[fingerprint.Fingerprint]*list.Element),
		lruList: list.New(),
		onEvict: onEvict,
	}
}

// Get returns the verdict for key and marks it most recently used
func (c *ExactLRU) Get(key fingerprint.Fingerprint) (detection.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return detection.Verdict{}, false
	}
	c.lruList.MoveToFront(element)
	return element.Value.(*exactEntry).verdict.Clone(), true
}

// Put stores verdict under key, evicting the least recently used entry when
// the tier is full.
func (c *ExactLRU) Put(key fingerprint.Fingerprint, verdict detection.Verdict) {
	if c.maxSize <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		entry := element.Value.(*exactEntry)
		entry.verdict = verdict.Clone()
		entry.createdAt = time.Now()
		c.lruList.MoveToFront(element)
		return
	}

	c.items[key] = c.lruList.PushFront(&exactEntry{
		key:       key,
		verdict:   verdict.Clone(),
		createdAt: time.Now(),
	})

	for len(c.items) > c.maxSize {
		c.evictOldest()
	}
}

func (c *ExactLRU) evictOldest() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*exactEntry)
	delete(c.items, entry.key)
	c.lruList.Remove(oldest)
	if c.onEvict != nil {
		c.onEvict()
	}
}

// Len returns the number of cached verdicts
func (c *ExactLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
