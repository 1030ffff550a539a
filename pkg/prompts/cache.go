package prompts

import (
	"context"
	"fmt"
	"sync"

	"github.com/run-bigpig/llm-guard/pkg/dedup"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
)

// PromptCache memoizes built prompts by the digest of their labeled sections
type PromptCache struct {
	mu         sync.RWMutex
	entries    map[fingerprint.Fingerprint]string
	order      []fingerprint.Fingerprint
	maxEntries int
	group      *dedup.Group[string]
}

// NewPromptCache creates a prompt cache. maxEntries <= 0 means unbounded.
func NewPromptCache(maxEntries int) *PromptCache {
	return &PromptCache{
		entries:    make(map[fingerprint.Fingerprint]string),
		maxEntries: maxEntries,
		group:      dedup.New[string](),
	}
}

// GetOrBuild returns the prompt cached for sections, invoking builder once per
// distinct layout. Builder errors are returned and not cached.
func (c *PromptCache) GetOrBuild(ctx context.Context, sections map[string]Section, builder func() (string, error)) (string, error) {
	key, err := fingerprint.OfSections(Digestible(sections))
	if err != nil {
		return "", fmt.Errorf("failed to digest prompt sections: %w", err)
	}

	c.mu.RLock()
	prompt, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return prompt, nil
	}

	prompt, _, err = c.group.DoKey(ctx, key, func(context.Context) (string, error) {
		c.mu.RLock()
		cached, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		built, err := builder()
		if err != nil {
			return "", err
		}
		c.store(key, built)
		return built, nil
	})
	return prompt, err
}

// Compose is GetOrBuild with the default section renderer
func (c *PromptCache) Compose(ctx context.Context, sections map[string]Section) (string, error) {
	return c.GetOrBuild(ctx, sections, func() (string, error) {
		return Compose(sections), nil
	})
}

// Len returns the number of cached prompts
func (c *PromptCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *PromptCache) store(key fingerprint.Fingerprint, prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	if c.maxEntries > 0 {
		for len(c.order) >= c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = prompt
	c.order = append(c.order, key)
}
