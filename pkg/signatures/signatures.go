// Package signatures holds the set of known attack fingerprints. Membership is
// answered by an in-process bloom filter first; positives are confirmed
// against the exact set, which is persisted in Redis when a client is
// configured so every replica shares the same feed.
package signatures

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/willf/bloom"

	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/logging"
)

const (
	defaultCapacity  = 100000
	defaultFalseRate = 0.01
	defaultRedisKey  = "llmguard:signatures"
)

// Result of a membership check
type Result string

const (
	// ResultNegative means the bloom filter ruled the fingerprint out
	ResultNegative Result = "negative"
	// ResultFalsePositive means the bloom filter matched but the exact set did not
	ResultFalsePositive Result = "false_positive"
	// ResultConfirmed means the fingerprint is a known attack
	ResultConfirmed Result = "confirmed"
)

// Set is a concurrency-safe known-attack signature set
type Set struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	exact    map[fingerprint.Fingerprint]struct{}
	capacity uint
	falseFP  float64
	client   *redis.Client
	key      string
	logger   logging.Logger
}

// Option configures a Set
type Option func(*Set)

// WithCapacity sizes the bloom filter for n expected signatures at false
// positive rate fp
func WithCapacity(n uint, fp float64) Option {
	return func(s *Set) {
		s.capacity = n
		s.falseFP = fp
	}
}

// WithRedis persists the exact set in a Redis SET under key
func WithRedis(client *redis.Client, key string) Option {
	return func(s *Set) {
		s.client = client
		if key != "" {
			s.key = key
		}
	}
}

// WithLogger sets the logger for the set
func WithLogger(logger logging.Logger) Option {
	return func(s *Set) {
		s.logger = logger
	}
}

// New creates an empty signature set
func New(options ...Option) *Set {
	s := &Set{
		exact:    make(map[fingerprint.Fingerprint]struct{}),
		capacity: defaultCapacity,
		falseFP:  defaultFalseRate,
		key:      defaultRedisKey,
		logger:   logging.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	s.filter = bloom.NewWithEstimates(s.capacity, s.falseFP)
	return s
}

// Add registers the given attack texts. Texts are fingerprinted, so the set
// never stores raw attack content.
func (s *Set) Add(ctx context.Context, texts ...string) (int, error) {
	fps := make([]fingerprint.Fingerprint, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		fps = append(fps, fingerprint.Of(text))
	}
	return s.AddFingerprints(ctx, fps...)
}

// AddFingerprints registers precomputed fingerprints
func (s *Set) AddFingerprints(ctx context.Context, fps ...fingerprint.Fingerprint) (int, error) {
	if len(fps) == 0 {
		return 0, nil
	}

	if s.client != nil {
		members := make([]interface{}, len(fps))
		for i, fp := range fps {
			members[i] = string(fp)
		}
		if err := s.client.SAdd(ctx, s.key, members...).Err(); err != nil {
			return 0, fmt.Errorf("failed to store signatures: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, fp := range fps {
		if _, ok := s.exact[fp]; ok {
			continue
		}
		s.exact[fp] = struct{}{}
		s.filter.AddString(string(fp))
		added++
	}
	return added, nil
}

// Load replaces the local set with the members stored in Redis
func (s *Set) Load(ctx context.Context) (int, error) {
	if s.client == nil {
		return 0, fmt.Errorf("failed to load signatures: no redis client configured")
	}

	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to load signatures: %w", err)
	}

	exact := make(map[fingerprint.Fingerprint]struct{}, len(members))
	filter := bloom.NewWithEstimates(s.capacity, s.falseFP)
	for _, member := range members {
		fp := fingerprint.Fingerprint(member)
		exact[fp] = struct{}{}
		filter.AddString(member)
	}

	s.mu.Lock()
	s.exact = exact
	s.filter = filter
	s.mu.Unlock()

	s.logger.Info(ctx, "Loaded attack signatures", map[string]interface{}{
		"count": len(members),
		"key":   s.key,
	})
	return len(members), nil
}

// Check looks up fp
func (s *Set) Check(fp fingerprint.Fingerprint) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.filter.TestString(string(fp)) {
		return ResultNegative
	}
	if _, ok := s.exact[fp]; ok {
		return ResultConfirmed
	}
	return ResultFalsePositive
}

// Contains reports whether text is a known attack
func (s *Set) Contains(text string) bool {
	return s.Check(fingerprint.Of(text)) == ResultConfirmed
}

// Len returns the number of known signatures
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exact)
}

// ReadFeed parses a signature feed: one attack text per line, blank lines and
// lines starting with # are skipped.
func ReadFeed(r io.Reader) ([]string, error) {
	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		texts = append(texts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read signature feed: %w", err)
	}
	return texts, nil
}
