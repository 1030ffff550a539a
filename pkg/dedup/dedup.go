// Package dedup collapses concurrent identical requests into a single
// in-flight computation.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/logging"
)

// ErrPanic is returned to every waiter when the computation panics
var ErrPanic = errors.New("dedup: computation panicked")

// call is the pending request for one fingerprint. Only the goroutine started
// by DoKey writes val and err; waiters read them after done is closed.
type call[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
}

// Group runs at most one computation per key at a time
type Group[T any] struct {
	mu       sync.Mutex
	calls    map[fingerprint.Fingerprint]*call[T]
	logger   logging.Logger
	onShared func()
}

// Option configures a Group
type Option func(*options)

type options struct {
	logger   logging.Logger
	onShared func()
}

// WithLogger sets the logger for the group
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSharedHook registers a callback invoked whenever a caller attaches to
// an existing computation instead of starting one.
func WithSharedHook(fn func()) Option {
	return func(o *options) {
		o.onShared = fn
	}
}

// New creates a new Group
func New[T any](opts ...Option) *Group[T] {
	o := &options{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return &Group[T]{
		calls:    make(map[fingerprint.Fingerprint]*call[T]),
		logger:   o.logger,
		onShared: o.onShared,
	}
}

// Do runs fn keyed by the fingerprint of text. The returned bool reports
// whether the result came from a computation started by another caller.
func (g *Group[T]) Do(ctx context.Context, text string, fn func(context.Context) (T, error)) (T, bool, error) {
	return g.DoKey(ctx, fingerprint.Of(text), fn)
}

// DoKey is Do with an explicit key.
//
// fn runs on a context detached from the caller's cancellation so that one
// waiter giving up never fails the others. A caller whose ctx ends returns
// ctx.Err() while the computation keeps running for everyone else.
func (g *Group[T]) DoKey(ctx context.Context, key fingerprint.Fingerprint, fn func(context.Context) (T, error)) (T, bool, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()

		if g.onShared != nil {
			g.onShared()
		}
		g.logger.Debug(ctx, "Attached to in-flight computation", map[string]interface{}{
			"fingerprint": key.Short(),
		})
		return g.wait(ctx, c, true)
	}

	c := &call[T]{done: make(chan struct{}), waiters: 1}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), key, c, fn)

	return g.wait(ctx, c, false)
}

func (g *Group[T]) run(ctx context.Context, key fingerprint.Fingerprint, c *call[T], fn func(context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			c.val = zero
			c.err = fmt.Errorf("%w: %v", ErrPanic, r)
			g.logger.Error(ctx, "Deduplicated computation panicked", map[string]interface{}{
				"fingerprint": key.Short(),
				"panic":       fmt.Sprint(r),
			})
		}

		// Remove before waking waiters so a caller arriving after completion
		// starts a fresh computation rather than reading a finished one.
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()

		close(c.done)
	}()

	c.val, c.err = fn(ctx)
}

func (g *Group[T]) wait(ctx context.Context, c *call[T], shared bool) (T, bool, error) {
	defer g.release(c)

	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		var zero T
		return zero, shared, ctx.Err()
	}
}

func (g *Group[T]) release(c *call[T]) {
	g.mu.Lock()
	c.waiters--
	g.mu.Unlock()
}

// InFlight returns the number of keys with a running computation
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Waiters returns how many callers are currently waiting on key
func (g *Group[T]) Waiters(key fingerprint.Fingerprint) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}
