package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
)

type outcome struct {
	val    string
	shared bool
	err    error
}

func TestDoCollapsesConcurrentCalls(t *testing.T) {
	const k = 8
	g := New[string]()

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "verdict", nil
	}

	var wg sync.WaitGroup
	results := make([]outcome, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, shared, err := g.Do(context.Background(), "What is the capital of France?", fn)
			results[i] = outcome{v, shared, err}
		}(i)
	}

	key := fingerprint.Of("What is the capital of France?")
	require.Eventually(t, func() bool { return g.Waiters(key) == k }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, g.InFlight())

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	sharedCount := 0
	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, "verdict", r.val)
		if r.shared {
			sharedCount++
		}
	}
	assert.Equal(t, k-1, sharedCount)
	assert.Equal(t, 0, g.InFlight())
}

func TestDoPropagatesFailureToAllWaiters(t *testing.T) {
	const k = 5
	g := New[string]()

	boom := errors.New("core unavailable")
	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "", boom
	}

	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "same text", fn)
		}(i)
	}

	key := fingerprint.Of("same text")
	require.Eventually(t, func() bool { return g.Waiters(key) == k }, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	// No automatic retry: the next call starts a fresh computation.
	v, shared, err := g.Do(context.Background(), "same text", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoRecoversPanic(t *testing.T) {
	g := New[int]()

	_, _, err := g.Do(context.Background(), "panics", func(ctx context.Context) (int, error) {
		panic("layer exploded")
	})
	assert.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "layer exploded")
	assert.Equal(t, 0, g.InFlight())
}

func TestWaiterCancellationDoesNotAffectOthers(t *testing.T) {
	var shared int32
	g := New[string](WithSharedHook(func() { atomic.AddInt32(&shared, 1) }))

	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		<-release
		// The computation context is detached from the first caller.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "done", nil
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ownerCtx, "slow", fn)
		ownerErr <- err
	}()

	key := fingerprint.Of("slow")
	require.Eventually(t, func() bool { return g.Waiters(key) == 1 }, 2*time.Second, time.Millisecond)

	otherResult := make(chan outcome, 1)
	go func() {
		v, s, err := g.Do(context.Background(), "slow", fn)
		otherResult <- outcome{v, s, err}
	}()
	require.Eventually(t, func() bool { return g.Waiters(key) == 2 }, 2*time.Second, time.Millisecond)

	cancelOwner()
	assert.ErrorIs(t, <-ownerErr, context.Canceled)

	close(release)
	r := <-otherResult
	require.NoError(t, r.err)
	assert.Equal(t, "done", r.val)
	assert.True(t, r.shared)
	assert.Equal(t, int32(1), atomic.LoadInt32(&shared))
}

func TestDifferentKeysRunIndependently(t *testing.T) {
	g := New[string]()

	a, _, err := g.Do(context.Background(), "a", func(ctx context.Context) (string, error) { return "A", nil })
	require.NoError(t, err)
	b, _, err := g.Do(context.Background(), "b", func(ctx context.Context) (string, error) { return "B", nil })
	require.NoError(t, err)

	assert.Equal(t, "A", a)
	assert.Equal(t, "B", b)
}
