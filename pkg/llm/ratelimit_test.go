package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(qps, qpm float64, secondSpan, minuteSpan time.Duration) *RateLimiter {
	r := NewRateLimiter(qps, qpm)
	r.secondSpan = secondSpan
	r.minuteSpan = minuteSpan
	return r
}

func TestAcquireUnderLimitDoesNotBlock(t *testing.T) {
	r := NewRateLimiter(10, 100)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, 5, stats.QPSCurrent)
	assert.Equal(t, 5, stats.QPMCurrent)
	assert.Equal(t, 5, stats.QPSAvailable)
	assert.Equal(t, 95, stats.QPMAvailable)
}

func TestAcquireBlocksUntilWindowFrees(t *testing.T) {
	r := newTestLimiter(1, 100, 50*time.Millisecond, time.Minute)

	require.NoError(t, r.Acquire(context.Background()))

	start := time.Now()
	require.NoError(t, r.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireRespectsQPMWindow(t *testing.T) {
	r := newTestLimiter(100, 2, time.Second, 60*time.Millisecond)

	require.NoError(t, r.Acquire(context.Background()))
	require.NoError(t, r.Acquire(context.Background()))

	start := time.Now()
	require.NoError(t, r.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireZeroBudgetBlocksForever(t *testing.T) {
	// A zero QPS budget admits nothing; Acquire only returns when the
	// context ends.
	r := NewRateLimiter(0, 60)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0, r.Stats().QPSCurrent)
}

func TestAcquireZeroQPMBlocksForever(t *testing.T) {
	r := NewRateLimiter(10, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Acquire(ctx), context.DeadlineExceeded)
}

func TestAcquireCancelledContext(t *testing.T) {
	r := NewRateLimiter(1, 60)
	require.NoError(t, r.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatsEvictsExpiredEntries(t *testing.T) {
	r := newTestLimiter(5, 10, 20*time.Millisecond, 40*time.Millisecond)

	require.NoError(t, r.Acquire(context.Background()))
	require.NoError(t, r.Acquire(context.Background()))
	assert.Equal(t, 2, r.Stats().QPSCurrent)

	time.Sleep(50 * time.Millisecond)
	stats := r.Stats()
	assert.Equal(t, 0, stats.QPSCurrent)
	assert.Equal(t, 0, stats.QPMCurrent)
}
