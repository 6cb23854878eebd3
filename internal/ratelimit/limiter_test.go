package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedhub/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTryAcquireNeverExceedsBudget(t *testing.T) {
	clock := newClock()
	l := New(Config{Window: time.Minute, DefaultBudget: 10}, WithClock(clock.Now))

	granted := 0
	for i := 0; i < 20; i++ {
		if l.TryAcquire("binance:default", "/api/v3/klines", 3) {
			granted += 3
		}
		clock.Advance(time.Second)
	}
	assert.Equal(t, 9, granted)

	st, ok := l.State("binance:default", "/api/v3/klines")
	require.True(t, ok)
	assert.Equal(t, 9, st.RequestsCount)
	assert.True(t, st.IsRateLimited)
	require.NotNil(t, st.RetryAfter)
}

func TestRetryAfterIsNowPlusWindow(t *testing.T) {
	clock := newClock()
	l := New(Config{Window: time.Minute, DefaultBudget: 2}, WithClock(clock.Now))

	require.True(t, l.TryAcquire("a", "/x", 2))
	clock.Advance(10 * time.Second)
	refusedAt := clock.Now()
	require.False(t, l.TryAcquire("a", "/x", 1))

	st, _ := l.State("a", "/x")
	assert.Equal(t, refusedAt.Add(time.Minute), *st.RetryAfter)

	// the window expires before retry_after; the next call starts a new window
	clock.Advance(55 * time.Second)
	require.True(t, l.TryAcquire("a", "/x", 1))
	st, _ = l.State("a", "/x")
	assert.Equal(t, 1, st.RequestsCount)
	assert.Equal(t, clock.Now(), st.WindowStart)
	assert.False(t, st.IsRateLimited)
	assert.Nil(t, st.RetryAfter)
}

func TestRefusalDoesNotBlockWeightThatFits(t *testing.T) {
	clock := newClock()
	l := New(Config{Window: time.Minute, DefaultBudget: 10}, WithClock(clock.Now))

	require.True(t, l.TryAcquire("a", "/x", 8))
	require.False(t, l.TryAcquire("a", "/x", 5))
	assert.True(t, l.TryAcquire("a", "/x", 2))

	st, _ := l.State("a", "/x")
	assert.Equal(t, 10, st.RequestsCount)
	assert.False(t, st.IsRateLimited)
}

func TestFullWindowResetsAfterExpiry(t *testing.T) {
	clock := newClock()
	l := New(Config{Window: time.Minute, DefaultBudget: 10}, WithClock(clock.Now))

	require.True(t, l.TryAcquire("a", "/x", 10))
	clock.Advance(50 * time.Second)
	require.False(t, l.TryAcquire("a", "/x", 1))
	clock.Advance(11 * time.Second)
	require.True(t, l.TryAcquire("a", "/x", 1))

	st, _ := l.State("a", "/x")
	assert.Equal(t, 1, st.RequestsCount)
	assert.Equal(t, clock.Now(), st.WindowStart)
}

func TestPenaltyOutlivesWindow(t *testing.T) {
	clock := newClock()
	l := New(Config{Window: time.Minute, DefaultBudget: 10}, WithClock(clock.Now))

	require.True(t, l.TryAcquire("a", "/x", 1))
	l.Penalize("a", "/x", clock.Now().Add(2*time.Minute))
	l.Penalize("a", "/x", clock.Now().Add(time.Second))

	clock.Advance(90 * time.Second)
	assert.False(t, l.TryAcquire("a", "/x", 1), "window expired but the venue penalty holds")
	st, _ := l.State("a", "/x")
	assert.True(t, st.Penalized)

	clock.Advance(31 * time.Second)
	require.True(t, l.TryAcquire("a", "/x", 1))
	st, _ = l.State("a", "/x")
	assert.False(t, st.Penalized)
	assert.Equal(t, 1, st.RequestsCount)
}

func TestWindowResetStartsFromNewWeight(t *testing.T) {
	clock := newClock()
	l := New(Config{Window: time.Minute, DefaultBudget: 5}, WithClock(clock.Now))

	require.True(t, l.TryAcquire("a", "/x", 4))
	clock.Advance(time.Minute)
	require.True(t, l.TryAcquire("a", "/x", 2))

	st, _ := l.State("a", "/x")
	assert.Equal(t, 2, st.RequestsCount)
	assert.Equal(t, clock.Now(), st.WindowStart)
	assert.False(t, st.IsRateLimited)
}

func TestBudgetsAreIsolatedPerKey(t *testing.T) {
	l := New(Config{DefaultBudget: 1, Budgets: map[string]int{"/heavy": 3}})
	assert.True(t, l.TryAcquire("a", "/x", 1))
	assert.True(t, l.TryAcquire("b", "/x", 1))
	assert.False(t, l.TryAcquire("a", "/x", 1))
	assert.True(t, l.TryAcquire("a", "/heavy", 3))
	assert.Equal(t, 3, l.Budget("/heavy"))

	l.SetBudget("/x", 6000)
	assert.Equal(t, 6000, l.Budget("/x"))
	assert.Len(t, l.States(), 3)
}

func TestWaitBlocksUntilRetryAfter(t *testing.T) {
	l := New(Config{Window: 40 * time.Millisecond, DefaultBudget: 1})
	require.True(t, l.TryAcquire("a", "/x", 1))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "a", "/x", 1))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitHonoursContextAndOversizedWeight(t *testing.T) {
	l := New(Config{Window: time.Hour, DefaultBudget: 1})
	require.True(t, l.TryAcquire("a", "/x", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "a", "/x", 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var rle *market.RateLimitExceededError
	err = l.Wait(context.Background(), "a", "/x", 2)
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "/x", rle.Endpoint)
}

func TestRestoreAndPenalize(t *testing.T) {
	clock := newClock()
	now := clock.Now()
	retry := now.Add(30 * time.Second)
	l := New(Config{Window: time.Minute, DefaultBudget: 10}, WithClock(clock.Now))

	n := l.Restore([]market.RateLimitState{
		{Account: "a", Endpoint: "/live", WindowStart: now.Add(-10 * time.Second), RequestsCount: 9},
		{Account: "a", Endpoint: "/expired", WindowStart: now.Add(-2 * time.Minute), RequestsCount: 9},
		{Account: "a", Endpoint: "/penalized", WindowStart: now.Add(-5 * time.Minute), IsRateLimited: true, Penalized: true, RetryAfter: &retry},
		{Account: "a", Endpoint: "/refused", WindowStart: now.Add(-90 * time.Second), RequestsCount: 10, IsRateLimited: true, RetryAfter: &retry},
	})
	assert.Equal(t, 2, n)
	assert.True(t, l.TryAcquire("a", "/refused", 1), "expired budget refusal is not restored")
	assert.False(t, l.TryAcquire("a", "/live", 2))
	assert.False(t, l.TryAcquire("a", "/penalized", 1))

	var changes []market.RateLimitState
	l2 := New(Config{}, WithClock(clock.Now), WithOnChange(func(st market.RateLimitState) { changes = append(changes, st) }))
	l2.Penalize("a", "/x", now.Add(time.Second))
	assert.False(t, l2.TryAcquire("a", "/x", 1))
	clock.Advance(2 * time.Second)
	assert.True(t, l2.TryAcquire("a", "/x", 1))
	require.Len(t, changes, 2)
	assert.True(t, changes[0].IsRateLimited)
	assert.False(t, changes[1].IsRateLimited)
}
