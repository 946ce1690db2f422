package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptsCeiling(t *testing.T) {
	a := NewAttempts(2)
	assert.True(t, a.TryConsume())
	assert.True(t, a.TryConsume())
	assert.False(t, a.TryConsume())
	assert.Equal(t, 2, a.Used())
	assert.True(t, a.Exhausted())
	assert.Equal(t, "2/2", a.String())
}

func TestAttemptsUnlimited(t *testing.T) {
	a := NewAttempts(0)
	for i := 0; i < 100; i++ {
		require.True(t, a.TryConsume())
	}
	assert.Equal(t, -1, a.Remaining())
	assert.False(t, a.Exhausted())
}

func TestAttemptsConcurrentConsumers(t *testing.T) {
	a := NewAttempts(10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.TryConsume() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
}

func TestWindowExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	w := NewWindow(10*time.Minute, clock)
	assert.False(t, w.Expired())

	now = now.Add(10 * time.Minute)
	assert.True(t, w.Expired())
	assert.Equal(t, 10*time.Minute, w.Elapsed())

	unbounded := NewWindow(0, clock)
	now = now.Add(1000 * time.Hour)
	assert.False(t, unbounded.Expired())
}

func TestParseRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		output    string
		wantFound bool
		wantReset time.Time
	}{
		{"empty", "", false, time.Time{}},
		{"unrelated", "all tests passed", false, time.Time{}},
		{"unix timestamp", "Claude AI usage limit reached|1772356500", true, time.Unix(1772356500, 0)},
		{"retry seconds", "429 Too Many Requests, retry after 30s", true, now.Add(30 * time.Second)},
		{"generic", "rate limit exceeded", true, now.Add(5 * time.Minute)},
		{"log echo", "[RATE LIMIT] waiting for reset... 2m left", false, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, found := ParseRateLimit(tt.output, now, 5*time.Minute)
			assert.Equal(t, tt.wantFound, found)
			if tt.wantFound {
				assert.True(t, info.ResetAt.Equal(tt.wantReset), "got %s", info.ResetAt)
			}
		})
	}
}

func TestRateLimitWaiter(t *testing.T) {
	now := time.Now()
	w := NewRateLimitWaiter(time.Hour, 0, nil)

	assert.True(t, w.ShouldWait(RateLimit{ResetAt: now.Add(time.Minute)}))
	assert.False(t, w.ShouldWait(RateLimit{ResetAt: now.Add(2 * time.Hour)}))

	start := time.Now()
	require.NoError(t, w.Wait(context.Background(), RateLimit{ResetAt: time.Now().Add(30 * time.Millisecond)}))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Wait(ctx, RateLimit{ResetAt: time.Now().Add(time.Hour)}), context.Canceled)
}
