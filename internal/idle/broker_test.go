package idle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceStartsAtZeroAndIncrements(t *testing.T) {
	b := NewBroker()
	assert.Equal(t, int64(0), b.CurrentSequence("s1"))
	assert.Equal(t, int64(1), b.MarkIdle("s1"))
	assert.Equal(t, int64(2), b.MarkIdle("s1"))
	assert.Equal(t, int64(0), b.CurrentSequence("s2"))
}

func TestWaitReturnsImmediatelyWhenAlreadyIdle(t *testing.T) {
	b := NewBroker()
	before := b.CurrentSequence("s1")

	// The idle event lands before the waiter is registered.
	b.MarkIdle("s1")

	res := b.WaitForIdle(context.Background(), "s1", before, time.Second)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonIdle, res.Reason)
	assert.Equal(t, int64(1), res.Sequence)
	assert.Equal(t, 0, b.Waiters("s1"))
}

func TestWaitIgnoresEventsAtOrBelowBaseline(t *testing.T) {
	b := NewBroker()
	b.MarkIdle("s1")
	before := b.CurrentSequence("s1")

	res := b.WaitForIdle(context.Background(), "s1", before, 30*time.Millisecond)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 0, b.Waiters("s1"))
}

func TestWaitWakesOnLaterEvent(t *testing.T) {
	b := NewBroker()
	before := b.CurrentSequence("s1")

	done := make(chan WaitResult, 1)
	go func() {
		done <- b.WaitForIdle(context.Background(), "s1", before, 5*time.Second)
	}()

	require.Eventually(t, func() bool { return b.Waiters("s1") == 1 }, time.Second, time.Millisecond)
	b.MarkIdle("s1")

	select {
	case res := <-done:
		assert.True(t, res.OK)
		assert.Equal(t, int64(1), res.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 0, b.Waiters("s1"))
}

func TestMultipleWaitersAllWake(t *testing.T) {
	b := NewBroker()
	const n = 5

	var wg sync.WaitGroup
	results := make(chan WaitResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.WaitForIdle(context.Background(), "s1", 0, 5*time.Second)
		}()
	}

	require.Eventually(t, func() bool { return b.Waiters("s1") == n }, time.Second, time.Millisecond)
	b.MarkIdle("s1")
	wg.Wait()
	close(results)

	for res := range results {
		assert.True(t, res.OK)
	}
	assert.Equal(t, 0, b.Waiters("s1"))
}

func TestWaitersOnOtherSessionsAreUntouched(t *testing.T) {
	b := NewBroker()

	done := make(chan WaitResult, 1)
	go func() {
		done <- b.WaitForIdle(context.Background(), "s2", 0, 50*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return b.Waiters("s2") == 1 }, time.Second, time.Millisecond)

	b.MarkIdle("s1")
	res := <-done
	assert.False(t, res.OK)
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestWaitAbortedByContext(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan WaitResult, 1)
	go func() {
		done <- b.WaitForIdle(ctx, "s1", 0, 0)
	}()
	require.Eventually(t, func() bool { return b.Waiters("s1") == 1 }, time.Second, time.Millisecond)
	cancel()

	res := <-done
	assert.False(t, res.OK)
	assert.Equal(t, ReasonAborted, res.Reason)
	assert.Equal(t, 0, b.Waiters("s1"))
}

func TestRaceBetweenCaptureAndRegistration(t *testing.T) {
	b := NewBroker()

	for i := 0; i < 200; i++ {
		before := b.CurrentSequence("s1")
		go b.MarkIdle("s1")
		res := b.WaitForIdle(context.Background(), "s1", before, 2*time.Second)
		require.True(t, res.OK, "iteration %d lost an idle event", i)
		require.Greater(t, res.Sequence, before)
	}
	assert.Equal(t, 0, b.Waiters("s1"))
}

func TestForgetKeepsSequenceWhileWaitersPending(t *testing.T) {
	b := NewBroker()
	b.MarkIdle("s1")
	b.Forget("s1")
	assert.Equal(t, int64(0), b.CurrentSequence("s1"))

	b.MarkIdle("s2")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan WaitResult, 1)
	go func() { done <- b.WaitForIdle(ctx, "s2", 1, 0) }()
	require.Eventually(t, func() bool { return b.Waiters("s2") == 1 }, time.Second, time.Millisecond)

	b.Forget("s2")
	assert.Equal(t, int64(1), b.CurrentSequence("s2"))
	cancel()
	<-done
}
