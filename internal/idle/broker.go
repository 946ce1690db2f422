// Package idle turns "worker became idle" push notifications into an
// awaitable, race-free condition.
//
// Callers capture CurrentSequence before triggering work on a session and
// then wait for a sequence greater than the captured value. Because the
// sequence is monotonic and checked under the same mutex that registers
// waiters, an idle event that fires between capture and registration is
// never lost.
package idle

import (
	"context"
	"sync"
	"time"
)

// Reason explains how a wait resolved.
type Reason string

// Wait resolution reasons.
const (
	ReasonIdle    Reason = "idle"
	ReasonTimeout Reason = "timeout"
	ReasonAborted Reason = "aborted"
)

// WaitResult is the outcome of WaitForIdle.
type WaitResult struct {
	OK       bool
	Reason   Reason
	Sequence int64
}

type waiter struct {
	after int64
	ch    chan int64
}

// Broker owns the idle sequence of every worker session and the set of
// goroutines waiting on them. The zero value is not usable; use NewBroker.
type Broker struct {
	mu        sync.Mutex
	sequences map[string]int64
	waiters   map[string]map[*waiter]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sequences: make(map[string]int64),
		waiters:   make(map[string]map[*waiter]struct{}),
	}
}

// CurrentSequence returns the number of idle events observed for session.
func (b *Broker) CurrentSequence(session string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequences[session]
}

// MarkIdle records one idle event for session and wakes every waiter whose
// threshold is now exceeded. It returns the new sequence.
func (b *Broker) MarkIdle(session string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.sequences[session] + 1
	b.sequences[session] = seq

	for w := range b.waiters[session] {
		if w.after < seq {
			// Buffered with capacity 1 and removed from the set below,
			// so each waiter receives exactly one value.
			w.ch <- seq
			delete(b.waiters[session], w)
		}
	}
	if len(b.waiters[session]) == 0 {
		delete(b.waiters, session)
	}
	return seq
}

// WaitForIdle blocks until the session's sequence exceeds after, the
// timeout elapses, or ctx is cancelled. A timeout of zero waits without a
// deadline. The waiter is deregistered on every path.
func (b *Broker) WaitForIdle(ctx context.Context, session string, after int64, timeout time.Duration) WaitResult {
	b.mu.Lock()
	if seq := b.sequences[session]; seq > after {
		b.mu.Unlock()
		return WaitResult{OK: true, Reason: ReasonIdle, Sequence: seq}
	}
	w := &waiter{after: after, ch: make(chan int64, 1)}
	if b.waiters[session] == nil {
		b.waiters[session] = make(map[*waiter]struct{})
	}
	b.waiters[session][w] = struct{}{}
	b.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case seq := <-w.ch:
		return WaitResult{OK: true, Reason: ReasonIdle, Sequence: seq}
	case <-timer:
		return b.resolve(session, w, ReasonTimeout)
	case <-ctx.Done():
		return b.resolve(session, w, ReasonAborted)
	}
}

// resolve deregisters w after a timeout or cancellation. If MarkIdle won the
// race and already delivered a sequence, the wait is reported as idle.
func (b *Broker) resolve(session string, w *waiter, reason Reason) WaitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case seq := <-w.ch:
		return WaitResult{OK: true, Reason: ReasonIdle, Sequence: seq}
	default:
	}

	if set := b.waiters[session]; set != nil {
		delete(set, w)
		if len(set) == 0 {
			delete(b.waiters, session)
		}
	}
	return WaitResult{OK: false, Reason: reason, Sequence: b.sequences[session]}
}

// Waiters returns the number of pending waiters for session.
func (b *Broker) Waiters(session string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[session])
}

// Forget drops the sequence of a deleted session. Pending waiters are
// resolved as aborted by their own context or timeout; Forget does not
// touch them.
func (b *Broker) Forget(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.waiters[session]) == 0 {
		delete(b.sequences, session)
	}
}
