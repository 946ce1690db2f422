// Package budget bounds the repair loops: a repair-attempt ceiling shared by
// the gate and semantic loops of one task, elapsed-time windows for each
// loop, and rate-limit waits for the agent CLIs.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// Attempts is a repair-attempt counter shared by every loop working on the
// same task. A Max of zero or less means unlimited.
// Thread-safe.
type Attempts struct {
	mu   sync.Mutex
	max  int
	used int
}

// NewAttempts creates a counter with the given ceiling.
func NewAttempts(max int) *Attempts {
	return &Attempts{max: max}
}

// TryConsume takes one attempt. It returns false, without consuming, once
// the ceiling is reached.
func (a *Attempts) TryConsume() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.max > 0 && a.used >= a.max {
		return false
	}
	a.used++
	return true
}

// Used returns the number of attempts consumed so far.
func (a *Attempts) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Remaining returns the attempts left, or -1 when unlimited.
func (a *Attempts) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.max <= 0 {
		return -1
	}
	return a.max - a.used
}

// Exhausted reports whether the ceiling has been reached.
func (a *Attempts) Exhausted() bool {
	return a.Remaining() == 0
}

// String implements fmt.Stringer.
func (a *Attempts) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.max <= 0 {
		return fmt.Sprintf("%d/unlimited", a.used)
	}
	return fmt.Sprintf("%d/%d", a.used, a.max)
}

// Window is a wall-clock budget that starts when it is created. A limit of
// zero or less never expires.
type Window struct {
	start time.Time
	limit time.Duration
	clock func() time.Time
}

// NewWindow starts a window of the given length using clock, or time.Now
// when clock is nil.
func NewWindow(limit time.Duration, clock func() time.Time) Window {
	if clock == nil {
		clock = time.Now
	}
	return Window{start: clock(), limit: limit, clock: clock}
}

// Elapsed returns the time since the window started.
func (w Window) Elapsed() time.Duration {
	return w.clock().Sub(w.start)
}

// Expired reports whether the window's limit has passed.
func (w Window) Expired() bool {
	return w.limit > 0 && w.Elapsed() >= w.limit
}

// Limit returns the window length.
func (w Window) Limit() time.Duration {
	return w.limit
}
