package budget

import (
	"context"
	"fmt"
	"time"
)

// WaiterLogger receives countdown updates while waiting out a rate limit.
type WaiterLogger interface {
	LogInfo(message string)
}

// RateLimitWaiter sleeps until a rate limit resets, refusing limits that
// would take longer than MaxWait.
type RateLimitWaiter struct {
	MaxWait       time.Duration
	SafetyBuffer  time.Duration
	AnnounceEvery time.Duration
	Logger        WaiterLogger
	clock         func() time.Time
}

// NewRateLimitWaiter creates a waiter.
func NewRateLimitWaiter(maxWait, safetyBuffer time.Duration, logger WaiterLogger) *RateLimitWaiter {
	return &RateLimitWaiter{
		MaxWait:       maxWait,
		SafetyBuffer:  safetyBuffer,
		AnnounceEvery: time.Minute,
		Logger:        logger,
		clock:         time.Now,
	}
}

// ShouldWait reports whether the limit resets within MaxWait.
func (w *RateLimitWaiter) ShouldWait(info RateLimit) bool {
	return info.Until(w.now()) <= w.MaxWait
}

// Wait blocks until the limit resets plus the safety buffer, or ctx ends.
func (w *RateLimitWaiter) Wait(ctx context.Context, info RateLimit) error {
	total := info.Until(w.now()) + w.SafetyBuffer
	if total <= 0 {
		return nil
	}
	if w.Logger != nil {
		w.Logger.LogInfo(fmt.Sprintf("rate limited; waiting %s for reset", total.Round(time.Second)))
	}

	deadline := time.NewTimer(total)
	defer deadline.Stop()
	announce := w.AnnounceEvery
	if announce <= 0 {
		announce = time.Minute
	}
	ticker := time.NewTicker(announce)
	defer ticker.Stop()
	end := w.now().Add(total)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case now := <-ticker.C:
			if w.Logger != nil {
				w.Logger.LogInfo(fmt.Sprintf("rate limit resets in %s", end.Sub(now).Round(time.Second)))
			}
		}
	}
}

func (w *RateLimitWaiter) now() time.Time {
	if w.clock == nil {
		return time.Now()
	}
	return w.clock()
}
