package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/taskloop/internal/idle"
	"github.com/harrison/taskloop/internal/models"
)

// Defaults applied by NewDispatcher for zero Config fields.
const (
	DefaultDispatchTimeout      = 60 * time.Second
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultMaxTransportAttempts = 3
)

// Config bounds a Dispatcher.
type Config struct {
	// DispatchTimeout caps a single PromptAsync call.
	DispatchTimeout time.Duration
	// IdleTimeout caps AwaitIdle.
	IdleTimeout time.Duration
	// MaxTransportAttempts is the number of sends tried, across rotated
	// sessions, before a transport failure is final.
	MaxTransportAttempts int
}

// Logger receives dispatcher diagnostics. It may be nil.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// DispatchResult is the outcome of Dispatch.
type DispatchResult struct {
	OK bool
	// IdleSequenceBeforePrompt is the session's idle sequence captured
	// before the successful send. Pass it to AwaitIdle.
	IdleSequenceBeforePrompt int64
	SessionID                string
	Attempts                 int
	Reason                   models.ReasonCode
	Err                      error
	Cleanups                 []Cleanup
}

// Dispatcher owns the current worker session and sends prompts to it.
type Dispatcher struct {
	provider Provider
	broker   *idle.Broker
	cfg      Config
	logger   Logger

	mu      sync.Mutex
	session string
}

// NewDispatcher creates a Dispatcher. No session is created until the first
// ResetBaseline or Dispatch.
func NewDispatcher(provider Provider, broker *idle.Broker, cfg Config, logger Logger) *Dispatcher {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxTransportAttempts <= 0 {
		cfg.MaxTransportAttempts = DefaultMaxTransportAttempts
	}
	return &Dispatcher{provider: provider, broker: broker, cfg: cfg, logger: logger}
}

// SessionID returns the current session id, or "" before the first one is
// created.
func (d *Dispatcher) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// ResetBaseline gives the next task a clean worker context. The current
// session is reset in place; if it no longer exists a new one is created.
func (d *Dispatcher) ResetBaseline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != "" {
		err := d.provider.ResetToBaseline(ctx, d.session)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("reset worker session %s: %w", d.session, err)
		}
		d.logWarn(fmt.Sprintf("worker session %s vanished, creating a new one", d.session))
		d.broker.Forget(d.session)
		d.session = ""
	}
	return d.createLocked(ctx)
}

// Dispatch sends text to the current session. Transport failures rotate
// to a fresh, re-baselined session and retry up to MaxTransportAttempts.
func (d *Dispatcher) Dispatch(ctx context.Context, phase models.Phase, text string) DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result DispatchResult
	if d.session == "" {
		if err := d.createLocked(ctx); err != nil {
			result.Reason = models.ReasonDispatchFailed
			result.Err = err
			return result
		}
	}

	for attempt := 1; attempt <= d.cfg.MaxTransportAttempts; attempt++ {
		result.Attempts = attempt
		result.SessionID = d.session

		before := d.broker.CurrentSequence(d.session)
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
		err := d.provider.PromptAsync(sendCtx, d.session, text)
		timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			result.OK = true
			result.IdleSequenceBeforePrompt = before
			result.Reason = ""
			result.Err = nil
			return result
		}

		switch {
		case ctx.Err() != nil:
			result.Reason = models.ReasonDispatchFailed
			result.Err = fmt.Errorf("%s dispatch aborted: %w", phase, ctx.Err())
			return result
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			result.Reason = models.ReasonDispatchTimeout
			result.Err = fmt.Errorf("%s dispatch timed out after %s: %w", phase, d.cfg.DispatchTimeout, err)
			return result
		case !IsTransportError(err):
			result.Reason = models.ReasonDispatchFailed
			result.Err = fmt.Errorf("%s dispatch failed: %w", phase, err)
			return result
		}

		result.Reason = models.ReasonDispatchTransport
		result.Err = fmt.Errorf("%s dispatch transport failure after %d attempt(s): %w", phase, attempt, err)
		if attempt == d.cfg.MaxTransportAttempts {
			break
		}

		d.logWarn(fmt.Sprintf("%s dispatch transport failure on session %s (attempt %d/%d): %v; rotating session",
			phase, d.session, attempt, d.cfg.MaxTransportAttempts, err))
		cleanup, rotateErr := d.rotateLocked(ctx)
		result.Cleanups = append(result.Cleanups, cleanup)
		if rotateErr != nil {
			result.Err = fmt.Errorf("%s dispatch: rotate session: %w", phase, rotateErr)
			return result
		}
	}
	return result
}

// AwaitIdle waits, bounded by IdleTimeout, for the current session's idle
// sequence to exceed after.
func (d *Dispatcher) AwaitIdle(ctx context.Context, after int64) idle.WaitResult {
	return d.broker.WaitForIdle(ctx, d.SessionID(), after, d.cfg.IdleTimeout)
}

// Close deletes the current session.
func (d *Dispatcher) Close(ctx context.Context) Cleanup {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleanup := deleteSession(ctx, d.provider, d.session)
	if d.session != "" {
		d.broker.Forget(d.session)
	}
	d.session = ""
	return cleanup
}

func (d *Dispatcher) createLocked(ctx context.Context) error {
	id, err := d.provider.Create(ctx)
	if err != nil {
		return fmt.Errorf("create worker session: %w", err)
	}
	if err := d.provider.ResetToBaseline(ctx, id); err != nil {
		cleanup := deleteSession(ctx, d.provider, id)
		return fmt.Errorf("baseline worker session %s (cleanup %s): %w", id, cleanup.Outcome, err)
	}
	d.session = id
	d.logInfo(fmt.Sprintf("worker session %s ready", id))
	return nil
}

func (d *Dispatcher) rotateLocked(ctx context.Context) (Cleanup, error) {
	old := d.session
	cleanup := deleteSession(ctx, d.provider, old)
	if cleanup.Outcome == CleanupFailed {
		d.logWarn(fmt.Sprintf("delete worker session %s: %v", old, cleanup.Err))
	}
	d.broker.Forget(old)
	d.session = ""
	return cleanup, d.createLocked(ctx)
}

func (d *Dispatcher) logInfo(msg string) {
	if d.logger != nil {
		d.logger.LogInfo(msg)
	}
}

func (d *Dispatcher) logWarn(msg string) {
	if d.logger != nil {
		d.logger.LogWarn(msg)
	}
}
