// Package worker dispatches prompts to an external, asynchronous coding
// worker. The worker is reached only through a Provider (create, reset,
// prompt, delete); completion is observed separately as idle events
// delivered to an idle.Broker.
package worker

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrSessionNotFound is returned by a Provider when the session id is
	// unknown, typically because it was already deleted.
	ErrSessionNotFound = errors.New("worker session not found")

	// ErrSessionBusy is returned when a prompt is sent to a session that is
	// still processing the previous one.
	ErrSessionBusy = errors.New("worker session busy")

	// ErrTransport marks a failure of the channel to the worker rather than
	// of the request itself. Providers wrap it so the dispatcher can rotate
	// the session.
	ErrTransport = errors.New("worker transport failure")
)

// Provider manages worker sessions. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Create starts a new session and returns its id.
	Create(ctx context.Context) (string, error)
	// ResetToBaseline discards the session's conversation state.
	ResetToBaseline(ctx context.Context, sessionID string) error
	// PromptAsync hands text to the session and returns once it is
	// accepted. Completion is signalled later as an idle event.
	PromptAsync(ctx context.Context, sessionID, text string) error
	// Delete disposes of the session.
	Delete(ctx context.Context, sessionID string) error
}

// transportSignatures are message fragments that indicate a truncated or
// broken exchange with the worker.
var transportSignatures = []string{
	"empty response",
	"connection reset",
	"broken pipe",
	"unexpected end of json input",
	"unexpected eof",
}

// IsTransportError reports whether err looks like a broken connection to
// the worker, as opposed to a rejected request.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transportSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// CleanupOutcome reports what happened to a session that was disposed of.
type CleanupOutcome string

// Cleanup outcomes.
const (
	CleanupDeleted  CleanupOutcome = "deleted"
	CleanupNotFound CleanupOutcome = "not-found"
	CleanupSkipped  CleanupOutcome = "skipped"
	CleanupFailed   CleanupOutcome = "failed"
)

// Cleanup records the disposal of one session.
type Cleanup struct {
	SessionID string
	Outcome   CleanupOutcome
	Err       error
}

func deleteSession(ctx context.Context, p Provider, sessionID string) Cleanup {
	if sessionID == "" {
		return Cleanup{Outcome: CleanupSkipped}
	}
	err := p.Delete(ctx, sessionID)
	switch {
	case err == nil:
		return Cleanup{SessionID: sessionID, Outcome: CleanupDeleted}
	case errors.Is(err, ErrSessionNotFound):
		return Cleanup{SessionID: sessionID, Outcome: CleanupNotFound}
	default:
		return Cleanup{SessionID: sessionID, Outcome: CleanupFailed, Err: err}
	}
}
