package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskloop/internal/idle"
)

// writeScript creates an executable shell script standing in for the agent
// CLI. It appends its arguments to args.log and prints body's output.
func writeScript(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "args.log")
	script := filepath.Join(dir, "agent.sh")
	content := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0755))
	return script, logPath
}

func TestCLIProviderPromptSignalsIdle(t *testing.T) {
	script, logPath := writeScript(t, `echo '{"result":"done","is_error":false}'`)
	broker := idle.NewBroker()
	p := NewCLIProvider(script, t.TempDir(), func(id string) { broker.MarkIdle(id) })

	ctx := context.Background()
	id, err := p.Create(ctx)
	require.NoError(t, err)

	before := broker.CurrentSequence(id)
	require.NoError(t, p.PromptAsync(ctx, id, "first"))
	res := broker.WaitForIdle(ctx, id, before, 5*time.Second)
	require.True(t, res.OK)

	outcome, ok := p.LastOutcome(id)
	require.True(t, ok)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, "done", outcome.Output)

	before = res.Sequence
	require.NoError(t, p.PromptAsync(ctx, id, "second"))
	require.True(t, broker.WaitForIdle(ctx, id, before, 5*time.Second).OK)

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logged)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--session-id")
	assert.Contains(t, lines[0], "-p first")
	assert.Contains(t, lines[1], "--resume")
	assert.Contains(t, lines[1], "--permission-mode bypassPermissions")
}

func TestCLIProviderOnePromptInFlight(t *testing.T) {
	script, _ := writeScript(t, "sleep 1\necho ok")
	p := NewCLIProvider(script, "", nil)

	ctx := context.Background()
	id, err := p.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, p.PromptAsync(ctx, id, "one"))

	err = p.PromptAsync(ctx, id, "two")
	assert.True(t, errors.Is(err, ErrSessionBusy))
	require.NoError(t, p.Delete(ctx, id))
}

func TestCLIProviderPromptAfterResetOfBusySession(t *testing.T) {
	script, _ := writeScript(t, `case "$*" in *slow*) sleep 3;; esac
echo '{"result":"ok"}'`)
	broker := idle.NewBroker()
	p := NewCLIProvider(script, "", func(id string) { broker.MarkIdle(id) })

	ctx := context.Background()
	id, err := p.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, p.PromptAsync(ctx, id, "slow"))
	require.ErrorIs(t, p.PromptAsync(ctx, id, "fast"), ErrSessionBusy)

	require.NoError(t, p.ResetToBaseline(ctx, id))
	before := broker.CurrentSequence(id)
	require.NoError(t, p.PromptAsync(ctx, id, "fast"))
	res := broker.WaitForIdle(ctx, id, before, 5*time.Second)
	require.True(t, res.OK)

	outcome, ok := p.LastOutcome(id)
	require.True(t, ok)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, "ok", outcome.Output)
	require.NoError(t, p.PromptAsync(ctx, id, "fast again"))
	require.True(t, broker.WaitForIdle(ctx, id, res.Sequence, 5*time.Second).OK)
}

func TestCLIProviderEmptyOutputIsTransport(t *testing.T) {
	script, _ := writeScript(t, "true")
	broker := idle.NewBroker()
	p := NewCLIProvider(script, "", func(id string) { broker.MarkIdle(id) })

	ctx := context.Background()
	id, err := p.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, p.PromptAsync(ctx, id, "x"))
	require.True(t, broker.WaitForIdle(ctx, id, 0, 5*time.Second).OK)

	outcome, _ := p.LastOutcome(id)
	assert.True(t, IsTransportError(outcome.Err))
}

func TestCLIProviderUnknownSession(t *testing.T) {
	p := NewCLIProvider("true", "", nil)
	ctx := context.Background()

	assert.ErrorIs(t, p.ResetToBaseline(ctx, "nope"), ErrSessionNotFound)
	assert.ErrorIs(t, p.PromptAsync(ctx, "nope", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, p.Delete(ctx, "nope"), ErrSessionNotFound)
}

func TestCLIProviderWithDispatcher(t *testing.T) {
	script, _ := writeScript(t, `echo '{"result":"ok"}'`)
	broker := idle.NewBroker()
	p := NewCLIProvider(script, "", func(id string) { broker.MarkIdle(id) })
	d := NewDispatcher(p, broker, Config{IdleTimeout: 5 * time.Second}, nil)

	ctx := context.Background()
	require.NoError(t, d.ResetBaseline(ctx))
	res := d.Dispatch(ctx, "build", "make it")
	require.True(t, res.OK, "%v", res.Err)

	wait := d.AwaitIdle(ctx, res.IdleSequenceBeforePrompt)
	assert.True(t, wait.OK)
	assert.Equal(t, CleanupDeleted, d.Close(ctx).Outcome)
}
