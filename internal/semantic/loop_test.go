package semantic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskloop/internal/budget"
	"github.com/harrison/taskloop/internal/idle"
	"github.com/harrison/taskloop/internal/judge"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/worker"
)

// scriptedJudge returns outputs in order; the last one repeats.
type scriptedJudge struct {
	outputs []string
	errs    []error
	bundles []judge.Bundle
}

func (s *scriptedJudge) Judge(ctx context.Context, b judge.Bundle) (string, error) {
	s.bundles = append(s.bundles, b)
	i := len(s.bundles) - 1
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	return s.outputs[i], err
}

type stubWorker struct {
	prompts []string
	seq     int64
}

func (w *stubWorker) Dispatch(ctx context.Context, phase models.Phase, text string) worker.DispatchResult {
	w.prompts = append(w.prompts, text)
	return worker.DispatchResult{OK: true, IdleSequenceBeforePrompt: w.seq}
}

func (w *stubWorker) AwaitIdle(ctx context.Context, after int64) idle.WaitResult {
	w.seq = after + 1
	return idle.WaitResult{OK: true, Reason: idle.ReasonIdle, Sequence: w.seq}
}

// sequenceRunner fails the listed gate runs (1-based) and passes the rest.
type sequenceRunner struct {
	runs   int
	failOn map[int]bool
}

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func (r *sequenceRunner) Run(ctx context.Context, command string) (string, error) {
	r.runs++
	if r.failOn[r.runs] {
		return "FAIL", exitError{code: 1}
	}
	return "ok", nil
}

type fingerprint struct {
	n       int
	changes bool
}

func (f *fingerprint) Fingerprint() (string, error) {
	if f.changes {
		f.n++
	}
	return fmt.Sprintf("fp-%d", f.n), nil
}

const (
	passJSON = `{"status":"PASS","exitSignal":true,"reason":["all criteria met"],"nextActions":[]}`
)

func failJSON(reason string) string {
	return fmt.Sprintf(`{"status":"FAIL","exitSignal":false,"reason":[%q],"nextActions":["fix it"]}`, reason)
}

func newInput() Input {
	return Input{
		Task:     models.Task{ID: "T-1", DoneWhen: []string{"go test ./..."}},
		Commands: []string{"go test ./..."},
		Gates:    models.GatesAttempt{OK: true, Results: []models.GateResult{{Command: "go test ./...", OK: true}}},
	}
}

func prompt(rc RepairContext) string {
	return fmt.Sprintf("semantic repair %d escalated=%v: %s", rc.Attempt, rc.Escalated, rc.Verdict.TopReason())
}

func TestLoopPassesFirstTime(t *testing.T) {
	j := &scriptedJudge{outputs: []string{passJSON}}
	w := &stubWorker{}
	loop := &Loop{Judge: j, Worker: w, Runner: &sequenceRunner{}}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.True(t, res.OK)
	assert.Equal(t, models.ReasonPass, res.Code)
	assert.Equal(t, 0, res.Attempts)
	assert.Empty(t, w.prompts)
}

func TestLoopRepairsThenPasses(t *testing.T) {
	j := &scriptedJudge{outputs: []string{failJSON("missing docs"), passJSON}}
	w := &stubWorker{}
	runner := &sequenceRunner{}
	loop := &Loop{Judge: j, Worker: w, Runner: runner, Fingerprint: &fingerprint{changes: true}}

	res := loop.Run(context.Background(), newInput(), prompt)
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, runner.runs, "gates re-run once after the repair")
	require.Len(t, w.prompts, 1)
	assert.Contains(t, w.prompts[0], "missing docs")
	require.Len(t, j.bundles, 2)
	require.NotNil(t, j.bundles[1].Previous)
	assert.Equal(t, "missing docs", j.bundles[1].Previous.TopReason())
}

func TestLoopPassWithoutExitSignalIsNotAccepted(t *testing.T) {
	j := &scriptedJudge{outputs: []string{`{"status":"PASS","exitSignal":false,"reason":["done"]}`, passJSON}}
	w := &stubWorker{}
	loop := &Loop{Judge: j, Worker: w, Runner: &sequenceRunner{}, Fingerprint: &fingerprint{changes: true}}

	res := loop.Run(context.Background(), newInput(), prompt)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Attempts, "the coerced FAIL required a repair")
}

func TestLoopGateRegression(t *testing.T) {
	j := &scriptedJudge{outputs: []string{failJSON("missing docs")}}
	w := &stubWorker{}
	loop := &Loop{
		Judge:       j,
		Worker:      w,
		Runner:      &sequenceRunner{failOn: map[int]bool{1: true}},
		Fingerprint: &fingerprint{changes: true},
	}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.False(t, res.OK)
	assert.True(t, res.Regression)
	assert.Equal(t, models.ReasonGateRegression, res.Code)
	assert.Equal(t, models.ReasonGateRegression, res.Verdict.Code)
	assert.Equal(t, models.VerdictFail, res.Verdict.Status)
	assert.Len(t, j.bundles, 1, "a regression is not re-judged")
}

func TestLoopRepeatedFailure(t *testing.T) {
	j := &scriptedJudge{outputs: []string{failJSON("missing docs")}}
	w := &stubWorker{}
	loop := &Loop{
		Judge:       j,
		Worker:      w,
		Runner:      &sequenceRunner{},
		Fingerprint: &fingerprint{changes: true},
		Config:      Config{MaxRepeatedFailures: 3},
	}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonRepeatedFailure, res.Code)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, w.prompts, 2)
	assert.Contains(t, w.prompts[1], "escalated=true")
	assert.Contains(t, res.Verdict.TopReason(), "missing docs")
}

func TestLoopNoChanges(t *testing.T) {
	j := &scriptedJudge{outputs: []string{failJSON("a"), failJSON("b"), failJSON("c")}}
	w := &stubWorker{}
	loop := &Loop{
		Judge:       j,
		Worker:      w,
		Runner:      &sequenceRunner{},
		Fingerprint: &fingerprint{changes: false},
	}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.False(t, res.OK)
	assert.True(t, res.StoppedForNoChanges)
	assert.Equal(t, models.ReasonNoChanges, res.Code)
	assert.Equal(t, 2, res.Attempts)
}

func TestLoopSharedAttemptCeiling(t *testing.T) {
	j := &scriptedJudge{outputs: []string{failJSON("a"), failJSON("b")}}
	shared := budget.NewAttempts(1)
	loop := &Loop{
		Judge:       j,
		Worker:      &stubWorker{},
		Runner:      &sequenceRunner{},
		Fingerprint: &fingerprint{changes: true},
		Attempts:    shared,
	}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.Equal(t, models.ReasonSemanticBudget, res.Code)
	assert.Equal(t, 1, res.Attempts)
}

func TestLoopElapsedBudget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &scriptedJudge{outputs: []string{failJSON("a"), failJSON("b")}}
	runner := &sequenceRunner{}
	loop := &Loop{
		Judge:       j,
		Worker:      &stubWorker{},
		Runner:      runner,
		Fingerprint: &fingerprint{changes: true},
		Config:      Config{MaxElapsed: time.Minute},
		Clock:       func() time.Time { now = now.Add(2 * time.Minute); return now },
	}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.Equal(t, models.ReasonSemanticBudget, res.Code)
	assert.Equal(t, 1, res.Attempts)
}

func TestLoopJudgeTransportDoesNotConsumeAttempts(t *testing.T) {
	j := &scriptedJudge{
		outputs: []string{"", "garbled", passJSON},
		errs:    []error{errors.New("connection reset")},
	}
	shared := budget.NewAttempts(5)
	w := &stubWorker{}
	loop := &Loop{Judge: j, Worker: w, Runner: &sequenceRunner{}, Attempts: shared, Config: Config{JudgeTransportRetries: 2}}

	res := loop.Run(context.Background(), newInput(), prompt)
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, shared.Used())
	assert.Empty(t, w.prompts)
}

func TestLoopJudgeTransportExhausted(t *testing.T) {
	j := &scriptedJudge{outputs: []string{"garbled"}}
	loop := &Loop{Judge: j, Worker: &stubWorker{}, Runner: &sequenceRunner{}, Config: Config{JudgeTransportRetries: 1}}

	res := loop.Run(context.Background(), newInput(), prompt)
	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonJudgeTransport, res.Code)
	assert.Equal(t, models.ReasonJudgeTransport, res.Verdict.Code)
	assert.Len(t, j.bundles, 2)
	assert.Equal(t, 0, res.Attempts)
}

func TestLoopCheckpointFailure(t *testing.T) {
	j := &scriptedJudge{outputs: []string{passJSON}}
	loop := &Loop{
		Judge:  j,
		Worker: &stubWorker{},
		Runner: &sequenceRunner{},
		Checkpoint: func(ctx context.Context, phase models.Phase) error {
			return &models.CodedError{Code: models.ReasonStateWriteFailed, Err: errors.New("disk full")}
		},
	}
	res := loop.Run(context.Background(), newInput(), prompt)
	assert.Equal(t, models.ReasonStateWriteFailed, res.Code)
	assert.Empty(t, j.bundles)
}

func TestLoopUsesPreviousVerdictForBackpressure(t *testing.T) {
	prev := models.FailVerdict(models.ReasonJudgeFail, "missing docs")
	in := newInput()
	in.Previous = &prev
	j := &scriptedJudge{outputs: []string{failJSON("missing docs"), passJSON}}
	w := &stubWorker{}
	loop := &Loop{Judge: j, Worker: w, Runner: &sequenceRunner{}, Fingerprint: &fingerprint{changes: true}}

	res := loop.Run(context.Background(), in, prompt)
	require.True(t, res.OK)
	require.Len(t, w.prompts, 1)
	assert.Contains(t, w.prompts[0], "escalated=true")
}

// cancellingRunner cancels the run while the first gate is executing and
// reports the killed command's exit code.
type cancellingRunner struct {
	cancel context.CancelFunc
}

func (r *cancellingRunner) Run(ctx context.Context, command string) (string, error) {
	r.cancel()
	return "signal: killed", exitError{code: -1}
}

func TestLoopCancelledDuringGateRerun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := &scriptedJudge{outputs: []string{failJSON("login form missing"), passJSON}}
	w := &stubWorker{}
	loop := &Loop{Judge: j, Worker: w, Runner: &cancellingRunner{cancel: cancel}, Fingerprint: &fingerprint{changes: true}}

	res := loop.Run(ctx, newInput(), prompt)
	assert.False(t, res.OK)
	assert.False(t, res.Regression)
	assert.Equal(t, models.ReasonCancelled, res.Code)
	assert.Equal(t, models.ReasonCancelled, res.Verdict.Code)
	assert.Equal(t, models.ReasonCancelled, models.CodeOf(res.Err, ""))
	assert.Equal(t, models.CategoryInfrastructure, res.Code.Category())
	assert.Len(t, j.bundles, 1)
}
