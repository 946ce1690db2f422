package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestTaskValidation(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name:    "valid task",
			task:    Task{ID: "T-1", Status: TaskOpen},
			wantErr: false,
		},
		{
			name:    "missing id",
			task:    Task{Status: TaskOpen},
			wantErr: true,
		},
		{
			name:    "unknown status",
			task:    Task{ID: "T-1", Status: "pending"},
			wantErr: true,
		},
		{
			name:    "empty status defaults later",
			task:    Task{ID: "T-1"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGatesAttemptFailed(t *testing.T) {
	g := GatesAttempt{
		OK: false,
		Results: []GateResult{
			{Command: "a", OK: true},
			{Command: "b", OK: false, ExitCode: 1},
		},
	}
	failed := g.Failed()
	if failed == nil || failed.Command != "b" {
		t.Fatalf("expected failing gate b, got %+v", failed)
	}

	if (GatesAttempt{OK: true, Results: []GateResult{{Command: "a", OK: true}}}).Failed() != nil {
		t.Error("expected no failing gate")
	}
}

func TestJudgeVerdictPassed(t *testing.T) {
	if !(JudgeVerdict{Status: VerdictPass, ExitSignal: true}).Passed() {
		t.Error("PASS with exit signal should pass")
	}
	if (JudgeVerdict{Status: VerdictPass, ExitSignal: false}).Passed() {
		t.Error("PASS without exit signal must not pass")
	}
	if (JudgeVerdict{Status: VerdictFail, ExitSignal: true}).Passed() {
		t.Error("FAIL must not pass")
	}
}

func TestReasonCodeCategory(t *testing.T) {
	tests := []struct {
		code      ReasonCode
		category  Category
		retryable bool
	}{
		{ReasonPass, CategorySuccess, true},
		{ReasonDependencyMissing, CategoryPrecondition, false},
		{ReasonLockLost, CategoryInfrastructure, false},
		{ReasonDispatchTimeout, CategoryInfrastructure, false},
		{ReasonJudgeTransport, CategoryInfrastructure, false},
		{ReasonGatesNoProgress, CategoryVerification, true},
		{ReasonJudgeFail, CategoryVerification, true},
		{ReasonNoChanges, CategoryNoProgress, true},
		{ReasonGateRegression, CategoryNoProgress, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Category(); got != tt.category {
				t.Errorf("Category() = %s, want %s", got, tt.category)
			}
			if got := tt.code.Category().Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestRunLockPID(t *testing.T) {
	if (RunLock{}).PID() != 0 {
		t.Error("legacy lock should report pid 0")
	}
	pid := 42
	if (RunLock{OwnerPID: &pid}).PID() != 42 {
		t.Error("expected pid 42")
	}
}

func TestCodeOf(t *testing.T) {
	base := errors.New("heartbeat failed")
	wrapped := fmt.Errorf("checkpoint: %w", &CodedError{Code: ReasonLockLost, Err: base})

	if got := CodeOf(wrapped, ReasonDispatchFailed); got != ReasonLockLost {
		t.Errorf("CodeOf() = %s, want %s", got, ReasonLockLost)
	}
	if !errors.Is(wrapped, base) {
		t.Error("CodedError should unwrap to the underlying error")
	}
	if got := CodeOf(base, ReasonDispatchFailed); got != ReasonDispatchFailed {
		t.Errorf("CodeOf() = %s, want fallback", got)
	}
}
