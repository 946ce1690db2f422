package models

import "time"

// RunLock is the on-disk record of the process holding the run lock.
// OwnerPID is a pointer so a record written without an owner (legacy shape)
// can be told apart from pid 0.
type RunLock struct {
	OwnerPID     *int      `json:"ownerPid,omitempty"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	HeartbeatAt  time.Time `json:"heartbeatAt"`
	ControllerID string    `json:"controllerId,omitempty"`
}

// PID returns the owner pid, or 0 for a legacy record.
func (l RunLock) PID() int {
	if l.OwnerPID == nil {
		return 0
	}
	return *l.OwnerPID
}

// RunStatus is the persisted process-wide run status.
type RunStatus string

// Run status constants.
const (
	RunNone    RunStatus = "NONE"
	RunDoing   RunStatus = "DOING"
	RunDone    RunStatus = "DONE"
	RunBlocked RunStatus = "BLOCKED"
)

// Phase names the engine step the run is currently in.
type Phase string

// Engine phases, in the order a task moves through them.
const (
	PhaseIdle           Phase = "idle"
	PhaseSelect         Phase = "select_task"
	PhaseDependencies   Phase = "check_dependencies"
	PhaseMarkInProgress Phase = "mark_in_progress"
	PhaseResetBaseline  Phase = "reset_baseline"
	PhaseBuild          Phase = "build"
	PhaseAwaitIdle      Phase = "await_idle"
	PhaseGates          Phase = "gates"
	PhaseGateRepair     Phase = "gate_repair"
	PhaseUIVerify       Phase = "ui_verify"
	PhaseJudge          Phase = "judge"
	PhaseSemanticRepair Phase = "semantic_repair"
	PhaseFinalize       Phase = "finalize"
)

// RunState is rewritten on every phase transition and survives restarts.
type RunState struct {
	Status        RunStatus `json:"status"`
	Phase         Phase     `json:"phase"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	WorkSessionID string    `json:"workSessionId,omitempty"`
	ControllerID  string    `json:"controllerId,omitempty"`
	RunID         string    `json:"runId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
