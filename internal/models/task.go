package models

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle status of a task in the task store.
type TaskStatus string

// Task status constants as stored in the task document.
const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskBlocked, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Task represents a single unit of work driven through the repair loop.
type Task struct {
	ID                 string       `yaml:"id" json:"id"`
	Title              string       `yaml:"title,omitempty" json:"title,omitempty"`
	Description        string       `yaml:"description,omitempty" json:"description,omitempty"`
	Status             TaskStatus   `yaml:"status" json:"status"`
	DoneWhen           []string     `yaml:"doneWhen,omitempty" json:"doneWhen,omitempty"`
	DependsOn          []string     `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	AcceptanceCriteria []string     `yaml:"acceptanceCriteria,omitempty" json:"acceptanceCriteria,omitempty"`
	LastAttempt        *TaskAttempt `yaml:"lastAttempt,omitempty" json:"lastAttempt,omitempty"`
}

// Validate checks if the task has all required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Status != "" && !t.Status.Valid() {
		return errors.New("task status " + string(t.Status) + " is not recognised")
	}
	return nil
}

// IsCompleted returns true if the task status is "completed".
func (t *Task) IsCompleted() bool {
	return t.Status == TaskCompleted
}

// IsTerminal returns true when the engine will never pick the task again
// without operator intervention.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled || t.Status == TaskBlocked
}

// DisplayName returns the title when present, otherwise the id.
func (t *Task) DisplayName() string {
	if t.Title != "" {
		return t.ID + " (" + t.Title + ")"
	}
	return t.ID
}

// TaskAttempt is the record of the most recent attempt at a task.
// It is written once per terminal outcome and never mutated afterwards.
type TaskAttempt struct {
	At        time.Time    `yaml:"at" json:"at"`
	Iteration int          `yaml:"iteration" json:"iteration"`
	Gates     GatesAttempt `yaml:"gates" json:"gates"`
	UI        *UIResult    `yaml:"ui,omitempty" json:"ui,omitempty"`
	Judge     JudgeVerdict `yaml:"judge" json:"judge"`
}

// GateResult is the outcome of one deterministic verification command.
type GateResult struct {
	Command    string `yaml:"command" json:"command"`
	OK         bool   `yaml:"ok" json:"ok"`
	ExitCode   int    `yaml:"exitCode" json:"exitCode"`
	DurationMs int64  `yaml:"durationMs" json:"durationMs"`
	Output     string `yaml:"output,omitempty" json:"output,omitempty"`
}

// GatesAttempt is one short-circuiting pass over a task's gate commands.
type GatesAttempt struct {
	OK      bool         `yaml:"ok" json:"ok"`
	Results []GateResult `yaml:"results" json:"results"`
}

// Failed returns the first failing gate, or nil when every gate passed.
func (g GatesAttempt) Failed() *GateResult {
	for i := range g.Results {
		if !g.Results[i].OK {
			return &g.Results[i]
		}
	}
	return nil
}

// UIResult is the opaque result of an external UI verifier.
type UIResult struct {
	OK         bool     `yaml:"ok" json:"ok"`
	Evidence   []string `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	DurationMs int64    `yaml:"durationMs" json:"durationMs"`
}
