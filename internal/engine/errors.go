package engine

import (
	"fmt"
	"strings"

	"github.com/harrison/taskloop/internal/models"
)

// TaskError is returned by Engine.Run when a task ended on an
// infrastructure failure rather than a verification verdict.
type TaskError struct {
	TaskID string
	Phase  models.Phase
	Code   models.ReasonCode
	Err    error
}

// Error implements the error interface for TaskError.
func (e *TaskError) Error() string {
	var sb strings.Builder
	if e.TaskID != "" {
		sb.WriteString(fmt.Sprintf("task %s: ", e.TaskID))
	}
	sb.WriteString(fmt.Sprintf("%s during %s", e.Code, e.Phase))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *TaskError) Unwrap() error {
	return e.Err
}
