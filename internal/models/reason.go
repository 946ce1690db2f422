package models

import "errors"

// ReasonCode is a machine-readable classification of a task or run outcome.
type ReasonCode string

// Reason codes. The category of each code is reported by Category.
const (
	ReasonPass            ReasonCode = "pass"
	ReasonNoEligibleTasks ReasonCode = "no_eligible_tasks"
	ReasonMaxItems        ReasonCode = "max_items_reached"

	ReasonDependencyBlocked   ReasonCode = "dependency_blocked"
	ReasonDependencyMissing   ReasonCode = "dependency_missing"
	ReasonDuplicateInProgress ReasonCode = "duplicate_in_progress"
	ReasonInvalidGates        ReasonCode = "invalid_gates"
	ReasonInvalidTasks        ReasonCode = "invalid_tasks"

	ReasonLockLost          ReasonCode = "lock_lost"
	ReasonDispatchTimeout   ReasonCode = "dispatch_timeout"
	ReasonDispatchTransport ReasonCode = "dispatch_transport"
	ReasonDispatchFailed    ReasonCode = "dispatch_failed"
	ReasonIdleTimeout       ReasonCode = "idle_timeout"
	ReasonIdleAborted       ReasonCode = "idle_aborted"
	ReasonStateWriteFailed  ReasonCode = "state_write_failed"
	ReasonJudgeTransport    ReasonCode = "judge_transport"
	ReasonCancelled         ReasonCode = "cancelled"

	ReasonGatesBudget     ReasonCode = "gates_budget_exhausted"
	ReasonGatesNoProgress ReasonCode = "gates_no_progress"
	ReasonSemanticBudget  ReasonCode = "semantic_budget_exhausted"
	ReasonRepeatedFailure ReasonCode = "repeated_failure"
	ReasonJudgeFail       ReasonCode = "judge_fail"

	ReasonNoChanges      ReasonCode = "no_changes"
	ReasonGateRegression ReasonCode = "gate_regression"
)

// Category groups reason codes into the error taxonomy.
type Category string

// Error taxonomy categories.
const (
	CategorySuccess        Category = "success"
	CategoryPrecondition   Category = "precondition"
	CategoryInfrastructure Category = "infrastructure"
	CategoryVerification   Category = "verification"
	CategoryNoProgress     Category = "no_progress"
)

// Category returns the taxonomy category of the code.
func (c ReasonCode) Category() Category {
	switch c {
	case ReasonPass, ReasonNoEligibleTasks, ReasonMaxItems, "":
		return CategorySuccess
	case ReasonDependencyBlocked, ReasonDependencyMissing, ReasonDuplicateInProgress, ReasonInvalidGates, ReasonInvalidTasks:
		return CategoryPrecondition
	case ReasonLockLost, ReasonDispatchTimeout, ReasonDispatchTransport, ReasonDispatchFailed,
		ReasonIdleTimeout, ReasonIdleAborted, ReasonStateWriteFailed, ReasonJudgeTransport, ReasonCancelled:
		return CategoryInfrastructure
	case ReasonNoChanges, ReasonGateRegression:
		return CategoryNoProgress
	default:
		return CategoryVerification
	}
}

// Retryable reports whether an operator can simply re-run after an outcome
// in this category, as opposed to investigating the environment first.
func (c Category) Retryable() bool {
	return c == CategoryVerification || c == CategoryNoProgress || c == CategorySuccess
}

// CodedError attaches a reason code to an error so that callers several
// layers up can report why an operation stopped.
type CodedError struct {
	Code ReasonCode
	Err  error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// CodeOf returns the reason code carried by err, or fallback when err has
// none.
func CodeOf(err error, fallback ReasonCode) ReasonCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return fallback
}
