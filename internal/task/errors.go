package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration taxonomy. Callers categorize with
// errors.Is; user-facing surfaces convert them through Fault.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPrerequisitesUnmet = errors.New("prerequisites unmet")
	// ErrSlotUnavailable is reserved: admission queues rather than refuses,
	// so nothing returns it today, but the slot_unavailable fault code stays
	// part of the client contract.
	ErrSlotUnavailable         = errors.New("no execution slot available")
	ErrProposalAlreadyPending  = errors.New("proposal already pending for execution")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrProposalAlreadyResolved = errors.New("proposal already resolved")
	ErrInvalidOption           = errors.New("option is not one of the proposal's options")
	ErrExecutionTimeout        = errors.New("execution timed out")
	ErrContainerError          = errors.New("container runner failed")
	ErrStoreConflict           = errors.New("store conflict")
	ErrTaskNotFound            = errors.New("task not found")
	// ErrExecutionNotFound is reserved for surfaces that address executions
	// directly; the current API only reaches executions through their task.
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInternal          = errors.New("internal error")
)

// Fault is the structured result that crosses the core boundary: a stable
// machine code plus a human-readable message, never raw internal detail.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func FaultFrom(err error) Fault {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return Fault{Code: "invalid_transition", Message: err.Error()}
	case errors.Is(err, ErrPrerequisitesUnmet):
		return Fault{Code: "prerequisites_unmet", Message: err.Error()}
	case errors.Is(err, ErrSlotUnavailable):
		return Fault{Code: "slot_unavailable", Message: "All execution slots are busy; the task was requeued."}
	case errors.Is(err, ErrProposalAlreadyPending):
		return Fault{Code: "proposal_already_pending", Message: err.Error()}
	case errors.Is(err, ErrProposalNotFound):
		return Fault{Code: "proposal_not_found", Message: err.Error()}
	case errors.Is(err, ErrProposalAlreadyResolved):
		return Fault{Code: "proposal_already_resolved", Message: err.Error()}
	case errors.Is(err, ErrInvalidOption):
		return Fault{Code: "invalid_option", Message: err.Error()}
	case errors.Is(err, ErrExecutionTimeout):
		return Fault{Code: "execution_timeout", Message: "The execution exceeded its configured timeout."}
	case errors.Is(err, ErrContainerError):
		return Fault{Code: "container_error", Message: "The container runner reported a failure."}
	case errors.Is(err, ErrTaskNotFound):
		return Fault{Code: "task_not_found", Message: err.Error()}
	case errors.Is(err, ErrExecutionNotFound):
		return Fault{Code: "execution_not_found", Message: err.Error()}
	case errors.Is(err, ErrStoreConflict):
		return Fault{Code: "internal_error", Message: "The task changed concurrently; please retry."}
	default:
		return Fault{Code: "internal_error", Message: "An internal error occurred."}
	}
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
