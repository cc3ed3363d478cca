package task

import (
	"context"
	"errors"
	"time"
)

var ErrStoreNotFound = errors.New("not found in store")

// Mutations carries the optional field updates applied together with a status
// transition. Nil fields are left untouched.
type Mutations struct {
	Error       *string
	CompletedAt *time.Time
}

// ExecutionResult closes out an execution. Once applied the execution's
// terminal status is immutable.
type ExecutionResult struct {
	Status      ExecutionStatus
	Output      string
	ErrorOutput string
	ExitCode    int
	Artifacts   []string
	EndedAt     time.Time
}

// Store is the durable record of tasks, executions and proposals. All writes
// are transactional per task; SaveTaskTransition detects concurrent writers by
// checking the current status (optimistic concurrency) and reports
// ErrStoreConflict when the check fails.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	LoadTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	SaveTaskTransition(ctx context.Context, id string, from, to Status, mut Mutations) error

	CreateExecution(ctx context.Context, e Execution) error
	LoadActiveExecution(ctx context.Context, taskID string) (Execution, error)
	CloseExecution(ctx context.Context, executionID string, result ExecutionResult) error

	CreateProposal(ctx context.Context, p Proposal) error
	LoadProposal(ctx context.Context, id string) (Proposal, error)
	ResolveProposal(ctx context.Context, id string, status ProposalStatus, chosen, actor string, at time.Time) (Proposal, error)

	Close() error
}
