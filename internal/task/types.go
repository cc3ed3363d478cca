package task

import "time"

type Status string

const (
	StatusPending          Status = "pending"
	StatusQueued           Status = "queued"
	StatusExecuting        Status = "executing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusBlocked          Status = "blocked"
	StatusCancelled        Status = "cancelled"
)

type Type string

const (
	TypeDevelopment    Type = "development"
	TypeBugFix         Type = "bug_fix"
	TypeDeployment     Type = "deployment"
	TypeConfiguration  Type = "configuration"
	TypeDocumentation  Type = "documentation"
	TypeTesting        Type = "testing"
	TypeInfrastructure Type = "infrastructure"
	TypeMaintenance    Type = "maintenance"
)

type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// DefaultPriority sits mid-range on the 1 (most urgent) .. 9 scale.
const DefaultPriority = 5

type Task struct {
	ID            string     `json:"id"`
	ExternalID    string     `json:"external_id,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Type          Type       `json:"type"`
	Status        Status     `json:"status"`
	Priority      int        `json:"priority"`
	Complexity    Complexity `json:"complexity"`
	Plan          []PlanStep `json:"plan,omitempty"`
	Prerequisites []string   `json:"prerequisites,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type PlanStep struct {
	Seq              int      `json:"seq"`
	Title            string   `json:"title"`
	Command          string   `json:"command,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	Container   string          `json:"container,omitempty"`
	Output      string          `json:"output,omitempty"`
	ErrorOutput string          `json:"error_output,omitempty"`
	ExitCode    int             `json:"exit_code"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

type ProposalOption struct {
	Name    string            `json:"name"`
	Payload map[string]string `json:"payload,omitempty"`
}

type Proposal struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	ExecutionID  string           `json:"execution_id"`
	Options      []ProposalOption `json:"options"`
	Recommended  string           `json:"recommended,omitempty"`
	Status       ProposalStatus   `json:"status"`
	ChosenOption string           `json:"chosen_option,omitempty"`
	ResolvedBy   string           `json:"resolved_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

type CreateRequest struct {
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Type          Type       `json:"type,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	Complexity    Complexity `json:"complexity,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	Plan          []PlanStep `json:"plan,omitempty"`
	Prerequisites []string   `json:"prerequisites,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Plan != nil {
		out.Plan = make([]PlanStep, len(t.Plan))
		copy(out.Plan, t.Plan)
	}
	if t.Prerequisites != nil {
		out.Prerequisites = make([]string, len(t.Prerequisites))
		copy(out.Prerequisites, t.Prerequisites)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (e Execution) Terminal() bool {
	switch e.Status {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

func (p Proposal) Resolved() bool {
	return p.Status != ProposalPending
}

func (p Proposal) HasOption(name string) bool {
	for _, opt := range p.Options {
		if opt.Name == name {
			return true
		}
	}
	return false
}

func (p Proposal) Option(name string) (ProposalOption, bool) {
	for _, opt := range p.Options {
		if opt.Name == name {
			return opt, true
		}
	}
	return ProposalOption{}, false
}

func (p Proposal) Clone() Proposal {
	out := p
	if p.Options != nil {
		out.Options = make([]ProposalOption, len(p.Options))
		copy(out.Options, p.Options)
	}
	return out
}
