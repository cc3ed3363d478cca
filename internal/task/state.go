package task

// Trigger names an event that may move a task through its lifecycle.
type Trigger string

const (
	TriggerEnqueue        Trigger = "enqueue"
	TriggerAdmit          Trigger = "admit"
	TriggerRaiseProposal  Trigger = "raise_proposal"
	TriggerApprove        Trigger = "approve"
	TriggerRejectProposal Trigger = "reject_proposal"
	TriggerExpireProposal Trigger = "expire_proposal"
	TriggerComplete       Trigger = "complete"
	TriggerFail           Trigger = "fail"
	TriggerCancel         Trigger = "cancel"
	// TriggerCompleteExternally marks a still-pending task done because the
	// external planner reports it finished. Only externally owned tasks (no
	// execution on record) may take this path.
	TriggerCompleteExternally Trigger = "complete_externally"
)

// Intent is a side effect the orchestrator must carry out after a successful
// transition. The state machine itself never touches the store, the runner or
// the publisher; it only says what should happen next.
type Intent string

const (
	IntentStartExecution  Intent = "start_execution"
	IntentResumeExecution Intent = "resume_execution"
	IntentAbortExecution  Intent = "abort_execution"
	IntentCancelProposal  Intent = "cancel_proposal"
	IntentReleaseSlot     Intent = "release_slot"
	IntentDropFromQueue   Intent = "drop_from_queue"
	IntentEmitEvent       Intent = "emit_event"
)

type transition struct {
	to      Status
	intents []Intent
}

// rules is the single source of truth for legal lifecycle transitions.
//
//	pending → queued → executing → {awaiting_approval ⇄ executing}
//	        → {completed | failed | blocked | cancelled}
//
// A slot is held from admission until the execution ends: completion, failure,
// cancellation and proposal rejection/expiry all release it, but entering
// awaiting_approval does not (the execution context would be lost otherwise).
var rules = map[Status]map[Trigger]transition{
	StatusPending: {
		TriggerEnqueue:            {StatusQueued, []Intent{IntentEmitEvent}},
		TriggerCancel:             {StatusCancelled, []Intent{IntentEmitEvent}},
		TriggerCompleteExternally: {StatusCompleted, []Intent{IntentEmitEvent}},
	},
	StatusQueued: {
		TriggerAdmit:  {StatusExecuting, []Intent{IntentStartExecution, IntentEmitEvent}},
		TriggerCancel: {StatusCancelled, []Intent{IntentDropFromQueue, IntentEmitEvent}},
	},
	StatusExecuting: {
		TriggerRaiseProposal: {StatusAwaitingApproval, []Intent{IntentEmitEvent}},
		TriggerComplete:      {StatusCompleted, []Intent{IntentReleaseSlot, IntentEmitEvent}},
		TriggerFail:          {StatusFailed, []Intent{IntentReleaseSlot, IntentEmitEvent}},
		TriggerCancel:        {StatusCancelled, []Intent{IntentAbortExecution, IntentReleaseSlot, IntentEmitEvent}},
	},
	StatusAwaitingApproval: {
		TriggerApprove:        {StatusExecuting, []Intent{IntentResumeExecution, IntentEmitEvent}},
		TriggerRejectProposal: {StatusBlocked, []Intent{IntentAbortExecution, IntentReleaseSlot, IntentEmitEvent}},
		TriggerExpireProposal: {StatusBlocked, []Intent{IntentAbortExecution, IntentReleaseSlot, IntentEmitEvent}},
		// The execution can still die under a pending proposal, most often by
		// hitting its timeout.
		TriggerFail:   {StatusFailed, []Intent{IntentReleaseSlot, IntentEmitEvent}},
		TriggerCancel: {StatusCancelled, []Intent{IntentCancelProposal, IntentAbortExecution, IntentReleaseSlot, IntentEmitEvent}},
	},
	StatusBlocked: {
		TriggerCancel: {StatusCancelled, []Intent{IntentEmitEvent}},
	},
}

// triggerTargets gives the status a trigger aims at, for error reporting.
var triggerTargets = map[Trigger]Status{
	TriggerEnqueue:            StatusQueued,
	TriggerAdmit:              StatusExecuting,
	TriggerRaiseProposal:      StatusAwaitingApproval,
	TriggerApprove:            StatusExecuting,
	TriggerRejectProposal:     StatusBlocked,
	TriggerExpireProposal:     StatusBlocked,
	TriggerComplete:           StatusCompleted,
	TriggerFail:               StatusFailed,
	TriggerCancel:             StatusCancelled,
	TriggerCompleteExternally: StatusCompleted,
}

// Apply computes the successor status for a trigger. It is pure: the returned
// intents are instructions for the caller, nothing is executed here.
//
// Cancelling a task that is already terminal is a no-op, not an error: the
// current status comes back with no intents.
func Apply(current Status, trg Trigger) (Status, []Intent, error) {
	if trg == TriggerCancel && isTerminal(current) {
		return current, nil, nil
	}
	byTrigger, ok := rules[current]
	if !ok {
		return current, nil, invalidTransition(current, triggerTargets[trg])
	}
	tr, ok := byTrigger[trg]
	if !ok {
		return current, nil, invalidTransition(current, triggerTargets[trg])
	}
	out := make([]Intent, len(tr.intents))
	copy(out, tr.intents)
	return tr.to, out, nil
}

// CanTransition reports whether a trigger is legal from the given status.
func CanTransition(current Status, trg Trigger) bool {
	if trg == TriggerCancel {
		return true
	}
	_, ok := rules[current][trg]
	return ok
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
