package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/observability"
	"github.com/candorlabs/foreman/internal/task"
)

// FallbackOption names the proposal option applied automatically when a
// proposal is rejected or expires. A proposal raised without it blocks the
// task on rejection/expiry.
const FallbackOption = "fallback"

// Resolution is what a waiting execution receives once its proposal is
// decided. Proceed reports whether the execution should continue; Expired
// distinguishes a timer expiry from a human rejection.
type Resolution struct {
	Proceed bool
	Option  string
	Payload map[string]string
	Expired bool
}

type pendingProposal struct {
	proposal task.Proposal
	ch       chan Resolution
	timer    *time.Timer
}

// Gate suspends executions on human decision points. The pending-per-execution
// check is atomic with Raise under one mutex; each pending proposal carries
// its own expiry timer.
type Gate struct {
	store   task.Store
	pub     *events.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingProposal // by proposal ID
	byExec  map[string]string           // execution ID -> proposal ID
}

func NewGate(store task.Store, pub *events.Publisher, metrics *observability.Metrics, log zerolog.Logger, timeout time.Duration) *Gate {
	return &Gate{
		store:   store,
		pub:     pub,
		metrics: metrics,
		log:     log.With().Str("component", "proposal_gate").Logger(),
		timeout: timeout,
		pending: make(map[string]*pendingProposal),
		byExec:  make(map[string]string),
	}
}

// Raise creates a pending proposal for an execution and returns the channel
// the execution should wait on. At most one proposal may be pending per
// execution; a second Raise fails with ErrProposalAlreadyPending.
func (g *Gate) Raise(ctx context.Context, taskID, executionID string, options []task.ProposalOption, recommended string) (task.Proposal, <-chan Resolution, error) {
	if len(options) == 0 {
		return task.Proposal{}, nil, fmt.Errorf("proposal needs at least one option: %w", task.ErrInvalidOption)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, exists := g.byExec[executionID]; exists {
		return task.Proposal{}, nil, fmt.Errorf("execution %s already waiting on proposal %s: %w", executionID, id, task.ErrProposalAlreadyPending)
	}

	now := time.Now().UTC()
	p := task.Proposal{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		ExecutionID: executionID,
		Options:     append([]task.ProposalOption(nil), options...),
		Recommended: recommended,
		Status:      task.ProposalPending,
		CreatedAt:   now,
	}
	if err := g.store.CreateProposal(ctx, p); err != nil {
		return task.Proposal{}, nil, err
	}

	entry := &pendingProposal{
		proposal: p,
		ch:       make(chan Resolution, 1),
	}
	entry.timer = time.AfterFunc(g.timeout, func() { g.expire(p.ID) })
	g.pending[p.ID] = entry
	g.byExec[executionID] = p.ID

	g.pub.Publish(taskID, events.Event{
		Type:        events.TypeProposalCreated,
		TaskID:      taskID,
		ExecutionID: executionID,
		ProposalID:  p.ID,
		Detail:      fmt.Sprintf("Awaiting decision, recommended option %q.", recommended),
		At:          now,
	})
	g.log.Info().Str("task_id", taskID).Str("execution_id", executionID).Str("proposal_id", p.ID).Msg("proposal raised")
	return p.Clone(), entry.ch, nil
}

// Resolve approves a pending proposal with one of its options and resumes the
// waiting execution with that option's payload. Resolving an already-resolved
// proposal is idempotent: the original resolution comes back together with
// ErrProposalAlreadyResolved, and the execution is not resumed again.
func (g *Gate) Resolve(ctx context.Context, proposalID, chosenOption, actor string) (task.Proposal, error) {
	g.mu.Lock()
	entry, ok := g.pending[proposalID]
	if !ok {
		g.mu.Unlock()
		return g.resolvedFromStore(ctx, proposalID)
	}
	if !entry.proposal.HasOption(chosenOption) {
		g.mu.Unlock()
		return task.Proposal{}, fmt.Errorf("option %q: %w", chosenOption, task.ErrInvalidOption)
	}

	resolved, err := g.store.ResolveProposal(ctx, proposalID, task.ProposalApproved, chosenOption, actor, time.Now().UTC())
	if err != nil {
		g.mu.Unlock()
		return resolved, err
	}
	opt, _ := entry.proposal.Option(chosenOption)
	g.finishLocked(entry, Resolution{Proceed: true, Option: chosenOption, Payload: opt.Payload})
	g.mu.Unlock()

	g.afterResolve(resolved, events.TypeProposalResolved, "approved by "+actor)
	return resolved, nil
}

// Reject declines a pending proposal. If the proposal carries a fallback
// option the execution resumes with it; otherwise the execution aborts and
// the task blocks.
func (g *Gate) Reject(ctx context.Context, proposalID, actor string) (task.Proposal, error) {
	return g.decline(ctx, proposalID, actor, false)
}

func (g *Gate) expire(proposalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.decline(ctx, proposalID, "system:expiry", true); err != nil &&
		!errors.Is(err, task.ErrProposalNotFound) && !errors.Is(err, task.ErrProposalAlreadyResolved) {
		g.log.Error().Err(err).Str("proposal_id", proposalID).Msg("proposal expiry failed")
	}
}

func (g *Gate) decline(ctx context.Context, proposalID, actor string, expired bool) (task.Proposal, error) {
	status := task.ProposalRejected
	evtType := events.TypeProposalResolved
	detail := "rejected by " + actor
	if expired {
		status = task.ProposalExpired
		evtType = events.TypeProposalExpired
		detail = "expired without a decision"
	}

	g.mu.Lock()
	entry, ok := g.pending[proposalID]
	if !ok {
		g.mu.Unlock()
		return g.resolvedFromStore(ctx, proposalID)
	}

	resolved, err := g.store.ResolveProposal(ctx, proposalID, status, "", actor, time.Now().UTC())
	if err != nil {
		g.mu.Unlock()
		return resolved, err
	}
	res := Resolution{Proceed: false, Expired: expired}
	if opt, hasFallback := entry.proposal.Option(FallbackOption); hasFallback {
		res = Resolution{Proceed: true, Option: FallbackOption, Payload: opt.Payload, Expired: expired}
	}
	g.finishLocked(entry, res)
	g.mu.Unlock()

	g.afterResolve(resolved, evtType, detail)
	return resolved, nil
}

// CancelForExecution tears down the pending proposal of a cancelled
// execution, if any. The waiting goroutine is released via its context, not
// this channel.
func (g *Gate) CancelForExecution(ctx context.Context, executionID string) {
	g.mu.Lock()
	proposalID, ok := g.byExec[executionID]
	if !ok {
		g.mu.Unlock()
		return
	}
	entry := g.pending[proposalID]
	_, err := g.store.ResolveProposal(ctx, proposalID, task.ProposalRejected, "", "system:cancel", time.Now().UTC())
	g.finishLocked(entry, Resolution{Proceed: false})
	g.mu.Unlock()

	if err != nil && !errors.Is(err, task.ErrProposalAlreadyResolved) {
		g.log.Error().Err(err).Str("proposal_id", proposalID).Msg("cancel pending proposal failed")
	}
}

// PendingFor returns the pending proposal for an execution, if any.
func (g *Gate) PendingFor(executionID string) (task.Proposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byExec[executionID]
	if !ok {
		return task.Proposal{}, false
	}
	return g.pending[id].proposal.Clone(), true
}

func (g *Gate) finishLocked(entry *pendingProposal, res Resolution) {
	entry.timer.Stop()
	delete(g.pending, entry.proposal.ID)
	delete(g.byExec, entry.proposal.ExecutionID)
	entry.ch <- res
	if g.metrics != nil {
		g.metrics.ObserveProposalWait(time.Since(entry.proposal.CreatedAt))
	}
}

func (g *Gate) resolvedFromStore(ctx context.Context, proposalID string) (task.Proposal, error) {
	p, err := g.store.LoadProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, task.ErrProposalNotFound)
		}
		return task.Proposal{}, err
	}
	if p.Resolved() {
		return p, fmt.Errorf("proposal %s: %w", proposalID, task.ErrProposalAlreadyResolved)
	}
	// In the store but not in memory: the gate lost it, which should not
	// happen while the owning execution is alive.
	return p, fmt.Errorf("proposal %s has no waiting execution: %w", proposalID, task.ErrInternal)
}

func (g *Gate) afterResolve(p task.Proposal, evtType events.Type, detail string) {
	g.pub.Publish(p.TaskID, events.Event{
		Type:        evtType,
		TaskID:      p.TaskID,
		ExecutionID: p.ExecutionID,
		ProposalID:  p.ID,
		Status:      string(p.Status),
		Detail:      detail,
	})
	g.log.Info().Str("task_id", p.TaskID).Str("proposal_id", p.ID).Str("status", string(p.Status)).Msg("proposal resolved")
}
