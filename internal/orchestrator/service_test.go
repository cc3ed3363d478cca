package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/runner"
	"github.com/candorlabs/foreman/internal/task"
)

func newTestService(t *testing.T, cfg Config) (*Service, *runner.MockRunner, *task.MemoryStore, *events.Publisher) {
	t.Helper()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = time.Minute
	}
	if cfg.ProposalTimeout == 0 {
		cfg.ProposalTimeout = time.Minute
	}
	store := task.NewMemoryStore()
	mock := runner.NewMockRunner()
	pub := events.NewPublisher()
	svc := New(cfg, store, mock, pub, nil, zerolog.Nop())
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mock, store, pub
}

func createTask(t *testing.T, svc *Service, req task.CreateRequest) task.Task {
	t.Helper()
	if req.Title == "" {
		req.Title = "test task"
	}
	created, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	return created
}

func waitStatus(t *testing.T, svc *Service, taskID string, want task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = svc.Get(context.Background(), taskID)
		return err == nil && got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s (last: %s)", taskID, want, got.Status)
	return got
}

func pendingProposalFor(t *testing.T, svc *Service, store *task.MemoryStore, taskID string) task.Proposal {
	t.Helper()
	var p task.Proposal
	require.Eventually(t, func() bool {
		exec, err := store.LoadActiveExecution(context.Background(), taskID)
		if err != nil {
			return false
		}
		var ok bool
		p, ok = svc.Gate().PendingFor(exec.ID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	return p
}

func TestServiceCreateDefaults(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})

	created := createTask(t, svc, task.CreateRequest{Title: "  build the thing  "})
	require.Equal(t, task.StatusPending, created.Status)
	require.Equal(t, "build the thing", created.Title)
	require.Equal(t, task.TypeDevelopment, created.Type)
	require.Equal(t, task.DefaultPriority, created.Priority)
	require.Equal(t, task.ComplexityModerate, created.Complexity)

	_, err := svc.Create(context.Background(), task.CreateRequest{Title: "x", Priority: 12})
	require.Error(t, err)
}

func TestServiceHappyPath(t *testing.T) {
	svc, mock, store, pub := newTestService(t, Config{})
	mock.Script([]runner.Chunk{
		{Stream: runner.Stdout, Data: "compiling"},
		{Stream: runner.Stderr, Data: "warning: unused import"},
	}, 0)

	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{{Seq: 1, Title: "build", Command: "make build"}},
	})

	evts, cancel := pub.Subscribe(created.ID)
	defer cancel()

	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	done := waitStatus(t, svc, created.ID, task.StatusCompleted)
	require.NotNil(t, done.CompletedAt)
	require.Empty(t, done.Error)

	var types []events.Type
	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-evts:
				types = append(types, evt.Type)
			default:
				return contains(types, events.TypeTaskCompleted)
			}
		}
	}, 5*time.Second, 5*time.Millisecond)
	require.Contains(t, types, events.TypeTaskQueued)
	require.Contains(t, types, events.TypeTaskStarted)
	require.Contains(t, types, events.TypeTaskOutput)

	_, err = store.LoadActiveExecution(context.Background(), created.ID)
	require.ErrorIs(t, err, task.ErrStoreNotFound, "the execution must be closed")
}

func contains(types []events.Type, want events.Type) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestServiceSlotFairness(t *testing.T) {
	svc, mock, _, _ := newTestService(t, Config{MaxConcurrent: 1})
	release := mock.Hold()

	var ids []string
	for i := 0; i < 3; i++ {
		created := createTask(t, svc, task.CreateRequest{})
		ids = append(ids, created.ID)
	}
	for _, id := range ids {
		_, err := svc.Enqueue(context.Background(), id)
		require.NoError(t, err)
	}

	waitStatus(t, svc, ids[0], task.StatusExecuting)
	second, err := svc.Get(context.Background(), ids[1])
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, second.Status, "over-capacity tasks must wait")

	release()
	for _, id := range ids {
		waitStatus(t, svc, id, task.StatusCompleted)
	}
	require.Equal(t, ids, mock.Started(), "queued tasks must start in enqueue order")
}

func TestServiceApprovalFlow(t *testing.T) {
	svc, mock, store, _ := newTestService(t, Config{})
	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{
			{Seq: 1, Title: "prepare", Command: "make prepare"},
			{Seq: 2, Title: "deploy", Command: "make deploy", RequiresApproval: true},
		},
	})

	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusAwaitingApproval)
	p := pendingProposalFor(t, svc, store, created.ID)
	require.Equal(t, "approve", p.Recommended)

	_, err = svc.ResolveProposal(context.Background(), p.ID, "approve", "alice")
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusCompleted)
	require.Len(t, mock.Started(), 2, "the gated segment must run after approval")
}

func TestServiceSkipOptionSkipsGatedSegment(t *testing.T) {
	svc, mock, store, _ := newTestService(t, Config{})
	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{
			{Seq: 1, Title: "prepare", Command: "make prepare"},
			{Seq: 2, Title: "deploy", Command: "make deploy", RequiresApproval: true},
		},
	})

	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusAwaitingApproval)
	p := pendingProposalFor(t, svc, store, created.ID)

	_, err = svc.ResolveProposal(context.Background(), p.ID, "skip", "alice")
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusCompleted)
	require.Len(t, mock.Started(), 1, "the skipped segment must not run")
}

func TestServiceRejectionBlocksAndFreesSlot(t *testing.T) {
	svc, _, store, _ := newTestService(t, Config{MaxConcurrent: 1})
	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{{Seq: 1, Title: "deploy", Command: "make deploy", RequiresApproval: true}},
	})

	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusAwaitingApproval)
	p := pendingProposalFor(t, svc, store, created.ID)

	_, err = svc.RejectProposal(context.Background(), p.ID, "alice")
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusBlocked)

	// The freed slot must admit the next task.
	next := createTask(t, svc, task.CreateRequest{})
	_, err = svc.Enqueue(context.Background(), next.ID)
	require.NoError(t, err)
	waitStatus(t, svc, next.ID, task.StatusCompleted)
}

func TestServiceProposalExpiryBlocks(t *testing.T) {
	svc, _, _, pub := newTestService(t, Config{ProposalTimeout: 20 * time.Millisecond})
	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{{Seq: 1, Title: "deploy", Command: "make deploy", RequiresApproval: true}},
	})

	evts, cancel := pub.Subscribe(created.ID)
	defer cancel()

	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	done := waitStatus(t, svc, created.ID, task.StatusBlocked)
	require.Contains(t, done.Error, "expired")

	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-evts:
				if evt.Type == events.TypeProposalExpired {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 5*time.Millisecond, "expiry must emit its own event type")
}

func TestServiceFailedExecutionFailsTask(t *testing.T) {
	svc, mock, _, _ := newTestService(t, Config{})
	mock.Script([]runner.Chunk{{Stream: runner.Stderr, Data: "boom"}}, 2)

	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{{Seq: 1, Title: "build", Command: "make build"}},
	})
	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	done := waitStatus(t, svc, created.ID, task.StatusFailed)
	require.Contains(t, done.Error, "exited with code 2")
	require.NotNil(t, done.CompletedAt)
}

func TestServiceCancelQueuedTaskIsPassedOver(t *testing.T) {
	svc, mock, _, _ := newTestService(t, Config{MaxConcurrent: 1})
	release := mock.Hold()

	first := createTask(t, svc, task.CreateRequest{})
	second := createTask(t, svc, task.CreateRequest{})
	third := createTask(t, svc, task.CreateRequest{})
	for _, id := range []string{first.ID, second.ID, third.ID} {
		_, err := svc.Enqueue(context.Background(), id)
		require.NoError(t, err)
	}
	waitStatus(t, svc, first.ID, task.StatusExecuting)

	cancelled, err := svc.Cancel(context.Background(), second.ID, "not needed")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, cancelled.Status)

	release()
	waitStatus(t, svc, first.ID, task.StatusCompleted)
	waitStatus(t, svc, third.ID, task.StatusCompleted)
	require.NotContains(t, mock.Started(), second.ID, "a cancelled waiter must never start")
}

func TestServiceCancelExecuting(t *testing.T) {
	svc, mock, store, _ := newTestService(t, Config{MaxConcurrent: 1})
	release := mock.Hold()
	defer release()

	created := createTask(t, svc, task.CreateRequest{})
	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)
	waitStatus(t, svc, created.ID, task.StatusExecuting)

	cancelled, err := svc.Cancel(context.Background(), created.ID, "operator abort")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, cancelled.Status)
	require.Equal(t, "operator abort", cancelled.Error)

	require.Eventually(t, func() bool {
		_, err := store.LoadActiveExecution(context.Background(), created.ID)
		return err != nil
	}, 5*time.Second, 5*time.Millisecond, "the aborted execution must be closed")

	// The slot must be free again.
	next := createTask(t, svc, task.CreateRequest{})
	release()
	_, err = svc.Enqueue(context.Background(), next.ID)
	require.NoError(t, err)
	waitStatus(t, svc, next.ID, task.StatusCompleted)
}

func TestServiceCancelAwaitingApproval(t *testing.T) {
	svc, _, store, _ := newTestService(t, Config{})
	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{{Seq: 1, Title: "deploy", Command: "make deploy", RequiresApproval: true}},
	})
	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusAwaitingApproval)
	p := pendingProposalFor(t, svc, store, created.ID)

	cancelled, err := svc.Cancel(context.Background(), created.ID, "changed plans")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, cancelled.Status)

	require.Eventually(t, func() bool {
		stored, err := store.LoadProposal(context.Background(), p.ID)
		return err == nil && stored.Resolved()
	}, 5*time.Second, 5*time.Millisecond, "the pending proposal must be torn down")
}

func TestServiceCancelTerminalIsNoOp(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	created := createTask(t, svc, task.CreateRequest{})
	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)
	waitStatus(t, svc, created.ID, task.StatusCompleted)

	got, err := svc.Cancel(context.Background(), created.ID, "too late")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status, "cancel after the fact must not rewrite history")
}

func TestServiceEnqueueRequiresCompletedPrerequisites(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	dep := createTask(t, svc, task.CreateRequest{})
	main := createTask(t, svc, task.CreateRequest{Prerequisites: []string{dep.ID}})

	_, err := svc.Enqueue(context.Background(), main.ID)
	require.ErrorIs(t, err, task.ErrPrerequisitesUnmet)

	got, err := svc.Get(context.Background(), main.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status, "a refused enqueue must leave the task pending")

	_, err = svc.Enqueue(context.Background(), dep.ID)
	require.NoError(t, err)
	waitStatus(t, svc, dep.ID, task.StatusCompleted)

	_, err = svc.Enqueue(context.Background(), main.ID)
	require.NoError(t, err)
	waitStatus(t, svc, main.ID, task.StatusCompleted)
}

func TestServiceExecutionTimeout(t *testing.T) {
	svc, mock, _, _ := newTestService(t, Config{ExecutionTimeout: 30 * time.Millisecond})
	release := mock.Hold()
	defer release()

	created := createTask(t, svc, task.CreateRequest{})
	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	done := waitStatus(t, svc, created.ID, task.StatusFailed)
	require.Contains(t, done.Error, "timeout")
}

func TestServiceExecutionTimeoutWhileAwaitingApproval(t *testing.T) {
	svc, _, store, _ := newTestService(t, Config{MaxConcurrent: 1, ExecutionTimeout: 150 * time.Millisecond})
	created := createTask(t, svc, task.CreateRequest{
		Plan: []task.PlanStep{{Seq: 1, Title: "deploy", Command: "make deploy", RequiresApproval: true}},
	})

	_, err := svc.Enqueue(context.Background(), created.ID)
	require.NoError(t, err)

	waitStatus(t, svc, created.ID, task.StatusAwaitingApproval)
	p := pendingProposalFor(t, svc, store, created.ID)

	done := waitStatus(t, svc, created.ID, task.StatusFailed)
	require.Contains(t, done.Error, "timeout", "a proposal left undecided past the execution deadline must fail the task")

	stored, err := store.LoadProposal(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, stored.Resolved(), "the orphaned proposal must be torn down")

	// The freed slot must admit the next task.
	next := createTask(t, svc, task.CreateRequest{})
	_, err = svc.Enqueue(context.Background(), next.ID)
	require.NoError(t, err)
	waitStatus(t, svc, next.ID, task.StatusCompleted)
}

func TestServiceForgetsTaskLocksOnTerminal(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})

	finished := createTask(t, svc, task.CreateRequest{})
	_, err := svc.Enqueue(context.Background(), finished.ID)
	require.NoError(t, err)
	waitStatus(t, svc, finished.ID, task.StatusCompleted)

	cancelled := createTask(t, svc, task.CreateRequest{})
	_, err = svc.Cancel(context.Background(), cancelled.ID, "never mind")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		_, finishedHeld := svc.taskLocks[finished.ID]
		_, cancelledHeld := svc.taskLocks[cancelled.ID]
		return !finishedHeld && !cancelledHeld
	}, 5*time.Second, 5*time.Millisecond, "terminal tasks must not pin their transition mutexes")
}

func TestServiceEnqueueInvalidFromTerminal(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	created := createTask(t, svc, task.CreateRequest{})
	_, err := svc.Cancel(context.Background(), created.ID, "never mind")
	require.NoError(t, err)

	_, err = svc.Enqueue(context.Background(), created.ID)
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}
