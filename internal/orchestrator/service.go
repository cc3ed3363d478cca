// Package orchestrator owns the task lifecycle: it validates transitions,
// bounds concurrent executions, drives containers, gates on proposals and
// publishes progress events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/observability"
	"github.com/candorlabs/foreman/internal/runner"
	"github.com/candorlabs/foreman/internal/slots"
	"github.com/candorlabs/foreman/internal/task"
)

type Config struct {
	MaxConcurrent    int
	ExecutionTimeout time.Duration
	ProposalTimeout  time.Duration
}

type runningExecution struct {
	executionID string
	cancel      context.CancelFunc
	handle      runner.Handle
}

type Service struct {
	cfg     Config
	store   task.Store
	runner  runner.Runner
	slots   *slots.Manager
	gate    *Gate
	pub     *events.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
	running   map[string]*runningExecution
}

func New(cfg Config, store task.Store, run runner.Runner, pub *events.Publisher, metrics *observability.Metrics, log zerolog.Logger) *Service {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Minute
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		store:      store,
		runner:     run,
		pub:        pub,
		metrics:    metrics,
		log:        log.With().Str("component", "orchestrator").Logger(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		taskLocks:  make(map[string]*sync.Mutex),
		running:    make(map[string]*runningExecution),
	}
	s.slots = slots.New(cfg.MaxConcurrent, s.startAdmitted)
	s.gate = NewGate(store, pub, metrics, log, cfg.ProposalTimeout)
	return s
}

// Gate exposes the proposal gate, mainly for tests that drive it directly.
func (s *Service) Gate() *Gate {
	return s.gate
}

// Create registers a new task in pending state.
func (s *Service) Create(ctx context.Context, req task.CreateRequest) (task.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return task.Task{}, errors.New("title is required")
	}
	taskType := req.Type
	if taskType == "" {
		taskType = task.TypeDevelopment
	}
	priority := req.Priority
	if priority == 0 {
		priority = task.DefaultPriority
	}
	if priority < 1 || priority > 9 {
		return task.Task{}, fmt.Errorf("priority %d out of range 1..9", priority)
	}
	complexity := req.Complexity
	if complexity == "" {
		complexity = task.ComplexityModerate
	}

	plan := append([]task.PlanStep(nil), req.Plan...)
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Seq < plan[j].Seq })

	now := time.Now().UTC()
	t := task.Task{
		ID:            uuid.NewString(),
		ExternalID:    strings.TrimSpace(req.ExternalID),
		Title:         title,
		Description:   strings.TrimSpace(req.Description),
		Type:          taskType,
		Status:        task.StatusPending,
		Priority:      priority,
		Complexity:    complexity,
		Plan:          plan,
		Prerequisites: append([]string(nil), req.Prerequisites...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return task.Task{}, err
	}

	s.pub.Publish(t.ID, events.Event{
		Type:   events.TypeTaskCreated,
		TaskID: t.ID,
		Status: string(t.Status),
		Detail: title,
		At:     now,
	})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("created")
	}
	s.log.Info().Str("task_id", t.ID).Str("type", string(taskType)).Msg("task created")
	return t, nil
}

// Enqueue moves a pending task to queued (prerequisites permitting) and asks
// the slot manager for admission. With a free slot the task starts executing
// immediately; otherwise it waits its turn in FIFO order.
func (s *Service) Enqueue(ctx context.Context, taskID string) (task.Task, error) {
	t, _, err := s.transition(ctx, taskID, task.TriggerEnqueue, task.Mutations{})
	if err != nil {
		return task.Task{}, err
	}

	switch s.slots.Admit(taskID, t.Status) {
	case slots.Granted:
		s.startAdmitted(taskID)
	case slots.Queued:
	case slots.Rejected:
		s.log.Warn().Str("task_id", taskID).Msg("stale admission request")
	}
	s.syncGauges()
	return s.Get(ctx, taskID)
}

// Cancel moves a task to cancelled from any non-terminal state, aborting the
// running execution and pending proposal if there are any. Cancelling a
// terminal task is a no-op.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) (task.Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	now := time.Now().UTC()
	t, intents, err := s.transition(ctx, taskID, task.TriggerCancel, task.Mutations{Error: &reason, CompletedAt: &now})
	if err != nil {
		return task.Task{}, err
	}
	for _, intent := range intents {
		switch intent {
		case task.IntentDropFromQueue:
			s.slots.Forget(taskID)
		case task.IntentCancelProposal:
			if entry := s.runningEntry(taskID); entry != nil {
				s.gate.CancelForExecution(ctx, entry.executionID)
			}
		case task.IntentAbortExecution:
			s.abortRunning(ctx, taskID)
		case task.IntentReleaseSlot:
			// The execution goroutine owns the slot and releases it on exit;
			// releasing here as well is harmless and covers the case where
			// the goroutine never started.
			s.slots.Release(taskID)
		}
	}
	s.syncGauges()
	return t, nil
}

// CompleteFromPlanner marks a still-pending task completed because the
// external planner reports it finished. The sync reconciler is the only
// caller; tasks with local execution history never take this path.
func (s *Service) CompleteFromPlanner(ctx context.Context, taskID string) (task.Task, error) {
	now := time.Now().UTC()
	t, _, err := s.transition(ctx, taskID, task.TriggerCompleteExternally, task.Mutations{CompletedAt: &now})
	return t, err
}

// ResolveProposal approves a pending proposal with one of its options and
// resumes the gated execution.
func (s *Service) ResolveProposal(ctx context.Context, proposalID, option, actor string) (task.Proposal, error) {
	return s.gate.Resolve(ctx, proposalID, option, actor)
}

// RejectProposal declines a pending proposal; without a fallback option the
// owning task blocks.
func (s *Service) RejectProposal(ctx context.Context, proposalID, actor string) (task.Proposal, error) {
	return s.gate.Reject(ctx, proposalID, actor)
}

func (s *Service) Get(ctx context.Context, taskID string) (task.Task, error) {
	t, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Task{}, fmt.Errorf("task %s: %w", taskID, task.ErrTaskNotFound)
		}
		return task.Task{}, err
	}
	return t, nil
}

func (s *Service) List(ctx context.Context) ([]task.Task, error) {
	return s.store.ListTasks(ctx)
}

func (s *Service) GetProposal(ctx context.Context, proposalID string) (task.Proposal, error) {
	p, err := s.store.LoadProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, task.ErrProposalNotFound)
		}
		return task.Proposal{}, err
	}
	return p, nil
}

// Subscribe registers for a task's events, or for system-wide events via
// events.GlobalTopic.
func (s *Service) Subscribe(topic string) (<-chan events.Event, func()) {
	return s.pub.Subscribe(topic)
}

func (s *Service) History(taskID string, limit int) []events.Event {
	return s.pub.History(taskID, limit)
}

// Close stops accepting work, cancels running executions and waits for their
// goroutines to drain.
func (s *Service) Close() error {
	s.baseCancel()
	s.wg.Wait()
	return nil
}

// transition serializes status changes per task, applies the pure state
// machine, persists the result with an optimistic status check and emits the
// matching lifecycle event. A store conflict is retried once against fresh
// state before surfacing as an internal error.
func (s *Service) transition(ctx context.Context, taskID string, trg task.Trigger, mut task.Mutations) (task.Task, []task.Intent, error) {
	unlock := s.lockTask(taskID)
	defer unlock()
	return s.transitionLocked(ctx, taskID, trg, mut, true)
}

func (s *Service) transitionLocked(ctx context.Context, taskID string, trg task.Trigger, mut task.Mutations, retry bool) (task.Task, []task.Intent, error) {
	t, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Task{}, nil, fmt.Errorf("task %s: %w", taskID, task.ErrTaskNotFound)
		}
		return task.Task{}, nil, err
	}

	next, intents, err := task.Apply(t.Status, trg)
	if err != nil {
		return t, nil, err
	}
	if next == t.Status && len(intents) == 0 {
		return t, nil, nil
	}
	if trg == task.TriggerEnqueue {
		if err := s.checkPrerequisites(ctx, t); err != nil {
			return t, nil, err
		}
	}

	if err := s.store.SaveTaskTransition(ctx, taskID, t.Status, next, mut); err != nil {
		if errors.Is(err, task.ErrStoreConflict) && retry {
			return s.transitionLocked(ctx, taskID, trg, mut, false)
		}
		if errors.Is(err, task.ErrStoreConflict) {
			return t, nil, fmt.Errorf("transition %s -> %s kept conflicting: %w", t.Status, next, task.ErrInternal)
		}
		return t, nil, err
	}

	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	if mut.Error != nil {
		t.Error = *mut.Error
	}
	if mut.CompletedAt != nil {
		at := *mut.CompletedAt
		t.CompletedAt = &at
	}
	if t.Terminal() {
		s.forgetLock(taskID)
	}

	for _, intent := range intents {
		if intent == task.IntentEmitEvent {
			s.emitTransition(t, trg)
			break
		}
	}
	return t, intents, nil
}

func (s *Service) checkPrerequisites(ctx context.Context, t task.Task) error {
	var unmet []string
	for _, id := range t.Prerequisites {
		prereq, err := s.store.LoadTask(ctx, id)
		if err != nil || prereq.Status != task.StatusCompleted {
			unmet = append(unmet, id)
		}
	}
	if len(unmet) > 0 {
		return fmt.Errorf("task %s waiting on %s: %w", t.ID, strings.Join(unmet, ", "), task.ErrPrerequisitesUnmet)
	}
	return nil
}

var transitionEvents = map[task.Trigger]events.Type{
	task.TriggerEnqueue:        events.TypeTaskQueued,
	task.TriggerAdmit:          events.TypeTaskStarted,
	task.TriggerComplete:       events.TypeTaskCompleted,
	task.TriggerFail:           events.TypeTaskFailed,
	task.TriggerRejectProposal: events.TypeTaskBlocked,
	task.TriggerExpireProposal: events.TypeTaskBlocked,
	task.TriggerCancel:         events.TypeTaskCancelled,

	task.TriggerCompleteExternally: events.TypeTaskCompleted,
}

func (s *Service) emitTransition(t task.Task, trg task.Trigger) {
	evtType, ok := transitionEvents[trg]
	if !ok {
		return
	}
	s.pub.Publish(t.ID, events.Event{
		Type:   evtType,
		TaskID: t.ID,
		Status: string(t.Status),
		Detail: t.Error,
	})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent(string(evtType))
	}
}

// startAdmitted is invoked with the slot already held, either directly after
// a Granted admission or by the slot manager when a queued task's turn comes.
// It either hands the slot to the execution goroutine or releases it.
func (s *Service) startAdmitted(taskID string) {
	ctx := s.baseCtx
	t, _, err := s.transition(ctx, taskID, task.TriggerAdmit, task.Mutations{})
	if err != nil {
		// Stale grant: the task moved on (typically cancelled) while queued.
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("admission grant dropped")
		s.slots.Release(taskID)
		return
	}

	e := task.Execution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    task.ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		msg := "could not create execution record"
		_, _, _ = s.transition(ctx, taskID, task.TriggerFail, task.Mutations{Error: &msg, CompletedAt: timePtr(time.Now().UTC())})
		s.log.Error().Err(err).Str("task_id", taskID).Msg("create execution failed")
		s.slots.Release(taskID)
		return
	}

	runCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.ExecutionTimeout)
	s.mu.Lock()
	s.running[taskID] = &runningExecution{executionID: e.ID, cancel: cancel}
	s.mu.Unlock()
	s.syncGauges()

	s.wg.Add(1)
	go s.runExecution(runCtx, cancel, t, e)
}

type segment struct {
	steps []task.PlanStep
	gated bool
}

// splitSegments cuts the plan at approval boundaries: a step that requires
// approval opens a new segment that won't start until its proposal resolves.
func splitSegments(plan []task.PlanStep) []segment {
	var out []segment
	for _, step := range plan {
		if step.RequiresApproval || len(out) == 0 {
			out = append(out, segment{gated: step.RequiresApproval})
		}
		last := &out[len(out)-1]
		last.steps = append(last.steps, step)
	}
	if len(out) == 0 {
		out = append(out, segment{})
	}
	return out
}

// decisionOptions are the choices offered at an approval boundary: run the
// gated segment, or skip it and move on.
func decisionOptions() []task.ProposalOption {
	return []task.ProposalOption{
		{Name: "approve"},
		{Name: "skip", Payload: map[string]string{"skip": "true"}},
	}
}

func (s *Service) runExecution(ctx context.Context, cancel context.CancelFunc, t task.Task, e task.Execution) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.running, t.ID)
		s.mu.Unlock()
		s.slots.Release(t.ID)
		s.syncGauges()
	}()

	log := s.log.With().Str("task_id", t.ID).Str("execution_id", e.ID).Logger()
	var outBuf, errBuf strings.Builder

	for _, seg := range splitSegments(t.Plan) {
		if seg.gated {
			proceed, ok := s.awaitApproval(ctx, t, e, seg.steps[0], &outBuf, &errBuf, log)
			if !ok {
				return
			}
			if !proceed {
				continue
			}
		}
		exitCode, err := s.runSegment(ctx, t, e, seg.steps, &outBuf, &errBuf)
		if err != nil {
			if ctx.Err() != nil {
				s.finishInterrupted(ctx, t, e, &outBuf, &errBuf, log)
				return
			}
			s.failExecution(t, e, fmt.Errorf("%w: %v", task.ErrContainerError, err), &outBuf, &errBuf, log)
			return
		}
		if exitCode != 0 {
			s.failExecutionExit(t, e, exitCode, &outBuf, &errBuf, log)
			return
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := s.store.CloseExecution(closeCtx, e.ID, task.ExecutionResult{
		Status:      task.ExecutionSucceeded,
		Output:      outBuf.String(),
		ErrorOutput: errBuf.String(),
	}); err != nil {
		log.Error().Err(err).Msg("close execution failed")
	}
	now := time.Now().UTC()
	if _, _, err := s.transition(closeCtx, t.ID, task.TriggerComplete, task.Mutations{CompletedAt: &now}); err != nil {
		log.Error().Err(err).Msg("complete transition failed")
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveExecutionDuration(time.Since(e.StartedAt))
	}
	log.Info().Msg("execution succeeded")
}

// awaitApproval raises a proposal for a gated step and blocks until it is
// decided. The second return value is false when the execution must stop; the
// first is false when the decision was to skip the gated segment.
func (s *Service) awaitApproval(ctx context.Context, t task.Task, e task.Execution, step task.PlanStep, outBuf, errBuf *strings.Builder, log zerolog.Logger) (proceed, ok bool) {
	_, resCh, err := s.gate.Raise(ctx, t.ID, e.ID, decisionOptions(), "approve")
	if err != nil {
		s.failExecution(t, e, err, outBuf, errBuf, log)
		return false, false
	}
	if _, _, err := s.transition(ctx, t.ID, task.TriggerRaiseProposal, task.Mutations{}); err != nil {
		s.gate.CancelForExecution(ctx, e.ID)
		s.finishInterrupted(ctx, t, e, outBuf, errBuf, log)
		return false, false
	}

	select {
	case res := <-resCh:
		if !res.Proceed {
			s.blockExecution(t, e, res.Expired, outBuf, errBuf, log)
			return false, false
		}
		if _, _, err := s.transition(ctx, t.ID, task.TriggerApprove, task.Mutations{}); err != nil {
			s.finishInterrupted(ctx, t, e, outBuf, errBuf, log)
			return false, false
		}
		if res.Payload["skip"] == "true" {
			s.pub.Publish(t.ID, events.Event{
				Type:        events.TypeTaskOutput,
				TaskID:      t.ID,
				ExecutionID: e.ID,
				Stream:      string(runner.Stdout),
				Data:        fmt.Sprintf(">> step %d skipped by decision", step.Seq),
			})
			return false, true
		}
		return true, true
	case <-ctx.Done():
		cleanCtx, cleanCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanCancel()
		s.gate.CancelForExecution(cleanCtx, e.ID)
		s.finishInterrupted(ctx, t, e, outBuf, errBuf, log)
		return false, false
	}
}

func (s *Service) runSegment(ctx context.Context, t task.Task, e task.Execution, steps []task.PlanStep, outBuf, errBuf *strings.Builder) (int, error) {
	handle, err := s.runner.Start(ctx, t.ID, steps)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if entry := s.running[t.ID]; entry != nil {
		entry.handle = handle
	}
	s.mu.Unlock()

	stream, err := s.runner.Stream(ctx, handle)
	if err != nil {
		return 0, err
	}
	for chunk := range stream {
		switch chunk.Stream {
		case runner.Stderr:
			errBuf.WriteString(chunk.Data)
			errBuf.WriteString("\n")
		default:
			outBuf.WriteString(chunk.Data)
			outBuf.WriteString("\n")
		}
		s.pub.Publish(t.ID, events.Event{
			Type:        events.TypeTaskOutput,
			TaskID:      t.ID,
			ExecutionID: e.ID,
			Stream:      string(chunk.Stream),
			Data:        chunk.Data,
		})
	}
	return s.runner.Wait(ctx, handle)
}

func (s *Service) failExecution(t task.Task, e task.Execution, cause error, outBuf, errBuf *strings.Builder, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CloseExecution(ctx, e.ID, task.ExecutionResult{
		Status:      task.ExecutionFailed,
		Output:      outBuf.String(),
		ErrorOutput: errBuf.String(),
		ExitCode:    -1,
	}); err != nil {
		log.Error().Err(err).Msg("close execution failed")
	}
	fault := task.FaultFrom(cause)
	now := time.Now().UTC()
	if _, _, err := s.transition(ctx, t.ID, task.TriggerFail, task.Mutations{Error: &fault.Message, CompletedAt: &now}); err != nil {
		log.Error().Err(err).Msg("fail transition failed")
	}
	log.Error().Err(cause).Msg("execution failed")
}

func (s *Service) failExecutionExit(t task.Task, e task.Execution, exitCode int, outBuf, errBuf *strings.Builder, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CloseExecution(ctx, e.ID, task.ExecutionResult{
		Status:      task.ExecutionFailed,
		Output:      outBuf.String(),
		ErrorOutput: errBuf.String(),
		ExitCode:    exitCode,
	}); err != nil {
		log.Error().Err(err).Msg("close execution failed")
	}
	msg := fmt.Sprintf("container exited with code %d", exitCode)
	now := time.Now().UTC()
	if _, _, err := s.transition(ctx, t.ID, task.TriggerFail, task.Mutations{Error: &msg, CompletedAt: &now}); err != nil {
		log.Error().Err(err).Msg("fail transition failed")
	}
	log.Error().Int("exit_code", exitCode).Msg("execution failed")
}

// blockExecution handles proposal rejection or expiry without a fallback: the
// execution closes as cancelled and the task blocks awaiting intervention.
func (s *Service) blockExecution(t task.Task, e task.Execution, expired bool, outBuf, errBuf *strings.Builder, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trg := task.TriggerRejectProposal
	msg := "proposal rejected"
	if expired {
		trg = task.TriggerExpireProposal
		msg = "proposal expired"
	}
	if err := s.store.CloseExecution(ctx, e.ID, task.ExecutionResult{
		Status:      task.ExecutionCancelled,
		Output:      outBuf.String(),
		ErrorOutput: errBuf.String(),
	}); err != nil {
		log.Error().Err(err).Msg("close execution failed")
	}
	if _, _, err := s.transition(ctx, t.ID, trg, task.Mutations{Error: &msg}); err != nil {
		log.Error().Err(err).Msg("block transition failed")
	}
	log.Warn().Bool("expired", expired).Msg("execution blocked")
}

// finishInterrupted closes an execution whose context ended: a deadline means
// the execution timed out and fails the task; a cancellation means Cancel
// already owns the task transition and only the execution record is closed.
func (s *Service) finishInterrupted(ctx context.Context, t task.Task, e task.Execution, outBuf, errBuf *strings.Builder, log zerolog.Logger) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if err := s.store.CloseExecution(closeCtx, e.ID, task.ExecutionResult{
			Status:      task.ExecutionFailed,
			Output:      outBuf.String(),
			ErrorOutput: errBuf.String(),
			ExitCode:    -1,
		}); err != nil {
			log.Error().Err(err).Msg("close execution failed")
		}
		fault := task.FaultFrom(task.ErrExecutionTimeout)
		now := time.Now().UTC()
		if _, _, err := s.transition(closeCtx, t.ID, task.TriggerFail, task.Mutations{Error: &fault.Message, CompletedAt: &now}); err != nil {
			log.Error().Err(err).Msg("timeout transition failed")
		}
		log.Warn().Msg("execution timed out")
		return
	}

	if err := s.store.CloseExecution(closeCtx, e.ID, task.ExecutionResult{
		Status:      task.ExecutionCancelled,
		Output:      outBuf.String(),
		ErrorOutput: errBuf.String(),
	}); err != nil && !errors.Is(err, task.ErrStoreConflict) {
		log.Error().Err(err).Msg("close execution failed")
	}
	log.Info().Msg("execution cancelled")
}

func (s *Service) abortRunning(ctx context.Context, taskID string) {
	s.mu.Lock()
	entry := s.running[taskID]
	var handle runner.Handle
	if entry != nil {
		handle = entry.handle
	}
	s.mu.Unlock()
	if entry == nil {
		return
	}
	if handle != "" {
		if err := s.runner.Signal(ctx, handle, runner.SignalTerminate); err != nil {
			s.log.Warn().Err(err).Str("task_id", taskID).Msg("terminate signal failed")
		}
	}
	entry.cancel()
}

func (s *Service) runningEntry(taskID string) *runningExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[taskID]
}

func (s *Service) lockTask(taskID string) func() {
	s.mu.Lock()
	l, ok := s.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.taskLocks[taskID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// forgetLock drops a task's transition mutex once the task is terminal, so
// the lock map does not grow with every task the daemon ever saw. The only
// transitions left from a terminal state are no-ops and rejections, and the
// store's status check still serializes those.
func (s *Service) forgetLock(taskID string) {
	s.mu.Lock()
	delete(s.taskLocks, taskID)
	s.mu.Unlock()
}

func (s *Service) syncGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveExecutions.Set(float64(s.slots.ActiveCount()))
	s.metrics.SlotQueueDepth.Set(float64(s.slots.QueueDepth()))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
