// Package syncer reconciles local task state against the external planner.
// The orchestrator is authoritative: local progress is pushed outward, and
// only tasks the planner still owns (pending, never executed) are pulled
// inward.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/observability"
	"github.com/candorlabs/foreman/internal/planner"
	"github.com/candorlabs/foreman/internal/task"
)

// reconcileParallelism bounds concurrent per-task reconciles within a pass.
const reconcileParallelism = 4

// Orchestrator is the slice of the engine the reconciler drives.
type Orchestrator interface {
	List(ctx context.Context) ([]task.Task, error)
	Enqueue(ctx context.Context, taskID string) (task.Task, error)
	CompleteFromPlanner(ctx context.Context, taskID string) (task.Task, error)
}

// Summary reports what a single pass did.
type Summary struct {
	Examined int `json:"examined"`
	Pushed   int `json:"pushed"`
	Pulled   int `json:"pulled"`
	Failed   int `json:"failed"`
}

type Reconciler struct {
	engine   Orchestrator
	client   planner.Client
	pub      *events.Publisher
	metrics  *observability.Metrics
	log      zerolog.Logger
	bucketID string
	interval time.Duration

	mu sync.Mutex // one pass at a time
}

func New(engine Orchestrator, client planner.Client, pub *events.Publisher, metrics *observability.Metrics, log zerolog.Logger, bucketID string, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		engine:   engine,
		client:   client,
		pub:      pub,
		metrics:  metrics,
		log:      log.With().Str("component", "syncer").Logger(),
		bucketID: bucketID,
		interval: interval,
	}
}

// Run executes a pass immediately and then on every interval tick until the
// context ends. Pass failures are logged and retried next cycle.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("sync pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single reconcile pass over every task carrying an
// external ID. One task's failure never aborts the pass; it is logged,
// counted and retried on the next run.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remote, err := r.client.FetchBucketTasks(ctx, r.bucketID)
	if err != nil {
		r.observeRun("fetch_failed")
		return Summary{}, fmt.Errorf("fetch bucket %s: %w", r.bucketID, err)
	}
	byExternalID := make(map[string]planner.BucketTask, len(remote))
	for _, bt := range remote {
		byExternalID[bt.ExternalID] = bt
	}

	tasks, err := r.engine.List(ctx)
	if err != nil {
		r.observeRun("list_failed")
		return Summary{}, fmt.Errorf("list tasks: %w", err)
	}

	var (
		sumMu   sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, t := range tasks {
		if t.ExternalID == "" {
			continue
		}
		t := t
		bt, known := byExternalID[t.ExternalID]
		sumMu.Lock()
		summary.Examined++
		sumMu.Unlock()
		g.Go(func() error {
			action, err := r.reconcileTask(gctx, t, bt, known)
			sumMu.Lock()
			defer sumMu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
				r.log.Warn().Err(err).
					Str("task_id", t.ID).
					Str("external_id", t.ExternalID).
					Msg("task reconcile failed")
			case action == actionPushed:
				summary.Pushed++
			case action == actionPulled:
				summary.Pulled++
			}
			// Per-task failures are isolated; never poison the group.
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	if summary.Failed > 0 {
		result = "partial"
	}
	r.observeRun(result)

	if r.pub != nil {
		r.pub.Publish(events.GlobalTopic, events.Event{
			Type: events.TypeSyncUpdate,
			Data: fmt.Sprintf("examined=%d pushed=%d pulled=%d failed=%d",
				summary.Examined, summary.Pushed, summary.Pulled, summary.Failed),
		})
	}
	r.log.Info().
		Int("examined", summary.Examined).
		Int("pushed", summary.Pushed).
		Int("pulled", summary.Pulled).
		Int("failed", summary.Failed).
		Msg("sync pass done")
	return summary, nil
}

type action int

const (
	actionNone action = iota
	actionPushed
	actionPulled
)

// reconcileTask applies the conflict policy for one task. Local wins whenever
// the task has progressed past pending; the planner wins only for tasks it
// still owns. Ties are a no-op.
func (r *Reconciler) reconcileTask(ctx context.Context, t task.Task, remote planner.BucketTask, known bool) (action, error) {
	local, pushable := progressFor(t.Status)
	if !known {
		if pushable && local > 0 {
			if err := r.client.PushProgress(ctx, t.ExternalID, local); err != nil {
				return actionNone, err
			}
			return actionPushed, nil
		}
		return actionNone, nil
	}

	switch {
	case pushable && local > remote.Progress:
		if err := r.client.PushProgress(ctx, t.ExternalID, local); err != nil {
			return actionNone, err
		}
		return actionPushed, nil

	case remote.Progress > local && t.Status == task.StatusPending:
		if remote.Progress >= 100 {
			if _, err := r.engine.CompleteFromPlanner(ctx, t.ID); err != nil {
				return actionNone, err
			}
		} else {
			if _, err := r.engine.Enqueue(ctx, t.ID); err != nil {
				return actionNone, err
			}
		}
		return actionPulled, nil
	}
	return actionNone, nil
}

// progressFor maps a local status onto the planner's 0/50/100 scale. The
// second return value is false for statuses that never push (cancelled has no
// external meaning). Failed and blocked both report 50; the planner cannot
// express "stalled", so in-progress is the closest truthful value.
func progressFor(s task.Status) (int, bool) {
	switch s {
	case task.StatusPending, task.StatusQueued:
		return 0, true
	case task.StatusExecuting, task.StatusAwaitingApproval, task.StatusFailed, task.StatusBlocked:
		return 50, true
	case task.StatusCompleted:
		return 100, true
	default:
		return 0, false
	}
}

func (r *Reconciler) observeRun(result string) {
	if r.metrics != nil {
		r.metrics.SyncRuns.WithLabelValues(result).Inc()
	}
}
