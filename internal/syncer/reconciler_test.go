package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/planner"
	"github.com/candorlabs/foreman/internal/task"
)

// fakeEngine records reconcile decisions without a full orchestrator.
type fakeEngine struct {
	mu        sync.Mutex
	tasks     []task.Task
	listErr   error
	enqueued  []string
	completed []string
	failOn    map[string]error
}

func (f *fakeEngine) List(context.Context) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]task.Task(nil), f.tasks...), nil
}

func (f *fakeEngine) Enqueue(_ context.Context, taskID string) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[taskID]; err != nil {
		return task.Task{}, err
	}
	f.enqueued = append(f.enqueued, taskID)
	return task.Task{ID: taskID, Status: task.StatusQueued}, nil
}

func (f *fakeEngine) CompleteFromPlanner(_ context.Context, taskID string) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[taskID]; err != nil {
		return task.Task{}, err
	}
	f.completed = append(f.completed, taskID)
	return task.Task{ID: taskID, Status: task.StatusCompleted}, nil
}

func localTask(id, externalID string, status task.Status) task.Task {
	return task.Task{ID: id, ExternalID: externalID, Title: id, Status: status}
}

func newTestReconciler(engine *fakeEngine, client planner.Client) (*Reconciler, *events.Publisher) {
	pub := events.NewPublisher()
	return New(engine, client, pub, nil, zerolog.Nop(), "bucket-1", time.Minute), pub
}

func TestRunOncePullsCompletedFromPlanner(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusPending)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 100}})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Examined: 1, Pulled: 1}, summary)
	require.Equal(t, []string{"t1"}, engine.completed)
	require.Empty(t, engine.enqueued)
}

func TestRunOncePullsInProgressToQueued(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusPending)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 50}})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pulled)
	require.Equal(t, []string{"t1"}, engine.enqueued)
}

func TestRunOncePushesLocalProgressOutward(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusExecuting)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 0}})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pushed)
	require.Equal(t, 50, client.Pushed("ext-1"), "an executing task must report in-progress")
	require.Empty(t, engine.enqueued, "local execution history must not be overwritten")
}

func TestRunOnceLocalWinsOverStalePlanner(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusCompleted)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 50}})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pushed)
	require.Equal(t, 100, client.Pushed("ext-1"))
}

func TestRunOnceTieIsNoOp(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusQueued)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 0}})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Examined: 1}, summary)
	require.Equal(t, -1, client.Pushed("ext-1"))
}

func TestRunOnceSkipsTasksWithoutExternalID(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{
		localTask("t1", "", task.StatusExecuting),
		localTask("t2", "ext-2", task.StatusExecuting),
	}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-2", Progress: 0}})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Examined)
}

func TestRunOncePushesUnknownExternalTask(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-9", task.StatusCompleted)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", nil)
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pushed)
	require.Equal(t, 100, client.Pushed("ext-9"))
}

func TestRunOnceIsolatesPerTaskFailures(t *testing.T) {
	engine := &fakeEngine{
		tasks: []task.Task{
			localTask("t1", "ext-1", task.StatusPending),
			localTask("t2", "ext-2", task.StatusPending),
			localTask("t3", "ext-3", task.StatusPending),
		},
		failOn: map[string]error{"t2": errors.New("transition refused")},
	}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{
		{ExternalID: "ext-1", Progress: 100},
		{ExternalID: "ext-2", Progress: 100},
		{ExternalID: "ext-3", Progress: 100},
	})
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err, "one task's failure must not abort the pass")
	require.Equal(t, 3, summary.Examined)
	require.Equal(t, 2, summary.Pulled)
	require.Equal(t, 1, summary.Failed)
	require.ElementsMatch(t, []string{"t1", "t3"}, engine.completed)
}

func TestRunOncePushFailureIsCounted(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusCompleted)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 0}})
	client.FailPush("ext-1", errors.New("planner 503"))
	rec, _ := newTestReconciler(engine, client)

	summary, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, summary.Pushed)
}

func TestRunOnceFetchFailureAbortsPass(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusPending)}}
	client := planner.NewMockClient()
	client.FailFetch(errors.New("planner unreachable"))
	rec, _ := newTestReconciler(engine, client)

	_, err := rec.RunOnce(context.Background())
	require.Error(t, err)
	require.Empty(t, engine.completed)
}

func TestRunOncePublishesSyncUpdate(t *testing.T) {
	engine := &fakeEngine{tasks: []task.Task{localTask("t1", "ext-1", task.StatusPending)}}
	client := planner.NewMockClient()
	client.SetBucket("bucket-1", []planner.BucketTask{{ExternalID: "ext-1", Progress: 100}})
	rec, pub := newTestReconciler(engine, client)

	evts, cancel := pub.Subscribe(events.GlobalTopic)
	defer cancel()

	_, err := rec.RunOnce(context.Background())
	require.NoError(t, err)

	select {
	case evt := <-evts:
		require.Equal(t, events.TypeSyncUpdate, evt.Type)
		require.Contains(t, evt.Data, "pulled=1")
	default:
		t.Fatal("no sync_update event published")
	}
}
