package slots

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/candorlabs/foreman/internal/task"
)

func TestAdmitGrantsUpToCapacity(t *testing.T) {
	m := New(2, nil)

	require.Equal(t, Granted, m.Admit("a", task.StatusQueued))
	require.Equal(t, Granted, m.Admit("b", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("c", task.StatusQueued))
	require.Equal(t, 2, m.ActiveCount())
	require.Equal(t, 1, m.QueueDepth())
}

func TestAdmitRejectsStaleRequests(t *testing.T) {
	m := New(2, nil)

	require.Equal(t, Rejected, m.Admit("a", task.StatusPending))
	require.Equal(t, Rejected, m.Admit("a", task.StatusCancelled))

	require.Equal(t, Granted, m.Admit("a", task.StatusQueued))
	require.Equal(t, Rejected, m.Admit("a", task.StatusQueued), "an active task cannot be admitted twice")
}

func TestAdmitDuplicateWaiterStaysQueuedOnce(t *testing.T) {
	m := New(1, nil)
	require.Equal(t, Granted, m.Admit("a", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("b", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("b", task.StatusQueued))
	require.Equal(t, 1, m.QueueDepth())
}

func TestReleaseGrantsInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var granted []string
	m := New(1, func(taskID string) {
		mu.Lock()
		granted = append(granted, taskID)
		mu.Unlock()
	})

	require.Equal(t, Granted, m.Admit("first", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("second", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("third", task.StatusQueued))

	m.Release("first")
	m.Release("second")
	m.Release("third")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"second", "third"}, granted)
	require.Equal(t, 0, m.ActiveCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	grants := 0
	m := New(1, func(string) { grants++ })

	require.Equal(t, Granted, m.Admit("a", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("b", task.StatusQueued))

	m.Release("a")
	m.Release("a") // second release must not double-grant
	m.Release("unknown")

	require.Equal(t, 1, grants)
	require.Equal(t, 1, m.ActiveCount())
}

func TestForgetDropsWaiter(t *testing.T) {
	var granted []string
	m := New(1, func(taskID string) { granted = append(granted, taskID) })

	require.Equal(t, Granted, m.Admit("a", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("b", task.StatusQueued))
	require.Equal(t, Queued, m.Admit("c", task.StatusQueued))

	m.Forget("b")
	require.Equal(t, 1, m.QueueDepth())

	m.Release("a")
	require.Equal(t, []string{"c"}, granted)
}

func TestConcurrentAdmitReleaseNeverOvershoots(t *testing.T) {
	const capacity = 3
	const workers = 40

	var mu sync.Mutex
	inFlight := 0
	peak := 0

	m := New(capacity, nil)
	var wg sync.WaitGroup

	enter := func(id string) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		m.Release(id)
	}
	m.onGrant = enter

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			if m.Admit(id, task.StatusQueued) == Granted {
				enter(id)
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, peak, capacity, "active executions overshot the slot capacity")
	require.Equal(t, 0, m.ActiveCount())
	require.Equal(t, 0, m.QueueDepth())
}
