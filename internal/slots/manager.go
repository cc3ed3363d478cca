// Package slots bounds the number of concurrently running executions.
package slots

import (
	"sync"

	"github.com/candorlabs/foreman/internal/task"
)

type Admission int

const (
	Granted Admission = iota
	Queued
	Rejected
)

func (a Admission) String() string {
	switch a {
	case Granted:
		return "granted"
	case Queued:
		return "queued"
	default:
		return "rejected"
	}
}

const DefaultMaxConcurrent = 3

// Manager admits execution requests up to a fixed capacity and holds the
// overflow in FIFO order. The active set and the queue live under one mutex:
// admission and release are atomic with respect to each other, so the active
// count can never overshoot the maximum.
type Manager struct {
	mu      sync.Mutex
	max     int
	active  map[string]struct{}
	queue   []string
	onGrant func(taskID string)
}

// New builds a manager with the given capacity. onGrant is invoked (outside
// the lock, in FIFO order) for each queued task that receives a slot when
// capacity frees up; the receiver owns the slot from that moment and must
// call Release when the execution ends, even if it never starts.
func New(max int, onGrant func(taskID string)) *Manager {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	if onGrant == nil {
		onGrant = func(string) {}
	}
	return &Manager{
		max:     max,
		active:  make(map[string]struct{}),
		onGrant: onGrant,
	}
}

// Admit requests a slot for a task. Only tasks currently in the queued status
// are admissible; anything else is a stale request and is Rejected. At
// capacity the task joins the FIFO queue and is granted later via onGrant.
func (m *Manager) Admit(taskID string, status task.Status) Admission {
	if status != task.StatusQueued {
		return Rejected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.active[taskID]; running {
		return Rejected
	}
	for _, id := range m.queue {
		if id == taskID {
			return Queued
		}
	}
	if len(m.active) < m.max {
		m.active[taskID] = struct{}{}
		return Granted
	}
	m.queue = append(m.queue, taskID)
	return Queued
}

// Release frees the slot held by taskID and hands it to the longest-waiting
// queued task, if any. Releasing an unknown task is a no-op.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	if _, held := m.active[taskID]; !held {
		m.mu.Unlock()
		return
	}
	delete(m.active, taskID)

	var granted []string
	for len(m.queue) > 0 && len(m.active) < m.max {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.active[next] = struct{}{}
		granted = append(granted, next)
	}
	if len(m.queue) == 0 {
		m.queue = nil
	}
	m.mu.Unlock()

	for _, id := range granted {
		m.onGrant(id)
	}
}

// Forget drops a task from the wait queue, e.g. after cancellation. Tasks
// holding a slot are unaffected; use Release for those.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue[:0]
	for _, id := range m.queue {
		if id == taskID {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		m.queue = nil
		return
	}
	m.queue = append([]string(nil), out...)
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
