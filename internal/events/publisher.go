// Package events fans task lifecycle events out to subscribers.
package events

import (
	"sync"
	"time"
)

// GlobalTopic is the reserved key for system-wide events such as sync
// completion. Task-scoped and global delivery share one code path; global is
// just another topic.
const GlobalTopic = "*"

type Type string

const (
	TypeTaskCreated      Type = "task_created"
	TypeTaskQueued       Type = "task_queued"
	TypeTaskStarted      Type = "task_started"
	TypeTaskOutput       Type = "task_output"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskFailed       Type = "task_failed"
	TypeTaskBlocked      Type = "task_blocked"
	TypeTaskCancelled    Type = "task_cancelled"
	TypeProposalCreated  Type = "proposal_created"
	TypeProposalResolved Type = "proposal_resolved"
	TypeProposalExpired  Type = "proposal_expired"
	TypeSyncUpdate       Type = "sync_update"
)

type Event struct {
	Type        Type      `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ProposalID  string    `json:"proposal_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Stream      string    `json:"stream,omitempty"`
	Data        string    `json:"data,omitempty"`
	Code        string    `json:"code,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

const defaultHistoryLimit = 512

// Publisher is a best-effort, in-order fan-out keyed by topic. Delivery uses
// buffered channels with a non-blocking send: a slow subscriber loses events
// rather than stalling the orchestrator or its peers. There is no replay; a
// subscriber only sees events emitted after it subscribed. A bounded per-task
// history backs reconnecting dashboards.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	history     map[string][]Event
	historyMax  int
}

func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[string]map[int]chan Event),
		history:     make(map[string][]Event),
		historyMax:  defaultHistoryLimit,
	}
}

// Subscribe registers for events on a topic (a task ID, or GlobalTopic). The
// returned cancel func closes the channel and drops the registration;
// cancelling twice is safe.
func (p *Publisher) Subscribe(topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	p.mu.Lock()
	p.nextSubID++
	id := p.nextSubID
	if _, ok := p.subscribers[topic]; !ok {
		p.subscribers[topic] = make(map[int]chan Event)
	}
	p.subscribers[topic][id] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subscribers[topic]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(p.subscribers, topic)
		}
	}
}

// Publish delivers an event to the topic's subscribers in emit order and
// records it in the task history when the event names a task.
func (p *Publisher) Publish(topic string, evt Event) {
	if topic == "" {
		topic = GlobalTopic
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	p.mu.Lock()
	if evt.TaskID != "" {
		p.history[evt.TaskID] = append(p.history[evt.TaskID], evt)
		if n := len(p.history[evt.TaskID]); n > p.historyMax {
			p.history[evt.TaskID] = append([]Event(nil), p.history[evt.TaskID][n-p.historyMax:]...)
		}
	}
	for _, ch := range p.subscribers[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	// Topic events also feed the global stream.
	if topic != GlobalTopic {
		for _, ch := range p.subscribers[GlobalTopic] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	p.mu.Unlock()
}

// History returns up to limit most recent events recorded for a task.
func (p *Publisher) History(taskID string, limit int) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	events := p.history[taskID]
	if len(events) == 0 {
		return []Event{}
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out
}
