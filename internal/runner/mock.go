package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/candorlabs/foreman/internal/task"
)

// MockRunner is a deterministic in-memory Runner for tests and for running
// the service without a container engine. Each Start produces the scripted
// chunks and exit code; StartErr short-circuits Start entirely.
type MockRunner struct {
	mu       sync.Mutex
	seq      int
	chunks   []Chunk
	exitCode int
	startErr error
	hold     chan struct{}
	started  []string
	signals  map[Handle][]Signal
}

func NewMockRunner() *MockRunner {
	return &MockRunner{signals: make(map[Handle][]Signal)}
}

func (m *MockRunner) Script(chunks []Chunk, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append([]Chunk(nil), chunks...)
	m.exitCode = exitCode
}

func (m *MockRunner) FailStarts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Hold makes Wait block until the returned release func is called, so tests
// can keep an execution in flight.
func (m *MockRunner) Hold() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
	ch := m.hold
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (m *MockRunner) Start(ctx context.Context, taskID string, _ []task.PlanStep) (Handle, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return "", m.startErr
	}
	m.seq++
	h := Handle(fmt.Sprintf("mock-%s-%d", taskID, m.seq))
	m.started = append(m.started, taskID)
	return h, nil
}

func (m *MockRunner) Stream(ctx context.Context, _ Handle) (<-chan Chunk, error) {
	m.mu.Lock()
	chunks := append([]Chunk(nil), m.chunks...)
	m.mu.Unlock()

	out := make(chan Chunk, len(chunks)+1)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *MockRunner) Signal(_ context.Context, h Handle, sig Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[h] = append(m.signals[h], sig)
	return nil
}

func (m *MockRunner) Wait(ctx context.Context, h Handle) (int, error) {
	m.mu.Lock()
	hold := m.hold
	code := m.exitCode
	m.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	return code, nil
}

func (m *MockRunner) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

func (m *MockRunner) Signals(h Handle) []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Signal(nil), m.signals[h]...)
}
