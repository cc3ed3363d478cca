package planner

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory planner for tests.
type MockClient struct {
	mu       sync.Mutex
	buckets  map[string][]BucketTask
	pushed   map[string]int
	fetchErr error
	pushErr  map[string]error
}

func NewMockClient() *MockClient {
	return &MockClient{
		buckets: make(map[string][]BucketTask),
		pushed:  make(map[string]int),
		pushErr: make(map[string]error),
	}
}

func (m *MockClient) SetBucket(bucketID string, tasks []BucketTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucketID] = append([]BucketTask(nil), tasks...)
}

func (m *MockClient) FailFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

func (m *MockClient) FailPush(externalID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushErr[externalID] = err
}

func (m *MockClient) FetchBucketTasks(_ context.Context, bucketID string) ([]BucketTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	tasks, ok := m.buckets[bucketID]
	if !ok {
		return nil, fmt.Errorf("bucket %s not found", bucketID)
	}
	return append([]BucketTask(nil), tasks...), nil
}

func (m *MockClient) PushProgress(_ context.Context, externalID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pushErr[externalID]; err != nil {
		return err
	}
	m.pushed[externalID] = progress
	return nil
}

// Pushed returns the last progress pushed for an external ID, or -1.
func (m *MockClient) Pushed(externalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.pushed[externalID]; ok {
		return v
	}
	return -1
}
