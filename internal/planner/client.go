// Package planner talks to the external planning system that tracks tasks in
// buckets with coarse progress values.
package planner

import "context"

// BucketTask is the planner's view of a task: an opaque external ID plus a
// progress value of 0 (not started), 50 (in progress) or 100 (completed).
type BucketTask struct {
	ExternalID string   `json:"external_id"`
	Title      string   `json:"title,omitempty"`
	Progress   int      `json:"progress"`
	Labels     []string `json:"labels,omitempty"`
}

type Client interface {
	FetchBucketTasks(ctx context.Context, bucketID string) ([]BucketTask, error)
	PushProgress(ctx context.Context, externalID string, progress int) error
}
