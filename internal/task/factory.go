package task

import (
	"context"
	"strings"
)

// NewStore picks Postgres when a database URL is configured and falls back to
// the in-memory arena otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
