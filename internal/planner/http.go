package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to a planner HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) FetchBucketTasks(ctx context.Context, bucketID string) ([]BucketTask, error) {
	endpoint := fmt.Sprintf("%s/v1/buckets/%s/tasks", c.baseURL, url.PathEscape(bucketID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bucket tasks: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("planner status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Tasks []BucketTask `json:"tasks"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode bucket tasks: %w", err)
	}
	return payload.Tasks, nil
}

func (c *HTTPClient) PushProgress(ctx context.Context, externalID string, progress int) error {
	body, err := json.Marshal(map[string]int{"progress": progress})
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/tasks/%s", c.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("push progress: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("planner status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
