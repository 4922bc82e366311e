// Package rewards implements the wire contract with the backend reward
// endpoint: one event per call, with transport failures classified as
// retryable and payload rejections as permanent.
package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindcare/realtime-core/internal/domain"
)

// ErrRejected marks a non-retryable rejection (4xx): retrying a malformed
// request cannot succeed.
var ErrRejected = errors.New("reward submission rejected")

// Result is the backend's answer to one submission.
type Result struct {
	Accepted bool   `json:"accepted"`
	ServerID string `json:"serverId,omitempty"`
}

// Client talks to the reward REST backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a reward client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	ActivityType   string         `json:"activityType"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// Submit delivers one reward event. Network errors, timeouts, 5xx and 429
// responses return a plain error (retryable); other 4xx responses return
// ErrRejected (permanent). No partial-batch semantics.
func (c *Client) Submit(ctx context.Context, ev *domain.PendingRewardEvent) (Result, error) {
	body, err := json.Marshal(submitRequest{
		ActivityType:   ev.ActivityType,
		Metadata:       ev.Metadata,
		IdempotencyKey: ev.IdempotencyKey,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal submission: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rewards", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build reward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ev.UserID != "" {
		req.Header.Set("X-User-ID", ev.UserID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("submit reward: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close reward response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("reward backend unavailable: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	case resp.StatusCode >= 300:
		// A redirect the HTTP client did not follow; treat like an
		// unavailable backend rather than failing the decode.
		return Result{}, fmt.Errorf("reward backend redirected: status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode reward response: %w", err)
	}
	return result, nil
}
