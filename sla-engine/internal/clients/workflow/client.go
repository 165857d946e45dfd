// Package workflow talks to the workflow service that owns instances.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
)

type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("workflow service base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

// GetInstance fetches the current snapshot. Unknown instances return store.ErrNotFound.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (models.WorkflowInstanceSnapshot, error) {
	var snap models.WorkflowInstanceSnapshot
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return snap, ctx.Err()
		}
		lastErr = c.do(ctx, http.MethodGet, c.instancePath(instanceID, ""), nil, &snap)
		if lastErr == nil {
			return snap, nil
		}
		if !retryable(lastErr) {
			break
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return models.WorkflowInstanceSnapshot{}, fmt.Errorf("get instance %s: %w", instanceID, lastErr)
}

type reassignRequest struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

type reassignResponse struct {
	PreviousAssigneeID string `json:"previousAssigneeId"`
	AssigneeID         string `json:"assigneeId"`
}

func (c *Client) Reassign(ctx context.Context, instanceID string, target models.ReassignParams) (string, string, error) {
	var out reassignResponse
	err := c.do(ctx, http.MethodPost, c.instancePath(instanceID, "/assignee"), reassignRequest{UserID: target.UserID, Role: target.Role}, &out)
	if err != nil {
		return "", "", err
	}
	return out.PreviousAssigneeID, out.AssigneeID, nil
}

type priorityPayload struct {
	PreviousPriority models.Priority `json:"previousPriority,omitempty"`
	Priority         models.Priority `json:"priority"`
}

func (c *Client) SetPriority(ctx context.Context, instanceID string, p models.Priority) (models.Priority, error) {
	var out priorityPayload
	if err := c.do(ctx, http.MethodPost, c.instancePath(instanceID, "/priority"), priorityPayload{Priority: p}, &out); err != nil {
		return "", err
	}
	return out.PreviousPriority, nil
}

func (c *Client) AddComment(ctx context.Context, instanceID, authorID, body string) error {
	payload := map[string]string{"authorId": authorID, "body": body}
	return c.do(ctx, http.MethodPost, c.instancePath(instanceID, "/comments"), payload, nil)
}

func (c *Client) instancePath(instanceID, suffix string) string {
	return fmt.Sprintf("%s/workflow/instances/%s%s", c.baseURL, url.PathEscape(instanceID), suffix)
}

type statusError struct {
	status int
	text   string
}

func (e *statusError) Error() string { return fmt.Sprintf("workflow service returned %s", e.text) }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return !errors.Is(err, store.ErrNotFound)
}

func (c *Client) do(ctx context.Context, method, target string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("workflow marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return fmt.Errorf("workflow build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case resp.StatusCode >= 300:
		return &statusError{status: resp.StatusCode, text: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("workflow decode response: %w", err)
	}
	return nil
}
