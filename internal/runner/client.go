package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/me/forgeci/pkg/model"
)

// Client communicates with the forgeci server API on behalf of a
// runner. Runner-scoped calls carry the bearer token issued at
// registration; task reports carry the lease token instead.
type Client struct {
	baseURL    string
	httpClient *http.Client
	runnerID   string
	token      string
}

// NewClient creates a runner API client with connection pooling. The
// generous timeout leaves room for the server's lease long-poll.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
	}
}

// RunnerID returns the registered runner ID.
func (c *Client) RunnerID() string {
	return c.runnerID
}

// Register registers the runner and stores its ID and bearer token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*model.Runner, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/runners", body, "")
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var data struct {
		Runner *model.Runner `json:"runner"`
		Token  string        `json:"token"`
	}
	if err := decodeResponseData(resp, &data); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	c.runnerID = data.Runner.ID
	c.token = data.Token
	return data.Runner, nil
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Name      string   `json:"name"`
	RepoID    string   `json:"repo_id,omitempty"`
	OwnerID   string   `json:"owner_id,omitempty"`
	Labels    []string `json:"labels"`
	Capacity  int      `json:"capacity"`
	Ephemeral bool     `json:"ephemeral"`
}

// Heartbeat refreshes the runner's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/runners/%s/heartbeat", c.runnerID), nil, "")
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Lease requests a task. The server long-polls; nil means no work
// (204) and the caller retries.
func (c *Client) Lease(ctx context.Context) (*model.Task, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+fmt.Sprintf("/api/v1/runners/%s/lease", c.runnerID), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("lease: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("lease: HTTP %d: %s", resp.StatusCode, body)
	}

	var data struct {
		Task       *model.Task `json:"task"`
		LeaseToken string      `json:"lease_token"`
	}
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, "", fmt.Errorf("lease: decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, "", envelope.Error
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, "", fmt.Errorf("lease: %w", err)
	}
	return data.Task, data.LeaseToken, nil
}

// ErrLeaseRevoked is returned when the server answers 409 to a report:
// the task is no longer backed by this runner's lease and the work
// should be abandoned.
var ErrLeaseRevoked = fmt.Errorf("lease revoked")

// ReportStep sends a per-step status update with an optional log
// chunk.
func (c *Client) ReportStep(ctx context.Context, taskID, leaseToken string, index int, status model.Status, logChunk string) error {
	body, err := json.Marshal(map[string]any{
		"status": status,
		"log":    logChunk,
	})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/tasks/%s/steps/%d", taskID, index), body, leaseToken)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CompleteTask sends the final task verdict.
func (c *Client) CompleteTask(ctx context.Context, taskID, leaseToken string, status model.Status) error {
	body, err := json.Marshal(map[string]any{"status": status})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/tasks/%s/complete", taskID), body, leaseToken)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Deregister removes the runner from the server.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodDelete,
		fmt.Sprintf("/api/v1/runners/%s", c.runnerID), nil, "")
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	resp.Body.Close()
	return nil
}

// doRequest executes an HTTP request. Task-scoped calls pass the lease
// token, which replaces the runner token as the bearer credential.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, leaseToken string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case leaseToken != "":
		req.Header.Set("Authorization", "Bearer "+leaseToken)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return nil, ErrLeaseRevoked
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	return resp, nil
}

// decodeResponseData extracts the data field from the API response
// envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}

	return json.Unmarshal(envelope.Data, dest)
}
