package phonoflowsdk

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

// Client is a minimal Phonoflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	StopReason       *string `json:"stop_reason,omitempty"`
	CurrentIteration int     `json:"current_iteration"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// Iteration represents one convergence cycle.
type Iteration struct {
	RunID       string   `json:"run_id"`
	Index       int      `json:"index"`
	Status      string   `json:"status"`
	Distance    *float64 `json:"distance,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt *string  `json:"completed_at,omitempty"`
}

// SubJob represents one force calculation of an iteration.
type SubJob struct {
	SampleIndex   int     `json:"sample_index"`
	Label         string  `json:"label"`
	EngineJobID   string  `json:"engine_job_id"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// IterationDetail bundles an iteration with its sub-jobs and model.
type IterationDetail struct {
	Iteration Iteration `json:"iteration"`
	SubJobs   []SubJob  `json:"sub_jobs"`
	Model     *Model    `json:"model,omitempty"`
}

// Model represents a fitted force-constant model.
type Model struct {
	RunID       string    `json:"run_id"`
	Iteration   int       `json:"iteration"`
	Constants   []float64 `json:"constants"`
	SampleCount int       `json:"sample_count"`
	Residual    float64   `json:"residual"`
	CreatedAt   string    `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListRuns returns all runs in the workspace.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, "v0/runs", nil, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &resp)
	return resp, err
}

// CancelRun cancels a run between iterations.
func (c *Client) CancelRun(ctx context.Context, runID, reason string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Iterations lists a run's iterations.
func (c *Client) Iterations(ctx context.Context, runID string) ([]Iteration, error) {
	var resp []Iteration
	err := c.do(ctx, http.MethodGet, runPath(runID, "iterations"), nil, &resp)
	return resp, err
}

// Iteration fetches the detail of one iteration.
func (c *Client) Iteration(ctx context.Context, runID string, index int) (IterationDetail, error) {
	var resp IterationDetail
	err := c.do(ctx, http.MethodGet, runPath(runID, fmt.Sprintf("iterations/%d", index)), nil, &resp)
	return resp, err
}

// LatestModel fetches the run's most recent force-constant model.
func (c *Client) LatestModel(ctx context.Context, runID string) (Model, error) {
	var resp Model
	err := c.do(ctx, http.MethodGet, runPath(runID, "model"), nil, &resp)
	return resp, err
}

// Events returns recent run events.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	endpoint := runPath(runID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func runPath(runID, p string) string {
	base := "v0/runs/" + url.PathEscape(runID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}
