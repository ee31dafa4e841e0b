// Package orchestrator is a small Go client for the SmartFlow Orchestrator
// REST API.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Workflow execution is synchronous on the server, so it is longer than a
// typical API timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the orchestrator API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orchestrator api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestrator api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API rooted at rawURL. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the bearer token sent with every request.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token. An empty token disables the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health reports server status and component counts.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &health)
	return health, err
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// FindAgentsByCapability returns the agents declaring capability.
func (c *Client) FindAgentsByCapability(ctx context.Context, capability string) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents/capability/"+url.PathEscape(capability), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// GetAgent fetches a single agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID), nil, &resp)
	return resp.Agent, err
}

// RegisterAgent registers or replaces an agent manifest.
func (c *Client) RegisterAgent(ctx context.Context, manifest Agent) (Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	err := c.do(ctx, http.MethodPost, "/api/agents/register", manifest, &resp)
	return resp.Agent, err
}

// UnregisterAgent removes an agent.
func (c *Client) UnregisterAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(agentID), nil, nil)
}

// InvokeAgent sends a task to the agent's platform connector. A connector
// level failure is reported through InvokeResult.Success, not as an error.
func (c *Client) InvokeAgent(ctx context.Context, agentID string, task Task) (InvokeResult, error) {
	var resp struct {
		Result InvokeResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/invoke", task, &resp)
	return resp.Result, err
}

// ExecuteWorkflow runs a workflow synchronously and returns its final state.
func (c *Client) ExecuteWorkflow(ctx context.Context, wf Workflow, vars map[string]any) (WorkflowState, error) {
	payload := map[string]any{
		"id":      wf.ID,
		"name":    wf.Name,
		"steps":   wf.Steps,
		"context": vars,
	}
	var resp struct {
		Result WorkflowState `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/api/workflows/execute", payload, &resp)
	return resp.Result, err
}

// SubmitWorkflow queues a run of an inline workflow or, when wf is nil, of the
// saved workflow named name.
func (c *Client) SubmitWorkflow(ctx context.Context, wf *Workflow, name string, vars map[string]any) (Run, error) {
	payload := map[string]any{"context": vars}
	if wf != nil {
		payload["workflow"] = wf
	}
	if name != "" {
		payload["workflow_name"] = name
	}
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodPost, "/api/workflows/submit", payload, &resp)
	return resp.Run, err
}

// GetRun fetches an asynchronous run.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodGet, "/api/workflows/runs/"+url.PathEscape(runID), nil, &resp)
	return resp.Run, err
}

// WaitForRun polls a run until it completes or fails.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExecutePackage runs a registered package with the given context variables.
func (c *Client) ExecutePackage(ctx context.Context, packageID string, vars map[string]any) (PackageResult, error) {
	var resp struct {
		Result PackageResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/api/packages/"+url.PathEscape(packageID)+"/execute",
		map[string]any{"context": vars}, &resp)
	return resp.Result, err
}

// SetState stores value under namespace/key. ttl of zero never expires.
func (c *Client) SetState(ctx context.Context, namespace, key string, value any, ttl time.Duration) (StateEntry, error) {
	payload := map[string]any{"value": value}
	if ttl > 0 {
		payload["ttl"] = ttl.Seconds()
	}
	var resp struct {
		Entry StateEntry `json:"entry"`
	}
	err := c.do(ctx, http.MethodPost, statePath(namespace, key), payload, &resp)
	return resp.Entry, err
}

// GetState returns the stored value. Missing or expired keys yield an
// *APIError with status 404.
func (c *Client) GetState(ctx context.Context, namespace, key string) (any, error) {
	var resp struct {
		Value any `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, statePath(namespace, key), nil, &resp)
	return resp.Value, err
}

// DeleteState removes a key.
func (c *Client) DeleteState(ctx context.Context, namespace, key string) error {
	return c.do(ctx, http.MethodDelete, statePath(namespace, key), nil, nil)
}

func statePath(namespace, key string) string {
	return "/api/state/" + url.PathEscape(namespace) + "/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	// Path segments in endpoint are already escaped.
	target := strings.TrimSuffix(c.baseURL.String(), "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
