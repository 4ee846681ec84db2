package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"emworker/internal/config"
	"emworker/internal/services"
)

// Client talks to the coordinator HTTP API. Worker-scoped calls carry the
// token issued by ConnectWorker; everything else rides the login cookie.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pollClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP clients (primarily for tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
			c.pollClient = client
		}
	}
}

// New creates a coordinator client from connection settings.
func New(cfg config.Coordinator, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("coordinator url required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	requestTimeout := time.Duration(cfg.RequestTimeout) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	pollTimeout := time.Duration(cfg.PollTimeout) * time.Second
	if pollTimeout <= requestTimeout {
		pollTimeout = requestTimeout + 30*time.Second
	}

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout, Jar: jar},
		// get_new_tasks blocks server-side until work is available, so it
		// gets a longer deadline than regular calls.
		pollClient: &http.Client{Timeout: pollTimeout, Jar: jar},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Token returns the worker token issued by the last ConnectWorker call.
func (c *Client) Token() string {
	return c.token
}

// Login authenticates and stores the session cookie for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]any{"username": username, "password": password}
	_, err := c.post(ctx, c.httpClient, "/api/login", body)
	return err
}

// Logout invalidates the session cookie.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.post(ctx, c.httpClient, "/api/logout", map[string]any{})
	return err
}

// ConnectWorker registers this host and returns the worker token used by
// task endpoints. The token is also retained on the client.
func (c *Client) ConnectWorker(ctx context.Context, name string, specs map[string]any) (string, error) {
	body := map[string]any{"attrs": map[string]any{"worker": name, "specs": specs}}
	payload, err := c.post(ctx, c.httpClient, "/api/connect_worker", body)
	if err != nil {
		return "", err
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", services.Wrap(services.ErrContract, "coordinator", "connect_worker", "decode token", err)
	}
	if result.Token == "" {
		return "", services.Wrap(services.ErrContract, "coordinator", "connect_worker", "empty token", nil)
	}
	c.token = result.Token
	return result.Token, nil
}

// GetNewTasks long-polls for tasks newly assigned to this worker.
func (c *Client) GetNewTasks(ctx context.Context) ([]Task, error) {
	return c.fetchTasks(ctx, c.pollClient, "/api/get_new_tasks")
}

// GetPendingTasks returns tasks already claimed by this worker but not
// yet reported done.
func (c *Client) GetPendingTasks(ctx context.Context) ([]Task, error) {
	return c.fetchTasks(ctx, c.httpClient, "/api/get_pending_tasks")
}

func (c *Client) fetchTasks(ctx context.Context, client *http.Client, path string) ([]Task, error) {
	body := map[string]any{"attrs": map[string]any{"token": c.token}}
	payload, err := c.post(ctx, client, path, body)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, services.Wrap(services.ErrContract, "coordinator", path, "decode tasks", err)
	}
	return result.Tasks, nil
}

// UpdateTask appends one event to a task's stream.
func (c *Client) UpdateTask(ctx context.Context, taskID int64, event Event) error {
	body := map[string]any{"attrs": map[string]any{
		"token":   c.token,
		"task_id": taskID,
		"event":   event,
	}}
	_, err := c.post(ctx, c.httpClient, "/api/update_task", body)
	return err
}

// GetSession fetches one session record by id.
func (c *Client) GetSession(ctx context.Context, id int64) (*Session, error) {
	body := map[string]any{"condition": fmt.Sprintf("id=%d", id)}
	payload, err := c.post(ctx, c.httpClient, "/api/get_sessions", body)
	if err != nil {
		return nil, err
	}
	var result struct {
		Sessions []Session `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &result); err == nil && len(result.Sessions) > 0 {
		return &result.Sessions[0], nil
	}
	// Some deployments return the bare session object.
	var session Session
	if err := json.Unmarshal(payload, &session); err == nil && session.ID != 0 {
		return &session, nil
	}
	return nil, services.Wrap(services.ErrNotFound, "coordinator", "get_sessions", fmt.Sprintf("session %d", id), nil)
}

// UpdateSessionExtra PATCHes the worker-owned sub-documents of a
// session's extra envelope. Callers must pass only the subkeys they own
// (raw or otf); the coordinator merges.
func (c *Client) UpdateSessionExtra(ctx context.Context, id int64, extra map[string]any) (*Session, error) {
	body := map[string]any{"attrs": map[string]any{"id": id, "extra": extra}}
	payload, err := c.post(ctx, c.httpClient, "/api/update_session_extra", body)
	if err != nil {
		return nil, err
	}
	var result struct {
		Session *Session `json:"session"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, services.Wrap(services.ErrContract, "coordinator", "update_session_extra", "decode session", err)
	}
	return result.Session, nil
}

// GetConfig fetches a named configuration document from the coordinator.
func (c *Client) GetConfig(ctx context.Context, name string) (map[string]json.RawMessage, error) {
	body := map[string]any{"attrs": map[string]any{"config": name}}
	payload, err := c.post(ctx, c.httpClient, "/api/get_config", body)
	if err != nil {
		return nil, err
	}
	var result struct {
		Config map[string]json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, services.Wrap(services.ErrContract, "coordinator", "get_config", "decode config", err)
	}
	return result.Config, nil
}

// post sends a JSON body and returns the raw response payload after the
// protocol error check. Network failures are tagged transient so callers
// can decide on retries.
func (c *Client) post(ctx context.Context, client *http.Client, path string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "coordinator", path, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "coordinator", path, "read response", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, services.Wrap(services.ErrTransient, "coordinator", path, fmt.Sprintf("status %s", resp.Status), nil)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, services.Wrap(services.ErrContract, "coordinator", path, fmt.Sprintf("status %s", resp.Status), nil)
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error != "" {
		return nil, services.Wrap(services.ErrContract, "coordinator", path, envelope.Error, nil)
	}
	return payload, nil
}
