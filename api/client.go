package api

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

	"downloadgrid/downloader"
)

// Client talks to a running server's /api/v1 routes
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for baseURL, e.g. http://localhost:8080
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Submit starts a new download
func (c *Client) Submit(ctx context.Context, req downloader.Request) (downloader.Task, error) {
	var task downloader.Task
	err := c.do(ctx, http.MethodPost, "/tasks", req, &task)
	return task, err
}

// List returns every task
func (c *Client) List(ctx context.Context) ([]downloader.Snapshot, error) {
	var resp struct {
		Tasks []downloader.Snapshot `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &resp)
	return resp.Tasks, err
}

// Get returns one task
func (c *Client) Get(ctx context.Context, id string) (downloader.Snapshot, error) {
	var snap downloader.Snapshot
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &snap)
	return snap, err
}

// Pause pauses a task
func (c *Client) Pause(ctx context.Context, id string) (downloader.Snapshot, error) {
	var snap downloader.Snapshot
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/pause", nil, &snap)
	return snap, err
}

// Resume re-queues a paused or failed task
func (c *Client) Resume(ctx context.Context, id string) (downloader.Snapshot, error) {
	var snap downloader.Snapshot
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/resume", nil, &snap)
	return snap, err
}

// Delete removes a task, and its file when purge is set
func (c *Client) Delete(ctx context.Context, id string, purge bool) error {
	path := "/tasks/" + url.PathEscape(id)
	if purge {
		path += "?purge=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Settings returns the current settings
func (c *Client) Settings(ctx context.Context) (downloader.Settings, error) {
	var s downloader.Settings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &s)
	return s, err
}

// UpdateSettings sends a partial settings update
func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (downloader.Settings, error) {
	var s downloader.Settings
	err := c.do(ctx, http.MethodPut, "/settings", patch, &s)
	return s, err
}

// Stats returns the task list summary
func (c *Client) Stats(ctx context.Context) (downloader.Stats, error) {
	var resp struct {
		Stats downloader.Stats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "/stats", nil, &resp)
	return resp.Stats, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
			if e.Details != "" {
				msg += ": " + e.Details
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
