package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the daemon answers 404.
var ErrNotFound = errors.New("not found")

// Client talks to a running gw2am daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request. Synchronous launches wait for client
	// detection, so keep it above the daemon's detect timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8470/api",
		Timeout: 60 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Status(ctx context.Context) ([]AccountStatus, error) {
	var out []AccountStatus
	return out, c.do(ctx, http.MethodGet, "/status", nil, &out)
}

func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	return out, c.do(ctx, http.MethodGet, "/accounts", nil, &out)
}

func (c *Client) AddAccount(ctx context.Context, req AddAccountRequest) (Account, error) {
	var out Account
	return out, c.do(ctx, http.MethodPost, "/accounts", req, &out)
}

func (c *Client) RemoveAccount(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/accounts/"+url.PathEscape(id), nil, nil)
}

// Launch starts the account's client. A refused or failed launch is not an
// error: Result.OK is false and Result.State carries the reason. With async
// the daemon answers before detection and Result.State is empty.
func (c *Client) Launch(ctx context.Context, id string, async bool) (Result, error) {
	p := "/accounts/" + url.PathEscape(id) + "/launch"
	if async {
		p += "?async=1"
	}
	return c.result(ctx, p)
}

// Stop terminates the account's client; see Launch for the Result contract.
func (c *Client) Stop(ctx context.Context, id string) (Result, error) {
	return c.result(ctx, "/accounts/"+url.PathEscape(id)+"/stop")
}

// State returns ErrNotFound when the account was never launched.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	var out State
	return out, c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(id)+"/state", nil, &out)
}

func (c *Client) States(ctx context.Context) ([]State, error) {
	var out []State
	return out, c.do(ctx, http.MethodGet, "/states", nil, &out)
}

func (c *Client) Processes(ctx context.Context) (Processes, error) {
	var out Processes
	return out, c.do(ctx, http.MethodGet, "/processes", nil, &out)
}

// Prune drops state for accounts that no longer exist and returns their ids.
func (c *Client) Prune(ctx context.Context) ([]string, error) {
	var out struct {
		Removed []string `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/prune", nil, &out)
	return out.Removed, err
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	return out, c.do(ctx, http.MethodGet, "/settings", nil, &out)
}

func (c *Client) PutSettings(ctx context.Context, s Settings) error {
	return c.do(ctx, http.MethodPut, "/settings", s, nil)
}

func (c *Client) result(ctx context.Context, path string) (Result, error) {
	var out Result
	resp, err := c.send(ctx, http.MethodPost, path, nil)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusConflict:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return out, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	return out, c.handleErrorResponse(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, errorResp.Error)
}
