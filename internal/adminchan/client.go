package adminchan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultExecPath = "/api/admin/v1/exec"

// Config holds the static configuration for one admin channel client.
type Config struct {
	BaseURL   string
	AuthToken string
}

// Dependencies allow test overrides for the HTTP client and endpoint path.
type Dependencies struct {
	HTTPClient *http.Client
	ExecPath   string
}

// Client speaks to one game server's remote administration endpoint. The
// protocol is request/response: a command string in, free-form text out.
type Client struct {
	httpClient *http.Client
	execURL    string
	authToken  string
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Output string `json:"output"`
}

// NewClient builds a Client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	execPath := deps.ExecPath
	if execPath == "" {
		execPath = defaultExecPath
	}
	return &Client{
		httpClient: httpClient,
		execURL:    joinURL(cfg.BaseURL, execPath),
		authToken:  cfg.AuthToken,
	}, nil
}

// Exec submits a command and returns the server's raw text response.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	payload, err := json.Marshal(execRequest{Command: command})
	if err != nil {
		return "", fmt.Errorf("marshal exec request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.execURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exec %q: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read exec response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("exec %q failed: status %s", command, resp.Status)
	}

	var decoded execResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		// Some panels return the raw console text directly.
		return string(body), nil
	}
	return decoded.Output, nil
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
