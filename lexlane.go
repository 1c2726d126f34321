// Package lexlane provides the Go client for the LexLane legal-assistance
// chat service.
//
// The HTTP client covers account, thread and history endpoints; the realtime
// client maintains the persistent websocket that carries the conversation
// itself.
//
// Example:
//
//	client := lexlane.NewClient("ll-...")
//
//	threads, _ := client.ListThreads(ctx)
//
//	state := lexlane.NewChatState()
//	chat := client.Chat(state, nil)
//	chat.Connect(ctx)
//	chat.SendText("Draft an NDA")
package lexlane

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

const (
	DefaultBaseURL = "https://api.lexlane.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new LexLane client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.apiKey = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Account
// ============================================================================

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (*Result, error) {
	return c.doRequest(ctx, "GET", "/api/me", nil, nil)
}

// ============================================================================
// Threads
// ============================================================================

// ListThreads returns the account's conversation threads.
func (c *Client) ListThreads(ctx context.Context) (*Result, error) {
	return c.doRequest(ctx, "GET", "/api/chat/threads", nil, nil)
}

// GetThread returns a single thread.
func (c *Client) GetThread(ctx context.Context, threadID string) (*Result, error) {
	return c.doRequest(ctx, "GET", "/api/chat/threads/"+threadID, nil, nil)
}

// RenameThread updates a thread's title.
func (c *Client) RenameThread(ctx context.Context, threadID, title string) (*Result, error) {
	return c.doRequest(ctx, "PATCH", "/api/chat/threads/"+threadID,
		map[string]string{"title": title}, nil)
}

// DeleteThread removes a thread and its history.
func (c *Client) DeleteThread(ctx context.Context, threadID string) (*Result, error) {
	return c.doRequest(ctx, "DELETE", "/api/chat/threads/"+threadID, nil, nil)
}

// History returns a thread's stored messages, newest last.
func (c *Client) History(ctx context.Context, threadID string, opts *HistoryOptions) (*Result, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
		if len(query) == 0 {
			query = nil
		}
	}
	return c.doRequest(ctx, "GET", "/api/chat/threads/"+threadID+"/messages", nil, query)
}
