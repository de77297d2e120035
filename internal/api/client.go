// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/syncerr"
	"github.com/jeranaias/wellsync/internal/util"
)

// Configuration constants for the backend API.
const (
	// DefaultBaseURL is where the backend listens in development.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "wellsync/0.1"
)

var (
	// Shared HTTP client with connection pooling for all backend requests.
	sharedTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	errTitleRequired   = syncerr.Invalid("title", "is required")
	errContentRequired = syncerr.Invalid("content", "is required")
	errMessageRequired = syncerr.Invalid("message", "is required")
	errIDRequired      = syncerr.Invalid("id", "is required")
)

// ErrResponseTooLarge is returned when a body exceeds MaxResponseSize.
var ErrResponseTooLarge = errors.New("response exceeded maximum size")

// Client talks JSON over HTTP to the wellness backend. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	logger     *log.Logger
}

// New creates a client for baseURL. token is consulted on every request so
// a refreshed credential takes effect immediately; it may be nil.
func New(baseURL string, token func() string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Transport: sharedTransport,
			Timeout:   DefaultTimeout,
		},
		logger: logging.Discard(),
	}
}

// WithTimeout sets the request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		c.httpClient.Timeout = timeout
	}
	return c
}

// WithHTTPClient replaces the underlying HTTP client (tests, proxies).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger attaches a logger for request tracing.
func (c *Client) WithLogger(l *log.Logger) *Client {
	c.logger = logging.OrDiscard(l).WithPrefix("api")
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// =============================================================================
// HABITS
// =============================================================================

// ListHabits fetches every habit of the current user.
func (c *Client) ListHabits(ctx context.Context) ([]Habit, error) {
	var out []Habit
	if err := c.do(ctx, http.MethodGet, "/habits", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateHabit creates a habit and returns the server's copy.
func (c *Client) CreateHabit(ctx context.Context, in NewHabit) (Habit, error) {
	if err := in.Validate(); err != nil {
		return Habit{}, err
	}
	var out Habit
	err := c.do(ctx, http.MethodPost, "/habits", in, &out)
	return out, err
}

// UpdateHabit applies a partial update.
func (c *Client) UpdateHabit(ctx context.Context, id ID, patch HabitPatch) (Habit, error) {
	if id == "" {
		return Habit{}, errIDRequired
	}
	if patch.Title != nil && util.IsBlank(*patch.Title) {
		return Habit{}, errTitleRequired
	}
	var out Habit
	err := c.do(ctx, http.MethodPatch, habitPath(id, ""), patch, &out)
	return out, err
}

// DeleteHabit removes a habit.
func (c *Client) DeleteHabit(ctx context.Context, id ID) error {
	if id == "" {
		return errIDRequired
	}
	return c.do(ctx, http.MethodDelete, habitPath(id, ""), nil, nil)
}

// ArchiveHabit marks a habit archived and returns the server's copy.
func (c *Client) ArchiveHabit(ctx context.Context, id ID) (Habit, error) {
	if id == "" {
		return Habit{}, errIDRequired
	}
	var out Habit
	err := c.do(ctx, http.MethodPost, habitPath(id, "archive"), nil, &out)
	return out, err
}

// CompleteHabit records today's completion.
func (c *Client) CompleteHabit(ctx context.Context, id ID) (Completion, error) {
	if id == "" {
		return Completion{}, errIDRequired
	}
	var out Completion
	err := c.do(ctx, http.MethodPost, habitPath(id, "complete"), nil, &out)
	return out, err
}

func habitPath(id ID, action string) string {
	p := "/habits/" + url.PathEscape(string(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

// =============================================================================
// JOURNALS
// =============================================================================

// ListJournals fetches every journal entry of the current user.
func (c *Client) ListJournals(ctx context.Context) ([]Journal, error) {
	var out []Journal
	if err := c.do(ctx, http.MethodGet, "/journals", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateJournal creates a journal entry.
func (c *Client) CreateJournal(ctx context.Context, in NewJournal) (Journal, error) {
	if err := in.Validate(); err != nil {
		return Journal{}, err
	}
	var out Journal
	err := c.do(ctx, http.MethodPost, "/journals", in, &out)
	return out, err
}

// =============================================================================
// CHAT
// =============================================================================

// SendMessage posts a chat message and returns the assistant's reply.
func (c *Client) SendMessage(ctx context.Context, req ChatRequest) (ChatReply, error) {
	if util.IsBlank(req.Message) {
		return ChatReply{}, errMessageRequired
	}
	var out ChatReply
	err := c.do(ctx, http.MethodPost, "/chat/", req, &out)
	return out, err
}

// DeleteChatSession removes a chat session on the server.
func (c *Client) DeleteChatSession(ctx context.Context, id string) error {
	if id == "" {
		return errIDRequired
	}
	return c.do(ctx, http.MethodDelete, "/chat/sessions/"+url.PathEscape(id), nil, nil)
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do performs one request. A nil out discards the body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, in != nil)

	start := time.Now()
	resp, err := c.httpClient.Do(req)

	// Keep the credential out of anything that logs the request later.
	req.Header.Del("Authorization")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := strings.TrimSpace(c.token()); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

// readResponse reads the response body with size limits to prevent memory
// exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-2xx reply into a StatusError. The JSON
// "detail" field becomes the message when present.
func handleErrorResponse(status int, body []byte) error {
	var eb errorBody
	msg := ""
	if err := json.Unmarshal(body, &eb); err == nil {
		msg = eb.message()
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &syncerr.StatusError{Status: status, Message: msg}
}
