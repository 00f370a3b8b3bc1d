// Package remote is the HTTP client for the remote authority.
//
// It speaks the JSON sync protocol (pull, push, batch push, resolve) used by
// the sync engine, and the REST task/tab routes used when the application
// runs without a local mirror. Every request carries a bearer token.
//
// Every failure, transport or non-2xx, wraps schema.ErrNetworkFailure. A
// push conflict is not a failure: it is returned as ConflictData.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// DefaultTimeout bounds every request so that no call hangs indefinitely.
const DefaultTimeout = 30 * time.Second

// TokenFunc returns the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	// BaseURL is the authority root, e.g. http://localhost:8000.
	BaseURL string

	// Token is a static bearer token. Ignored when TokenFunc is set.
	Token string

	// TokenFunc supplies a token per request.
	TokenFunc TokenFunc

	// Timeout per request (default: DefaultTimeout).
	Timeout time.Duration

	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client

	// Logger for request failures (default: stderr with [remote] prefix).
	Logger *log.Logger
}

// Client talks to the remote authority.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   TokenFunc
	logger  *log.Logger
}

// StatusError is a non-2xx response. It matches schema.ErrNetworkFailure,
// and a 404 also matches schema.ErrNotFound.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap makes every StatusError a network failure.
func (e *StatusError) Unwrap() error {
	return schema.ErrNetworkFailure
}

// Is reports 404 responses as schema.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == schema.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// New creates a client for the authority at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base URL %q must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	token := cfg.TokenFunc
	if token == nil {
		static := cfg.Token
		token = func(context.Context) (string, error) { return static, nil }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		baseURL: u,
		http:    httpClient,
		token:   token,
		logger:  logger,
	}, nil
}

// BaseURL returns the authority root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Pull fetches every entity the authority changed after req.LastSyncAt.
func (c *Client) Pull(ctx context.Context, req schema.PullRequest) (*schema.PullResponse, error) {
	var resp schema.PullResponse
	if err := c.do(ctx, http.MethodPost, "/sync/pull", nil, &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push submits one entity. A conflict is reported through the result, not
// the error.
func (c *Client) Push(ctx context.Context, req schema.PushRequest) (*schema.ConflictData, error) {
	var resp schema.ConflictData
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchPush submits several entities in one request.
func (c *Client) BatchPush(ctx context.Context, reqs []schema.PushRequest) (*schema.BatchPushResponse, error) {
	var resp schema.BatchPushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/batch-push", nil, reqs, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve applies a conflict decision on the authority.
func (c *Client) Resolve(ctx context.Context, req schema.ResolveRequest) (*schema.ResolveResponse, error) {
	var resp schema.ResolveResponse
	if err := c.do(ctx, http.MethodPost, "/sync/resolve", nil, &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path = u.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to obtain token: %v", schema.ErrNetworkFailure, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("%s %s failed: %v", method, path, err)
		return fmt.Errorf("%w: %s %s: %v", schema.ErrNetworkFailure, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var detail schema.ErrorResponse
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); len(data) > 0 {
			if json.Unmarshal(data, &detail) == nil {
				statusErr.Detail = detail.Detail
			}
		}
		c.logger.Printf("%v", statusErr)
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s %s response: %v", schema.ErrNetworkFailure, method, path, err)
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
