// Package apiclient is the HTTP client for the analysis backend: job
// creation with streamed upload progress, job and results retrieval, job file
// download, and the push channel address.
//
// Every request carries a bearer token when the configured TokenSource has
// one. Failures are classified with pkg/joberr so callers can tell a missing
// job from a network problem.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/studyflow/pkg/joberr"
)

// Default settings.
const (
	DefaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// TokenSource supplies bearer tokens. An empty token means anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// Config configures a Client.
type Config struct {
	// BaseURL is the HTTP API root (e.g., "http://localhost:8000").
	BaseURL string

	// WSURL is the push channel root. Derived from BaseURL when empty.
	WSURL string

	// Timeout bounds each non-upload request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second (0 = unlimited).
	RateLimit float64

	// HTTPClient overrides the transport. Defaults to a new http.Client.
	HTTPClient *http.Client

	// Tokens supplies bearer tokens. Optional.
	Tokens TokenSource

	// Logger receives request diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Client talks to the analysis backend.
type Client struct {
	base    *url.URL
	ws      *url.URL
	timeout time.Duration
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	ws, err := wsBase(base, cfg.WSURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		base:    base,
		ws:      ws,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		tokens:  cfg.Tokens,
		log:     cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

func wsBase(base *url.URL, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid websocket URL %q: %w", raw, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", raw)
		}
		u.Path = strings.TrimRight(u.Path, "/")
		return u, nil
	}
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return &u, nil
}

// BaseURL returns the HTTP API root.
func (c *Client) BaseURL() string { return c.base.String() }

// WebsocketURL returns the push channel address for jobID.
func (c *Client) WebsocketURL(jobID string) string {
	u := *c.ws
	u.Path = c.ws.Path + "/ws/jobs/" + url.PathEscape(jobID)
	return u.String()
}

// AuthHeader returns the headers to attach to a push channel handshake.
func (c *Client) AuthHeader(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if err := c.authorize(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (c *Client) authorize(ctx context.Context, h http.Header) error {
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = c.base.Path + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// send performs req and classifies failures. The caller owns resp.Body on
// success.
func (c *Client) send(op, jobID string, req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := c.wait(ctx); err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}
	if err := c.authorize(ctx, req.Header); err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("Request failed",
			zap.String("op", op),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}
	c.log.Debug("Request completed",
		zap.String("op", op),
		zap.String("job_id", jobID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, statusError(op, jobID, resp)
}

func statusError(op, jobID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(errorDetail(body))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	kind := joberr.ErrTransport
	if resp.StatusCode == http.StatusNotFound {
		kind = joberr.ErrNotFound
	}
	return &joberr.Error{
		Op:     op,
		JobID:  jobID,
		Status: resp.StatusCode,
		Err:    fmt.Errorf("%w: %s", kind, detail),
	}
}

// errorDetail extracts {"detail": "..."} from an error body when present.
func errorDetail(body []byte) string {
	var v struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &v) == nil && len(v.Detail) > 0 {
		var s string
		if json.Unmarshal(v.Detail, &s) == nil {
			return s
		}
		return string(v.Detail)
	}
	return string(body)
}

// getJSON fetches path into out using the request timeout.
func (c *Client) getJSON(ctx context.Context, op, jobID string, out any, parts ...string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(parts...), nil)
	if err != nil {
		return joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(op, jobID, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return joberr.Wrap(op, jobID, joberr.ErrParse, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
