// Package apiclient is the single funnel for authenticated calls to the
// association API. It attaches the bearer token, encodes bodies and maps every
// non-success answer onto the apierr taxonomy.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/metrics"
	"github.com/Skotchmaster/rbe_session/pkg/authclient"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

// TokenHolder is the part of the token store the client needs.
type TokenHolder interface {
	Get() string
	Set(ctx context.Context, token string) error
}

// Navigator sends the user to another entry point, the login page after a 401.
type Navigator interface {
	Navigate(path string)
}

type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

type Client struct {
	baseURL   string
	http      *http.Client
	tokens    TokenHolder
	navigator Navigator
	loginPath string
	metrics   *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = authclient.NewHTTPClient(d) }
}

func WithNavigator(n Navigator, loginPath string) Option {
	return func(c *Client) {
		c.navigator = n
		if loginPath != "" {
			c.loginPath = loginPath
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(baseURL string, tokens TokenHolder, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		tokens:    tokens,
		loginPath: "/login",
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = authclient.NewHTTPClient(0)
	}
	return c
}

// Result is a successful answer. NotFound marks a 404, NoContent a 204; in
// both cases Body is empty.
type Result struct {
	Status    int
	NotFound  bool
	NoContent bool
	Body      json.RawMessage
}

// Decode unmarshals the body into v. Empty results leave v untouched.
func (r *Result) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apierr.NewParseError(r.Status, r.Body, err)
	}
	return nil
}

type callOptions struct {
	headers      http.Header
	skipTeardown bool
}

type CallOption func(*callOptions)

func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Set(key, value)
	}
}

// WithoutTeardown keeps the session alive on a 401; the error is still returned.
// Background refreshes use it so a stale profile endpoint cannot log the user out.
func WithoutTeardown() CallOption {
	return func(o *callOptions) { o.skipTeardown = true }
}

func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodGet, path, nil, "", opts)
}

func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodDelete, path, nil, "", opts)
}

func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Result, error) {
	return c.sendJSON(ctx, http.MethodPost, path, body, opts)
}

func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) (*Result, error) {
	return c.sendJSON(ctx, http.MethodPut, path, body, opts)
}

func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) (*Result, error) {
	return c.sendJSON(ctx, http.MethodPatch, path, body, opts)
}

// Do dispatches on a method name for callers that carry it as data.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...CallOption) (*Result, error) {
	switch strings.ToUpper(method) {
	case http.MethodGet:
		return c.Get(ctx, path, opts...)
	case http.MethodDelete:
		return c.Delete(ctx, path, opts...)
	case http.MethodPost:
		return c.Post(ctx, path, body, opts...)
	case http.MethodPut:
		return c.Put(ctx, path, body, opts...)
	case http.MethodPatch:
		return c.Patch(ctx, path, body, opts...)
	}
	return nil, apierr.Validation(fmt.Sprintf("unsupported method %q", method))
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body any, opts []CallOption) (*Result, error) {
	if body == nil {
		return c.send(ctx, method, path, nil, "", opts)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Validation(fmt.Sprintf("encode body: %v", err))
	}
	return c.send(ctx, method, path, bytes.NewReader(b), echo.MIMEApplicationJSON, opts)
}

// NormalizePath guarantees exactly one leading slash.
func NormalizePath(p string) string {
	return "/" + strings.TrimLeft(p, "/")
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, opts []CallOption) (*Result, error) {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	path = NormalizePath(path)
	rid := uuid.NewString()
	l := logging.FromContext(ctx).With("svc", "apiclient", "method", method, "path", path, "request_id", rid)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apierr.Validation(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, rid)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	if h := domain.AuthHeader(c.tokens.Get()); h != "" {
		req.Header.Set(echo.HeaderAuthorization, h)
	}
	for k, vs := range o.headers {
		req.Header[k] = vs
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRequest(method, 0)
		l.Warn("request failed", "error", err)
		return nil, &apierr.TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordRequest(method, resp.StatusCode)
	l.Debug("request completed", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	return c.classify(ctx, l, resp, method, path, o)
}

func (c *Client) classify(ctx context.Context, l *slog.Logger, resp *http.Response, method, path string, o callOptions) (*Result, error) {
	status := resp.StatusCode
	switch {
	case status == http.StatusNoContent:
		return &Result{Status: status, NoContent: true}, nil
	case status == http.StatusUnauthorized:
		if !o.skipTeardown {
			c.teardown(ctx, l)
		}
		return nil, apierr.ErrUnauthorized
	case status == http.StatusForbidden:
		return nil, apierr.ErrForbidden
	case status == http.StatusNotFound:
		return &Result{Status: status, NotFound: true}, nil
	case status < 200 || status > 299:
		return nil, &apierr.HTTPError{Status: status, Method: method, Path: path}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.TransportError{Method: method, Path: path, Err: err}
	}
	if !isJSON(resp.Header.Get(echo.HeaderContentType)) {
		return nil, apierr.NewParseError(status, raw, nil)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Result{Status: status, NoContent: true}, nil
	}
	if !json.Valid(raw) {
		return nil, apierr.NewParseError(status, raw, fmt.Errorf("invalid JSON"))
	}
	return &Result{Status: status, Body: raw}, nil
}

// teardown clears the token and sends the user back to the login page.
func (c *Client) teardown(ctx context.Context, l *slog.Logger) {
	l.Warn("unauthorized, tearing down session")
	if err := c.tokens.Set(ctx, ""); err != nil {
		l.Error("clear token after 401", "error", err)
	}
	c.metrics.RecordTeardown("unauthorized")
	if c.navigator != nil {
		c.navigator.Navigate(c.loginPath)
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == echo.MIMEApplicationJSON || strings.HasSuffix(mt, "+json")
}
