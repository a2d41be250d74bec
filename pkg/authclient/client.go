package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/domain"
)

const (
	LoginPath       = "/auth/login"
	MemberLoginPath = "/auth/member-login"
	MePath          = "/api/me"
)

// NewHTTPClient is the shared client for every call to the collaborator. A
// zero timeout means none.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Client speaks to the unauthenticated auth endpoints and /api/me. It never
// touches the token store.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type MemberLoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

// Account is the subset of /api/me the validator inspects.
type Account struct {
	Disabled *bool  `json:"disabled"`
	Active   *bool  `json:"active"`
	Status   string `json:"status"`
}

func (a Account) IsDisabled() bool {
	return (a.Disabled != nil && *a.Disabled) ||
		(a.Active != nil && !*a.Active) ||
		a.Status == "DISABLED"
}

// Login posts credentials to path and requires both token and user in the
// answer; anything else is ErrMalformedBody.
func (c *Client) Login(ctx context.Context, path string, body any) (*LoginResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode login body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apierr.TransportError{Method: http.MethodPost, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.HTTPError{Status: resp.StatusCode, Method: http.MethodPost, Path: path}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.TransportError{Method: http.MethodPost, Path: path, Err: err}
	}
	var out LoginResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apierr.NewParseError(resp.StatusCode, raw, err)
	}
	if out.Token == "" || out.User == nil {
		return nil, apierr.ErrMalformedBody
	}
	return &out, nil
}

// Me asks the collaborator who owns token. It returns the HTTP status along
// with the decoded account; the account is nil for non-2xx answers.
func (c *Client) Me(ctx context.Context, token string) (int, *Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+MePath, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(echo.HeaderAuthorization, domain.AuthHeader(token))
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &apierr.TransportError{Method: http.MethodGet, Path: MePath, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &apierr.TransportError{Method: http.MethodGet, Path: MePath, Err: err}
	}
	var acc Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return resp.StatusCode, nil, apierr.NewParseError(resp.StatusCode, raw, err)
	}
	return resp.StatusCode, &acc, nil
}
