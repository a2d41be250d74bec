// Package apitest runs an in-process fake of the association API for tests:
// JWT-backed auth endpoints, /api/me, the member profile and the individual
// permission routes.
package apitest

import (
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
	authmw "github.com/Skotchmaster/rbe_session/pkg/middleware/auth"
	"github.com/Skotchmaster/rbe_session/pkg/tokens"
)

// Account is a user known to the fake.
type Account struct {
	ID        int64
	Username  string
	Password  string
	Email     string
	Matricule string
	Roles     []domain.Role
	Disabled  bool
	Member    *domain.Member
}

type Server struct {
	URL string

	e      *echo.Echo
	srv    *httptest.Server
	secret []byte

	mu         sync.Mutex
	accounts   map[string]*Account
	perms      map[string][]domain.Permission
	nextPermID int64
	hits       map[string]int
	overrides  map[string]echo.HandlerFunc
}

// New starts the fake and registers cleanup on t.
func New(t testing.TB, accounts ...Account) *Server {
	t.Helper()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("secret: %v", err)
	}

	s := &Server{
		e:          echo.New(),
		secret:     secret,
		accounts:   make(map[string]*Account),
		perms:      make(map[string][]domain.Permission),
		nextPermID: 1,
		hits:       make(map[string]int),
		overrides:  make(map[string]echo.HandlerFunc),
	}
	for i := range accounts {
		s.AddAccount(accounts[i])
	}

	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(s.recordHits(logging.NewWithWriter("error", io.Discard)))
	s.routes()

	s.srv = httptest.NewServer(s.e)
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) routes() {
	s.add(http.MethodPost, "/auth/login", s.login)
	s.add(http.MethodPost, "/auth/member-login", s.memberLogin)
	s.add(http.MethodGet, "/api/me", s.me)
	s.add(http.MethodGet, "/api/members/me", s.memberMe)

	auth := authmw.RequireAuth(s.secret)
	s.add(http.MethodGet, "/api/user-permissions", s.allPermissions, auth)
	s.add(http.MethodGet, "/api/admin/users/:id/permissions", s.listPermissions, auth)
	s.add(http.MethodPost, "/api/admin/users/:id/permissions", s.grantPermission, auth)
	s.add(http.MethodPut, "/api/admin/users/:id/permissions/:permId", s.updatePermission, auth)
	s.add(http.MethodDelete, "/api/admin/users/:id/permissions/:permId", s.revokePermission, auth)
}

// add registers h behind mws. Overrides replace the whole chain.
func (s *Server) add(method, path string, h echo.HandlerFunc, mws ...echo.MiddlewareFunc) {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	key := method + " " + path
	s.e.Add(method, path, func(c echo.Context) error {
		s.mu.Lock()
		o, ok := s.overrides[key]
		s.mu.Unlock()
		if ok {
			return o(c)
		}
		return h(c)
	})
}

// Handle replaces the handler for a built-in route or registers a new one.
// Call it before issuing requests for a new path.
func (s *Server) Handle(method, path string, h echo.HandlerFunc) {
	key := method + " " + path
	s.mu.Lock()
	_, seen := s.overrides[key]
	s.overrides[key] = h
	s.mu.Unlock()

	if seen || s.hasRoute(method, path) {
		return
	}
	s.add(method, path, h)
}

func (s *Server) hasRoute(method, path string) bool {
	for _, r := range s.e.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// Close stops the server early, so later calls fail at the transport level.
func (s *Server) Close() { s.srv.Close() }

func (s *Server) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(a.Roles) == 0 {
		a.Roles = []domain.Role{domain.RoleMember}
	}
	s.accounts[strings.ToLower(a.Username)] = &a
}

func (s *Server) Disable(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[strings.ToLower(username)]; ok {
		a.Disabled = true
	}
}

// Token issues a valid bearer token for username without going through login.
func (s *Server) Token(t testing.TB, username string) string {
	t.Helper()
	s.mu.Lock()
	a, ok := s.accounts[strings.ToLower(username)]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("unknown account %q", username)
	}
	tok, err := s.issue(a)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// Hits counts requests by "METHOD /path" using the raw request path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.hits {
		n += v
	}
	return n
}

// Permissions returns a copy of the rows stored for userID.
func (s *Server) Permissions(userID string) []domain.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Permission(nil), s.perms[userID]...)
}

func (s *Server) issue(a *Account) (string, error) {
	roles := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		roles = append(roles, string(r))
	}
	return tokens.NewAccessToken(s.secret, strconv.FormatInt(a.ID, 10), a.Username, roles, time.Now().Add(time.Hour))
}

func (s *Server) recordHits(l *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s.mu.Lock()
			s.hits[c.Request().Method+" "+c.Request().URL.Path]++
			s.mu.Unlock()

			err := next(c)
			if err != nil {
				l.Error("fake api request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
			}
			return err
		}
	}
}
