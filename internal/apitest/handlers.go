package apitest

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/rbe_session/internal/domain"
	authmw "github.com/Skotchmaster/rbe_session/pkg/middleware/auth"
)

type loginBody struct {
	Username   string `json:"username"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type grantBody struct {
	Resource  domain.Resource `json:"resource"`
	Actions   []domain.Action `json:"actions"`
	Reason    string          `json:"reason"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

func (s *Server) login(c echo.Context) error {
	var in loginBody
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	return s.respondLogin(c, s.lookup(in.Username), in.Password)
}

func (s *Server) memberLogin(c echo.Context) error {
	var in loginBody
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	return s.respondLogin(c, s.lookup(in.Identifier), in.Password)
}

func (s *Server) respondLogin(c echo.Context, a *Account, password string) error {
	if a == nil || a.Password != password {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	tok, err := s.issue(a)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"token": tok, "user": userOf(a)})
}

// lookup matches username, email or matricule, ignoring case.
func (s *Server) lookup(id string) *Account {
	id = strings.ToLower(strings.TrimSpace(id))
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a
	}
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, id) || (a.Matricule != "" && strings.EqualFold(a.Matricule, id)) {
			return a
		}
	}
	return nil
}

func (s *Server) authenticate(c echo.Context) (*Account, bool) {
	claims, err := authmw.ParseBearer(c.Request(), s.secret)
	if err != nil {
		return nil, false
	}
	a := s.lookup(claims.Username)
	return a, a != nil
}

func (s *Server) me(c echo.Context) error {
	a, ok := s.authenticate(c)
	if !ok {
		return unauthorized(c)
	}
	s.mu.Lock()
	disabled := a.Disabled
	s.mu.Unlock()

	u := userOf(a)
	return c.JSON(http.StatusOK, echo.Map{
		"id":       u.ID,
		"username": u.Username,
		"email":    u.Email,
		"roles":    u.Roles,
		"disabled": disabled,
		"active":   !disabled,
	})
}

func (s *Server) memberMe(c echo.Context) error {
	a, ok := s.authenticate(c)
	if !ok {
		return unauthorized(c)
	}
	if a.Member == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no member profile"})
	}
	return c.JSON(http.StatusOK, a.Member)
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func (s *Server) listPermissions(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"success": true, "permissions": s.Permissions(c.Param("id"))})
}

func (s *Server) allPermissions(c echo.Context) error {
	s.mu.Lock()
	var all []domain.Permission
	for _, rows := range s.perms {
		all = append(all, rows...)
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, echo.Map{"success": true, "permissions": all})
}

// grantPermission replaces any row for the same resource.
func (s *Server) grantPermission(c echo.Context) error {
	var in grantBody
	if err := c.Bind(&in); err != nil || in.Resource == "" || len(in.Actions) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "resource and actions are required"})
	}
	userID := c.Param("id")

	s.mu.Lock()
	p := domain.Permission{
		ID:        domain.IDFromInt(s.nextPermID),
		UserID:    domain.ID(userID),
		Resource:  in.Resource,
		Actions:   in.Actions,
		Reason:    in.Reason,
		ExpiresAt: in.ExpiresAt,
	}
	s.nextPermID++
	rows := s.perms[userID][:0:0]
	for _, r := range s.perms[userID] {
		if r.Resource != in.Resource {
			rows = append(rows, r)
		}
	}
	s.perms[userID] = append(rows, p)
	s.mu.Unlock()

	return c.JSON(http.StatusCreated, echo.Map{"success": true, "permission": p})
}

func (s *Server) updatePermission(c echo.Context) error {
	var in grantBody
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	userID, permID := c.Param("id"), domain.ID(c.Param("permId"))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.perms[userID] {
		if r.ID != permID {
			continue
		}
		if len(in.Actions) > 0 {
			r.Actions = in.Actions
		}
		r.Reason = in.Reason
		r.ExpiresAt = in.ExpiresAt
		s.perms[userID][i] = r
		return c.JSON(http.StatusOK, echo.Map{"success": true, "permission": r})
	}
	return c.JSON(http.StatusNotFound, echo.Map{"error": "permission not found"})
}

func (s *Server) revokePermission(c echo.Context) error {
	userID, permID := c.Param("id"), domain.ID(c.Param("permId"))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.perms[userID]
	for i, r := range rows {
		if r.ID == permID {
			s.perms[userID] = append(rows[:i:i], rows[i+1:]...)
			return c.NoContent(http.StatusNoContent)
		}
	}
	return c.JSON(http.StatusNotFound, echo.Map{"error": "permission not found"})
}

func userOf(a *Account) domain.User {
	return domain.User{
		ID:       domain.ID(strconv.FormatInt(a.ID, 10)),
		Username: a.Username,
		Email:    a.Email,
		Roles:    a.Roles,
	}
}
