package session

import (
	"time"

	"github.com/Skotchmaster/rbe_session/internal/domain"
)

type State int

const (
	StateUnauthenticated State = iota
	StateValidating
	StateAuthenticated
	StateInvalidating
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateValidating:
		return "validating"
	case StateAuthenticated:
		return "authenticated"
	case StateInvalidating:
		return "invalidating"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the session for readers.
type Snapshot struct {
	Token           string         `json:"-"`
	TokenFlavor     string         `json:"tokenFlavor"`
	User            *domain.User   `json:"user,omitempty"`
	IsAuthenticated bool           `json:"isAuthenticated"`
	SessionChecked  bool           `json:"sessionChecked"`
	State           string         `json:"state"`
	Roles           []domain.Role  `json:"roles"`
	IsAdmin         bool           `json:"isAdmin"`
	IsVolunteer     bool           `json:"isVolunteer"`
	IsDriver        bool           `json:"isDriver"`
	IsMember        bool           `json:"isMember"`
	Member          *domain.Member `json:"member,omitempty"`
	MemberError     string         `json:"memberError,omitempty"`
	CheckedAt       time.Time      `json:"checkedAt"`
}

func buildSnapshot(token string, u *domain.User, checked bool, st State, member *domain.Member, memberErr string, checkedAt time.Time) Snapshot {
	s := Snapshot{
		Token:           token,
		TokenFlavor:     domain.TokenFlavor(token),
		IsAuthenticated: token != "",
		SessionChecked:  checked,
		State:           st.String(),
		MemberError:     memberErr,
		CheckedAt:       checkedAt,
	}
	if u != nil {
		cp := u.Normalized()
		s.User = &cp
		s.Roles = cp.Roles
	}
	if member != nil {
		cp := *member
		s.Member = &cp
	}
	for _, r := range s.Roles {
		switch {
		case domain.IsAdminRole(r):
			s.IsAdmin = true
		case r == domain.RoleVolunteer:
			s.IsVolunteer = true
		case r == domain.RoleDriver:
			s.IsDriver = true
		case r == domain.RoleMember:
			s.IsMember = true
		}
	}
	return s
}
