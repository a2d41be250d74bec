package permissions

import (
	"time"

	"github.com/Skotchmaster/rbe_session/internal/domain"
)

type Source string

const (
	SourceIndividual Source = "individual"
	SourceRole       Source = "role"
	SourceNone       Source = "none"
)

type Decision struct {
	Allowed bool
	Source  Source
}

// Resolve applies the two layers in order: a live individual row holding the
// action grants, otherwise the role default decides. Individual rows only add
// capabilities; an expired row counts as absent.
func Resolve(row *domain.Permission, role domain.Role, res domain.Resource, act domain.Action, now time.Time) Decision {
	if row != nil && !row.Expired(now) && row.Allows(act) {
		return Decision{Allowed: true, Source: SourceIndividual}
	}
	if RoleAllows(role, res, act) {
		return Decision{Allowed: true, Source: SourceRole}
	}
	return Decision{Source: SourceNone}
}

type Model struct {
	registry *Registry
	now      func() time.Time
}

func NewModel(reg *Registry) *Model {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Model{registry: reg, now: time.Now}
}

func (m *Model) Registry() *Registry { return m.registry }

func (m *Model) Decide(user domain.ID, role domain.Role, res domain.Resource, act domain.Action) Decision {
	var row *domain.Permission
	if user != "" {
		if p, ok := m.registry.Lookup(user, res); ok {
			row = &p
		}
	}
	return Resolve(row, role, res, act, m.now())
}

// CanAccess checks u through its primary role. A nil user is a guest.
func (m *Model) CanAccess(u *domain.User, res domain.Resource, act domain.Action) bool {
	var id domain.ID
	if u != nil {
		id = u.ID
	}
	return m.Decide(id, domain.PrimaryRoleOf(u), res, act).Allowed
}

// Capabilities lists every allowed action per resource for u.
func (m *Model) Capabilities(u *domain.User) map[domain.Resource][]domain.Action {
	out := make(map[domain.Resource][]domain.Action)
	for _, r := range domain.Resources {
		for _, a := range domain.Actions {
			if m.CanAccess(u, r, a) {
				out[r] = append(out[r], a)
			}
		}
	}
	return out
}
