package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Skotchmaster/rbe_session/internal/domain"
)

func fixedModel(reg *Registry, now time.Time) *Model {
	m := NewModel(reg)
	m.now = func() time.Time { return now }
	return m
}

func TestRoleDefaults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		role domain.Role
		res  domain.Resource
		act  domain.Action
		want bool
	}{
		{domain.RoleAdmin, domain.ResourceFinance, domain.ActionDelete, true},
		{domain.RolePresident, domain.ResourceSiteManagement, domain.ActionEdit, true},
		{domain.RoleTreasurer, domain.ResourceFinance, domain.ActionEdit, true},
		{domain.RoleTreasurer, domain.ResourceStock, domain.ActionRead, false},
		{domain.RoleSecretaryGeneral, domain.ResourceNewsletter, domain.ActionCreate, true},
		{domain.RoleSecretaryGeneral, domain.ResourceFinance, domain.ActionEdit, false},
		{domain.RoleManager, domain.ResourceStock, domain.ActionCreate, true},
		{domain.RoleManager, domain.ResourceStock, domain.ActionDelete, false},
		{domain.RoleOperator, domain.ResourceVehicles, domain.ActionEdit, true},
		{domain.RoleMember, domain.ResourceEvents, domain.ActionRead, true},
		{domain.RoleMember, domain.ResourceFinance, domain.ActionRead, false},
		{domain.RoleServiceProvider, domain.ResourcePlanning, domain.ActionRead, true},
		{domain.RoleGuest, domain.ResourceEvents, domain.ActionRead, false},
		{domain.Role("trésorier"), domain.ResourceFinance, domain.ActionRead, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RoleAllows(tc.role, tc.res, tc.act), "%s %s/%s", tc.role, tc.res, tc.act)
	}
}

func TestCanAccess_IndividualGrantOverridesRole(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	user := &domain.User{ID: "7", Username: "bob", Roles: []domain.Role{domain.RoleMember}}

	reg := NewRegistry()
	m := fixedModel(reg, now)
	assert.False(t, m.CanAccess(user, domain.ResourceFinance, domain.ActionEdit))

	reg.Grant(domain.Permission{ID: "1", UserID: "7", Resource: domain.ResourceFinance, Actions: []domain.Action{domain.ActionEdit}, ExpiresAt: &future})

	d := m.Decide(user.ID, user.PrimaryRole(), domain.ResourceFinance, domain.ActionEdit)
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceIndividual, d.Source)
}

func TestCanAccess_ExpiredRowBehavesAsAbsent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	for _, role := range []domain.Role{domain.RoleMember, domain.RoleTreasurer, domain.RoleAdmin} {
		user := &domain.User{ID: "7", Roles: []domain.Role{role}}

		without := fixedModel(NewRegistry(), now).CanAccess(user, domain.ResourceFinance, domain.ActionEdit)

		reg := NewRegistry()
		reg.Grant(domain.Permission{ID: "1", UserID: "7", Resource: domain.ResourceFinance, Actions: []domain.Action{domain.ActionEdit}, ExpiresAt: &past})
		with := fixedModel(reg, now).CanAccess(user, domain.ResourceFinance, domain.ActionEdit)

		assert.Equal(t, without, with, "role %s", role)
	}
}

func TestCanAccess_RowNeverRestricts(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	user := &domain.User{ID: "1", Roles: []domain.Role{domain.RoleAdmin}}
	reg.Grant(domain.Permission{ID: "1", UserID: "1", Resource: domain.ResourceStock, Actions: []domain.Action{domain.ActionRead}})

	d := NewModel(reg).Decide(user.ID, user.PrimaryRole(), domain.ResourceStock, domain.ActionDelete)
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceRole, d.Source)
}

func TestCanAccess_NilUserIsGuest(t *testing.T) {
	t.Parallel()

	m := NewModel(nil)
	assert.False(t, m.CanAccess(nil, domain.ResourceEvents, domain.ActionRead))
	assert.Empty(t, m.Capabilities(nil))
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	user := &domain.User{ID: "3", Roles: []domain.Role{domain.RoleServiceProvider}}
	reg.Grant(domain.Permission{ID: "9", UserID: "3", Resource: domain.ResourceStock, Actions: []domain.Action{domain.ActionRead}})

	caps := NewModel(reg).Capabilities(user)
	assert.Equal(t, map[domain.Resource][]domain.Action{
		domain.ResourcePlanning: {domain.ActionRead},
		domain.ResourceStock:    {domain.ActionRead},
	}, caps)
}
