package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFlavor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", TokenFlavor(""))
	assert.Equal(t, "local-dev", TokenFlavor(LocalDevToken("alice")))
	assert.Equal(t, "remote", TokenFlavor("eyJhbGciOi.x.y"))
	assert.Equal(t, "Bearer abc", AuthHeader("abc"))
	assert.Empty(t, AuthHeader(""))
}

func TestNormalizeRole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Role
	}{
		{in: "admin", want: RoleAdmin},
		{in: " Trésorier ", want: RoleTreasurer},
		{in: "vice-président", want: RoleVicePresident},
		{in: "Secrétaire Général", want: RoleSecretaryGeneral},
		{in: "bénévole", want: RoleVolunteer},
		{in: "MEMBER", want: RoleMember},
		{in: "custom role", want: Role("CUSTOM_ROLE")},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeRole(tc.in), "NormalizeRole(%q)", tc.in)
	}
}

func TestNormalizeRoles_KeepsOrderDropsDuplicates(t *testing.T) {
	t.Parallel()

	got := NormalizeRoles([]Role{"member", "", "ADMIN", "Member"})
	assert.Equal(t, []Role{RoleMember, RoleAdmin}, got)
}

func TestUser_UnmarshalAcceptsNumericIDAndLegacyFields(t *testing.T) {
	t.Parallel()

	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"id":42,"username":"bob","role":"DRIVER","prenom":"Bob","nom":"Martin"}`), &u))

	assert.Equal(t, ID("42"), u.ID)
	assert.Equal(t, []Role{RoleDriver}, u.Roles)
	assert.Equal(t, "Bob", u.FirstName)
	assert.Equal(t, "Martin", u.LastName)

	var s User
	require.NoError(t, json.Unmarshal([]byte(`{"id":"u-7","username":"x","roles":["ADMIN"]}`), &s))
	assert.Equal(t, ID("u-7"), s.ID)
	assert.Equal(t, RoleAdmin, s.PrimaryRole())
}

func TestPrimaryRole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RoleGuest, PrimaryRoleOf(nil))
	assert.Equal(t, RoleMember, PrimaryRoleOf(&User{Username: "x"}))
	assert.Equal(t, RoleDriver, PrimaryRoleOf(&User{Roles: []Role{RoleDriver, RoleAdmin}}))
}

func TestPermission_ExpiredAndAllows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, Permission{}.Expired(now))
	assert.True(t, Permission{ExpiresAt: &past}.Expired(now))
	assert.False(t, Permission{ExpiresAt: &future}.Expired(now))

	p := Permission{Actions: []Action{ActionRead, ActionEdit}}
	assert.True(t, p.Allows(ActionEdit))
	assert.False(t, p.Allows(ActionDelete))
}

func TestParseResourceAndAction(t *testing.T) {
	t.Parallel()

	r, err := ParseResource("stock")
	require.NoError(t, err)
	assert.Equal(t, ResourceStock, r)

	_, err = ParseResource("garage")
	require.Error(t, err)

	a, err := ParseAction(" edit ")
	require.NoError(t, err)
	assert.Equal(t, ActionEdit, a)

	_, err = ParseAction("DENY")
	require.Error(t, err)
}

func TestPermission_UnmarshalStringEncodedActions(t *testing.T) {
	t.Parallel()

	var p Permission
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"userId":42,"resource":"STOCK","actions":"[\"READ\",\"EDIT\"]"}`), &p))
	assert.Equal(t, ID("3"), p.ID)
	assert.Equal(t, ID("42"), p.UserID)
	assert.Equal(t, []Action{ActionRead, ActionEdit}, p.Actions)

	var q Permission
	require.NoError(t, json.Unmarshal([]byte(`{"resource":"EVENTS","actions":["READ"],"expiresAt":"2030-01-01T00:00:00Z"}`), &q))
	assert.Equal(t, []Action{ActionRead}, q.Actions)
	require.NotNil(t, q.ExpiresAt)
}
