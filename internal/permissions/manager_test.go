package permissions

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/rbe_session/internal/apiclient"
	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/apitest"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/storage"
	"github.com/Skotchmaster/rbe_session/internal/tokenstore"
)

func remoteManager(t *testing.T) (*Manager, *Registry, *apitest.Server) {
	t.Helper()
	srv := apitest.New(t, apitest.Account{ID: 1, Username: "admin", Password: "pw", Roles: []domain.Role{domain.RoleAdmin}})
	ts := tokenstore.New(storage.NewMemory())
	require.NoError(t, ts.Set(context.Background(), srv.Token(t, "admin")))

	reg := NewRegistry()
	return NewManager(NewClient(apiclient.New(srv.URL, ts)), reg), reg, srv
}

func TestAddPermission_LocalThenCanAccess(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	mgr := NewManager(nil, reg)
	model := NewModel(reg)
	user := &domain.User{ID: domain.IDFromInt(42), Roles: []domain.Role{domain.RoleMember}}

	_, err := mgr.AddPermission(ctx, user.ID, GrantRequest{
		Resource: domain.ResourceStock,
		Actions:  []domain.Action{domain.ActionRead, domain.ActionEdit},
	})
	require.NoError(t, err)

	assert.False(t, model.CanAccess(user, domain.ResourceStock, domain.ActionDelete))
	assert.True(t, model.CanAccess(user, domain.ResourceStock, domain.ActionRead))
	assert.True(t, model.CanAccess(user, domain.ResourceStock, domain.ActionEdit))
}

func TestAddPermission_Validation(t *testing.T) {
	mgr := NewManager(nil, nil)
	ctx := context.Background()

	bad := []GrantRequest{
		{Resource: "GARAGE", Actions: []domain.Action{domain.ActionRead}},
		{Resource: domain.ResourceStock},
		{Resource: domain.ResourceStock, Actions: []domain.Action{"DENY"}},
	}
	for _, req := range bad {
		_, err := mgr.AddPermission(ctx, "1", req)
		require.ErrorIs(t, err, apierr.ErrValidation)
	}
	_, err := mgr.AddPermission(ctx, "", GrantRequest{Resource: domain.ResourceStock, Actions: []domain.Action{domain.ActionRead}})
	require.ErrorIs(t, err, apierr.ErrValidation)
}

func TestRemovePermission_FallsBackToRole(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	mgr := NewManager(nil, reg)
	model := NewModel(reg)
	user := &domain.User{ID: "5", Roles: []domain.Role{domain.RoleDriver}}

	p, err := mgr.AddPermission(ctx, user.ID, GrantRequest{Resource: domain.ResourceVehicles, Actions: []domain.Action{domain.ActionEdit}})
	require.NoError(t, err)
	require.True(t, model.CanAccess(user, domain.ResourceVehicles, domain.ActionEdit))

	require.NoError(t, mgr.RemovePermission(ctx, user.ID, p.ID))
	assert.False(t, model.CanAccess(user, domain.ResourceVehicles, domain.ActionEdit))
	assert.True(t, model.CanAccess(user, domain.ResourceVehicles, domain.ActionRead))

	require.ErrorIs(t, mgr.RemovePermission(ctx, user.ID, p.ID), apierr.ErrValidation)
}

func TestRemote_GrantListUpdateRevoke(t *testing.T) {
	ctx := context.Background()
	mgr, reg, srv := remoteManager(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	p, err := mgr.AddPermission(ctx, "42", GrantRequest{
		Resource:  domain.ResourceStock,
		Actions:   []domain.Action{domain.ActionRead, domain.ActionEdit},
		Reason:    "inventaire",
		ExpiresAt: &exp,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Len(t, srv.Permissions("42"), 1)

	_, err = mgr.AddPermission(ctx, "42", GrantRequest{Resource: domain.ResourceStock, Actions: []domain.Action{domain.ActionRead}})
	require.NoError(t, err)
	assert.Len(t, srv.Permissions("42"), 1, "server keeps one row per resource")

	reg.ClearAll()
	rows, err := mgr.Load(ctx, "42")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []domain.Action{domain.ActionRead}, reg.List("42")[0].Actions)

	upd, err := mgr.UpdatePermission(ctx, "42", rows[0].ID, GrantRequest{Resource: domain.ResourceStock, Actions: []domain.Action{domain.ActionRead, domain.ActionDelete}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Action{domain.ActionRead, domain.ActionDelete}, upd.Actions)

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	require.NoError(t, mgr.RemovePermission(ctx, "42", rows[0].ID))
	assert.Empty(t, srv.Permissions("42"))
	assert.Empty(t, reg.List("42"))
}

func TestClientList_GroupedShape(t *testing.T) {
	ctx := context.Background()
	mgr, _, srv := remoteManager(t)
	srv.Handle(http.MethodGet, "/api/admin/users/:id/permissions", func(c echo.Context) error {
		body := `{"permissions":{"permanent":[{"id":1,"resource":"EVENTS","actions":["READ"]}],` +
			`"temporary":[{"id":2,"resource":"STOCK","actions":"[\"EDIT\"]","expiresAt":"2031-01-01T00:00:00Z"}],` +
			`"expired":[{"id":3,"resource":"FINANCE","actions":["READ"],"expiresAt":"2020-01-01T00:00:00Z"}]}}`
		return c.JSONBlob(http.StatusOK, json.RawMessage(body))
	})

	rows, err := mgr.Load(ctx, "8")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, domain.ID("8"), r.UserID)
	}

	active, expired := mgr.View("8", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Len(t, active, 2)
	assert.Len(t, expired, 1)
}

func TestClientList_ExpiredRowNeverHidesLiveRow(t *testing.T) {
	ctx := context.Background()
	mgr, reg, srv := remoteManager(t)
	srv.Handle(http.MethodGet, "/api/admin/users/:id/permissions", func(c echo.Context) error {
		body := `{"permissions":{"permanent":[],` +
			`"temporary":[{"id":2,"resource":"FINANCE","actions":["EDIT"],"expiresAt":"2099-01-01T00:00:00Z"}],` +
			`"expired":[{"id":3,"resource":"FINANCE","actions":["EDIT"],"expiresAt":"2020-01-01T00:00:00Z"}]}}`
		return c.JSONBlob(http.StatusOK, json.RawMessage(body))
	})

	_, err := mgr.Load(ctx, "8")
	require.NoError(t, err)

	member := &domain.User{ID: "8", Roles: []domain.Role{domain.RoleMember}}
	assert.True(t, NewModel(reg).CanAccess(member, domain.ResourceFinance, domain.ActionEdit))

	active, expired := mgr.View("8", time.Now())
	require.Len(t, active, 1)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.ID("2"), active[0].ID)
	assert.Equal(t, domain.ID("3"), expired[0].ID)

	assert.True(t, reg.Revoke("8", "3"))
	assert.Len(t, reg.List("8"), 1)
}

func TestUpdatePermission_MovesRowToNewResource(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	mgr := NewManager(nil, reg)
	model := NewModel(reg)
	user := &domain.User{ID: "5", Roles: []domain.Role{domain.RoleMember}}

	p, err := mgr.AddPermission(ctx, user.ID, GrantRequest{Resource: domain.ResourceStock, Actions: []domain.Action{domain.ActionEdit}})
	require.NoError(t, err)
	require.True(t, model.CanAccess(user, domain.ResourceStock, domain.ActionEdit))

	_, err = mgr.UpdatePermission(ctx, user.ID, p.ID, GrantRequest{Resource: domain.ResourceEvents, Actions: []domain.Action{domain.ActionDelete}})
	require.NoError(t, err)

	rows := reg.List(user.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ResourceEvents, rows[0].Resource)
	assert.False(t, model.CanAccess(user, domain.ResourceStock, domain.ActionEdit))
	assert.True(t, model.CanAccess(user, domain.ResourceEvents, domain.ActionDelete))

	require.NoError(t, mgr.RemovePermission(ctx, user.ID, p.ID))
	assert.Empty(t, reg.All())
}

func TestDecodeRows_Shapes(t *testing.T) {
	cases := map[string]int{
		`[]`:                                           0,
		`null`:                                         0,
		`{"permissions":null}`:                         0,
		`{"permissions":[{"resource":"STOCK"}]}`:       1,
		`[{"resource":"STOCK"},{"resource":"EVENTS"}]`: 2,
	}
	for body, n := range cases {
		rows, err := decodeRows(json.RawMessage(body))
		require.NoError(t, err, body)
		assert.Len(t, rows, n, body)
	}
}
