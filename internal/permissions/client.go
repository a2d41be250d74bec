package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Skotchmaster/rbe_session/internal/apiclient"
	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/domain"
)

// API is the subset of apiclient.Client used for permission calls.
type API interface {
	Get(ctx context.Context, path string, opts ...apiclient.CallOption) (*apiclient.Result, error)
	Post(ctx context.Context, path string, body any, opts ...apiclient.CallOption) (*apiclient.Result, error)
	Put(ctx context.Context, path string, body any, opts ...apiclient.CallOption) (*apiclient.Result, error)
	Delete(ctx context.Context, path string, opts ...apiclient.CallOption) (*apiclient.Result, error)
}

type GrantRequest struct {
	Resource  domain.Resource `json:"resource"`
	Actions   []domain.Action `json:"actions"`
	Reason    string          `json:"reason,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

type Client struct {
	api API
}

func NewClient(api API) *Client {
	return &Client{api: api}
}

func userPath(user domain.ID) string {
	return fmt.Sprintf("/api/admin/users/%s/permissions", user)
}

// List fetches user's rows. A 404 means the user has none.
func (c *Client) List(ctx context.Context, user domain.ID, opts ...apiclient.CallOption) ([]domain.Permission, error) {
	res, err := c.api.Get(ctx, userPath(user), opts...)
	if err != nil {
		return nil, err
	}
	if res.NotFound || res.NoContent {
		return nil, nil
	}
	rows, err := decodeRows(res.Body)
	if err != nil {
		return nil, apierr.NewParseError(res.Status, res.Body, err)
	}
	for i := range rows {
		if rows[i].UserID == "" {
			rows[i].UserID = user
		}
	}
	return rows, nil
}

// All fetches every row across users.
func (c *Client) All(ctx context.Context) ([]domain.Permission, error) {
	res, err := c.api.Get(ctx, "/api/user-permissions")
	if err != nil {
		return nil, err
	}
	if res.NotFound || res.NoContent {
		return nil, nil
	}
	rows, err := decodeRows(res.Body)
	if err != nil {
		return nil, apierr.NewParseError(res.Status, res.Body, err)
	}
	return rows, nil
}

func (c *Client) Grant(ctx context.Context, user domain.ID, req GrantRequest) (domain.Permission, error) {
	res, err := c.api.Post(ctx, userPath(user), req)
	if err != nil {
		return domain.Permission{}, err
	}
	return c.decodeRow(res, user, req)
}

func (c *Client) Update(ctx context.Context, user, permID domain.ID, req GrantRequest) (domain.Permission, error) {
	res, err := c.api.Put(ctx, userPath(user)+"/"+permID.String(), req)
	if err != nil {
		return domain.Permission{}, err
	}
	if res.NotFound {
		return domain.Permission{}, fmt.Errorf("%w: permission %s not found", apierr.ErrValidation, permID)
	}
	p, err := c.decodeRow(res, user, req)
	if err == nil && p.ID == "" {
		p.ID = permID
	}
	return p, err
}

// Revoke deletes a row. A row that is already gone is not an error.
func (c *Client) Revoke(ctx context.Context, user, permID domain.ID) error {
	_, err := c.api.Delete(ctx, userPath(user)+"/"+permID.String())
	return err
}

// decodeRow reads {"permission": row} or a bare row, filling gaps from req.
func (c *Client) decodeRow(res *apiclient.Result, user domain.ID, req GrantRequest) (domain.Permission, error) {
	p := domain.Permission{UserID: user, Resource: req.Resource, Actions: req.Actions, Reason: req.Reason, ExpiresAt: req.ExpiresAt}
	if len(res.Body) == 0 {
		return p, nil
	}

	var env struct {
		Permission *domain.Permission `json:"permission"`
	}
	if err := res.Decode(&env); err != nil {
		return domain.Permission{}, err
	}
	got := env.Permission
	if got == nil {
		var bare domain.Permission
		if err := res.Decode(&bare); err != nil {
			return domain.Permission{}, err
		}
		got = &bare
	}

	p.ID = got.ID
	if got.UserID != "" {
		p.UserID = got.UserID
	}
	if got.Resource != "" {
		p.Resource = got.Resource
	}
	if len(got.Actions) > 0 {
		p.Actions = got.Actions
	}
	if got.Reason != "" {
		p.Reason = got.Reason
	}
	if got.ExpiresAt != nil {
		p.ExpiresAt = got.ExpiresAt
	}
	return p, nil
}

// decodeRows accepts a bare array, {"permissions": [...]} and the grouped
// {"permissions": {"permanent": [...], "temporary": [...], "expired": [...]}}.
func decodeRows(raw json.RawMessage) ([]domain.Permission, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var rows []domain.Permission
		err := json.Unmarshal(raw, &rows)
		return rows, err
	}

	var env struct {
		Permissions json.RawMessage `json:"permissions"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	inner := bytes.TrimSpace(env.Permissions)
	switch {
	case len(inner) == 0 || bytes.Equal(inner, []byte("null")):
		return nil, nil
	case inner[0] == '[':
		var rows []domain.Permission
		err := json.Unmarshal(inner, &rows)
		return rows, err
	}

	var grouped struct {
		Permanent []domain.Permission `json:"permanent"`
		Temporary []domain.Permission `json:"temporary"`
		Expired   []domain.Permission `json:"expired"`
	}
	if err := json.Unmarshal(inner, &grouped); err != nil {
		return nil, err
	}
	rows := append(grouped.Permanent, grouped.Temporary...)
	return append(rows, grouped.Expired...), nil
}
