package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/rbe_session/internal/apiclient"
	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

// Manager keeps the local registry in step with the server. Without a client
// it works purely locally, which is how offline sessions grant rows.
type Manager struct {
	client   *Client
	registry *Registry
}

func NewManager(client *Client, reg *Registry) *Manager {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Manager{client: client, registry: reg}
}

func validateGrant(user domain.ID, req GrantRequest) error {
	if user == "" {
		return apierr.Validation("user id is required")
	}
	if _, err := domain.ParseResource(string(req.Resource)); err != nil {
		return apierr.Validation(err.Error())
	}
	if len(req.Actions) == 0 {
		return apierr.Validation("at least one action is required")
	}
	for _, a := range req.Actions {
		if _, err := domain.ParseAction(string(a)); err != nil {
			return apierr.Validation(err.Error())
		}
	}
	return nil
}

// AddPermission grants actions on a resource, replacing any row the user
// already holds for it. The registry reflects the grant as soon as it returns.
func (m *Manager) AddPermission(ctx context.Context, user domain.ID, req GrantRequest) (domain.Permission, error) {
	if err := validateGrant(user, req); err != nil {
		return domain.Permission{}, err
	}
	req.Actions = domain.DedupActions(req.Actions)
	l := logging.FromContext(ctx).With("svc", "permissions.add", "user_id", user.String(), "resource", string(req.Resource))

	var p domain.Permission
	if m.client != nil {
		var err error
		if p, err = m.client.Grant(ctx, user, req); err != nil {
			l.Warn("grant failed", "error", err)
			return domain.Permission{}, err
		}
	} else {
		p = domain.Permission{
			ID:        domain.ID(uuid.NewString()),
			UserID:    user,
			Resource:  req.Resource,
			Actions:   req.Actions,
			Reason:    req.Reason,
			ExpiresAt: req.ExpiresAt,
		}
	}
	if p.ID == "" {
		p.ID = domain.ID(uuid.NewString())
	}
	m.registry.Grant(p)
	l.Info("permission granted", "permission_id", p.ID.String(), "actions", p.Actions)
	return p, nil
}

// UpdatePermission edits an existing row in place.
func (m *Manager) UpdatePermission(ctx context.Context, user, permID domain.ID, req GrantRequest) (domain.Permission, error) {
	if err := validateGrant(user, req); err != nil {
		return domain.Permission{}, err
	}
	p := domain.Permission{ID: permID, UserID: user, Resource: req.Resource, Actions: domain.DedupActions(req.Actions), Reason: req.Reason, ExpiresAt: req.ExpiresAt}
	if m.client != nil {
		var err error
		if p, err = m.client.Update(ctx, user, permID, req); err != nil {
			return domain.Permission{}, err
		}
	}
	// the row may have moved to another resource
	m.registry.Revoke(user, permID)
	m.registry.Grant(p)
	return p, nil
}

// RemovePermission deletes the row; access falls back to the role default.
func (m *Manager) RemovePermission(ctx context.Context, user, permID domain.ID) error {
	if m.client != nil {
		if err := m.client.Revoke(ctx, user, permID); err != nil {
			return err
		}
	}
	if !m.registry.Revoke(user, permID) && m.client == nil {
		return fmt.Errorf("%w: permission %s not found", apierr.ErrValidation, permID)
	}
	logging.FromContext(ctx).Info("permission revoked", "user_id", user.String(), "permission_id", permID.String())
	return nil
}

// Load replaces the registry rows for user with the server's.
func (m *Manager) Load(ctx context.Context, user domain.ID, opts ...apiclient.CallOption) ([]domain.Permission, error) {
	if m.client == nil {
		return m.registry.List(user), nil
	}
	rows, err := m.client.List(ctx, user, opts...)
	if err != nil {
		return nil, err
	}
	m.registry.Replace(user, rows)
	return rows, nil
}

func (m *Manager) Registry() *Registry { return m.registry }

// View lists user's rows split into live and expired.
func (m *Manager) View(user domain.ID, now time.Time) (active, expired []domain.Permission) {
	return Partition(m.registry.List(user), now)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if m.client == nil {
		return Summarize(m.registry.All()), nil
	}
	rows, err := m.client.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(rows), nil
}
