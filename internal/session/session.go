// Package session is the process-wide session object. It composes the token
// store, validator, gateway and permission model, and is the only writer of
// the persisted user.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Skotchmaster/rbe_session/internal/apiclient"
	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/cache"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/events"
	"github.com/Skotchmaster/rbe_session/internal/gateway"
	"github.com/Skotchmaster/rbe_session/internal/metrics"
	"github.com/Skotchmaster/rbe_session/internal/permissions"
	"github.com/Skotchmaster/rbe_session/internal/storage"
	"github.com/Skotchmaster/rbe_session/internal/tokenstore"
	"github.com/Skotchmaster/rbe_session/internal/validator"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

// UserKey is the storage key of the JSON-encoded current user.
const UserKey = "user"

const (
	memberPath        = "/api/members/me"
	memberCachePrefix = "member"
)

var ErrNoSession = fmt.Errorf("%w: no active session", apierr.ErrAuthentication)

type TokenValidator interface {
	Validate(ctx context.Context, token string) validator.Outcome
}

type Authenticator interface {
	Login(ctx context.Context, username, password string) (*gateway.Result, error)
	MemberLogin(ctx context.Context, identifier, password string) (*gateway.Result, error)
}

type API interface {
	Get(ctx context.Context, path string, opts ...apiclient.CallOption) (*apiclient.Result, error)
}

type Deps struct {
	Store       storage.Store
	Tokens      *tokenstore.Store
	Validator   TokenValidator
	Gateway     Authenticator
	API         API
	Permissions *permissions.Manager
	Cache       *cache.Cache
	Events      events.Publisher
	Metrics     *metrics.Metrics
}

type Options struct {
	RevalidateInterval    time.Duration
	MemberRefreshThrottle time.Duration
}

type Manager struct {
	deps  Deps
	opts  Options
	model *permissions.Model
	now   func() time.Time

	mu        sync.RWMutex
	state     State
	token     string
	user      *domain.User
	checked   bool
	checkedAt time.Time
	member    *domain.Member
	memberErr string
	lastFetch time.Time
	// gen numbers validation cycles; applied is the newest one whose result
	// is visible. Older results are dropped.
	gen     uint64
	applied uint64

	tokenCh     chan struct{}
	focusCh     chan struct{}
	unsubscribe func()
}

func New(deps Deps, opts Options) *Manager {
	if deps.Store == nil {
		deps.Store = storage.NewMemory()
	}
	if deps.Tokens == nil {
		deps.Tokens = tokenstore.New(deps.Store)
	}
	if deps.Permissions == nil {
		deps.Permissions = permissions.NewManager(nil, nil)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(deps.Store, 0)
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if opts.RevalidateInterval <= 0 {
		opts.RevalidateInterval = 5 * time.Minute
	}
	if opts.MemberRefreshThrottle <= 0 {
		opts.MemberRefreshThrottle = 500 * time.Millisecond
	}
	return &Manager{
		deps:    deps,
		opts:    opts,
		model:   permissions.NewModel(deps.Permissions.Registry()),
		now:     time.Now,
		tokenCh: make(chan struct{}, 1),
		focusCh: make(chan struct{}, 1),
	}
}

// Start hydrates the token and the persisted user. With a token the session
// begins in Validating; the first check happens in Run or EnsureSession.
func (m *Manager) Start(ctx context.Context) error {
	l := logging.FromContext(ctx).With("svc", "session.start")

	m.unsubscribe = m.deps.Tokens.Subscribe(m.onToken)
	if err := m.deps.Tokens.Hydrate(ctx); err != nil {
		return err
	}

	raw, ok, err := m.deps.Store.Get(ctx, UserKey)
	if err != nil {
		return fmt.Errorf("read persisted user: %w", err)
	}
	var u *domain.User
	if ok {
		var decoded domain.User
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			l.Warn("dropping unreadable persisted user", "error", err)
			_ = m.deps.Store.Delete(ctx, UserKey)
		} else {
			u = &decoded
		}
	}

	m.mu.Lock()
	orphan := m.token == "" && u != nil
	if orphan {
		u = nil
	}
	m.user = u
	if m.token != "" {
		m.state = StateValidating
	} else {
		m.state = StateUnauthenticated
	}
	m.mu.Unlock()

	if orphan {
		l.Info("dropping persisted user without a token")
		if err := m.deps.Store.Delete(ctx, UserKey); err != nil {
			return fmt.Errorf("clear user: %w", err)
		}
	}

	l.Info("session hydrated", "token", domain.TokenFlavor(m.deps.Tokens.Get()), "has_user", u != nil)
	return nil
}

// Close detaches from the token store.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// onToken runs synchronously inside TokenStore.Set and must stay cheap. An
// emptied token drops the in-memory user at once; the persisted copy goes on
// the next teardown or Start.
func (m *Manager) onToken(token string) {
	m.mu.Lock()
	changed := m.token != token
	m.token = token
	if token == "" {
		m.user = nil
		m.member = nil
	}
	m.mu.Unlock()

	if changed {
		select {
		case m.tokenCh <- struct{}{}:
		default:
		}
	}
}

// Focus reports that the user came back to the application.
func (m *Manager) Focus() {
	select {
	case m.focusCh <- struct{}{}:
	default:
	}
}

// Run revalidates on token changes, focus and a fixed interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	l := logging.FromContext(ctx).With("svc", "session.run")
	ticker := time.NewTicker(m.opts.RevalidateInterval)
	defer ticker.Stop()

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.tokenCh:
			trigger = "token"
		case <-m.focusCh:
			trigger = "focus"
		case <-ticker.C:
			trigger = "interval"
		}
		if _, err := m.EnsureSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Warn("revalidation failed", "trigger", trigger, "error", err)
		}
	}
}

// EnsureSession validates the current token. A valid session becomes
// Authenticated and refreshes the member profile and permissions on a best
// effort basis; an invalid one is torn down. Overlapping calls are safe: a
// result is applied only if no newer check has been applied and the token
// it checked is still current.
func (m *Manager) EnsureSession(ctx context.Context) (bool, error) {
	l := logging.FromContext(ctx).With("svc", "session.ensure")

	m.mu.Lock()
	m.gen++
	gen := m.gen
	token := m.token
	if token != "" {
		m.state = StateValidating
	}
	m.mu.Unlock()

	if token == "" {
		return false, m.teardown(ctx, events.TypeInvalidated, "no_token")
	}

	outcome := m.deps.Validator.Validate(ctx, token)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	if gen < m.applied || token != m.token {
		m.mu.Unlock()
		l.Debug("discarding stale validation", "generation", gen, "outcome", outcome.String())
		return outcome.Valid(), nil
	}
	m.applied = gen
	m.checked = true
	m.checkedAt = m.now()
	if outcome.Valid() {
		m.state = StateAuthenticated
	} else {
		m.state = StateInvalidating
	}
	m.mu.Unlock()

	if !outcome.Valid() {
		l.Info("session invalid", "outcome", outcome.String())
		return false, m.teardown(ctx, events.TypeInvalidated, outcome.String())
	}

	m.refreshAll(ctx)
	return true, nil
}

func (m *Manager) refreshAll(ctx context.Context) {
	l := logging.FromContext(ctx).With("svc", "session.refresh")
	if _, err := m.RefreshMember(ctx, false); err != nil && !errors.Is(err, ErrNoSession) {
		l.Warn("member refresh failed", "error", err)
	}
	if _, err := m.RefreshPermissions(ctx); err != nil {
		l.Warn("permission refresh failed", "error", err)
	}
}

func (m *Manager) Login(ctx context.Context, username, password string) (Snapshot, error) {
	res, err := m.deps.Gateway.Login(ctx, username, password)
	if err != nil {
		return Snapshot{}, err
	}
	return m.commit(ctx, res)
}

func (m *Manager) MemberLogin(ctx context.Context, identifier, password string) (Snapshot, error) {
	res, err := m.deps.Gateway.MemberLogin(ctx, identifier, password)
	if err != nil {
		return Snapshot{}, err
	}
	return m.commit(ctx, res)
}

// commit stores a fresh login. The user is persisted before the token so a
// reader that sees the token can always find its user.
func (m *Manager) commit(ctx context.Context, res *gateway.Result) (Snapshot, error) {
	l := logging.FromContext(ctx).With("svc", "session.commit", "source", string(res.Source))

	u := res.User.Normalized()
	b, err := json.Marshal(u)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode user: %w", err)
	}
	if err := m.deps.Store.Set(ctx, UserKey, string(b)); err != nil {
		return Snapshot{}, fmt.Errorf("persist user: %w", err)
	}
	if err := m.deps.Tokens.Set(ctx, res.Token); err != nil {
		_ = m.deps.Store.Delete(ctx, UserKey)
		return Snapshot{}, err
	}

	m.mu.Lock()
	m.user = &u
	m.member = nil
	m.memberErr = ""
	m.lastFetch = time.Time{}
	m.state = StateAuthenticated
	m.checked = true
	m.checkedAt = m.now()
	m.gen++
	m.applied = m.gen
	m.mu.Unlock()

	l.Info("session opened", "username", u.Username, "token", domain.TokenFlavor(res.Token))
	m.publish(ctx, events.TypeLogin, &u, string(res.Source))
	m.refreshAll(ctx)
	return m.Snapshot(), nil
}

// Logout ends the session from any state. Calling it again only clears
// already empty state.
func (m *Manager) Logout(ctx context.Context) error {
	return m.teardown(ctx, events.TypeLogout, "logout")
}

func (m *Manager) teardown(ctx context.Context, kind events.Type, reason string) error {
	l := logging.FromContext(ctx).With("svc", "session.teardown", "reason", reason)

	m.mu.Lock()
	prevUser := m.user
	hadToken := m.token != ""
	m.user = nil
	m.member = nil
	m.memberErr = ""
	m.state = StateUnauthenticated
	m.checked = true
	m.gen++
	m.applied = m.gen
	m.mu.Unlock()

	var errs []error
	if err := m.deps.Tokens.Set(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	if err := m.deps.Store.Delete(ctx, UserKey); err != nil {
		errs = append(errs, fmt.Errorf("clear user: %w", err))
	}
	m.deps.Permissions.Registry().ClearAll()
	if n, err := m.deps.Cache.ClearAppCache(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		l.Debug("app cache purged", "keys", n)
	}

	if prevUser != nil || hadToken {
		m.deps.Metrics.RecordTeardown(reason)
		m.publish(ctx, kind, prevUser, reason)
		l.Info("session closed")
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(ctx context.Context, kind events.Type, u *domain.User, source string) {
	e := events.New(kind, "", "")
	if u != nil {
		e.Username, e.UserID = u.Username, u.ID.String()
	}
	e.Source = source
	if err := m.deps.Events.Publish(ctx, e); err != nil {
		logging.FromContext(ctx).Warn("session event not published", "type", string(kind), "error", err)
	}
}

// RefreshMember loads the caller's member profile. Calls within the throttle
// window return the current profile unless force is set. A 401 here never
// tears the session down.
func (m *Manager) RefreshMember(ctx context.Context, force bool) (*domain.Member, error) {
	m.mu.Lock()
	if m.token == "" {
		m.member = nil
		m.memberErr = "no-token"
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	now := m.now()
	if !force && now.Sub(m.lastFetch) < m.opts.MemberRefreshThrottle {
		cur := m.member
		m.mu.Unlock()
		return cur, nil
	}
	m.lastFetch = now
	var userID string
	if m.user != nil {
		userID = m.user.ID.String()
	}
	token := m.token
	m.mu.Unlock()

	cacheKey := cache.MakeKey(memberCachePrefix, userID)
	if !force && userID != "" {
		var cached domain.Member
		if ok, err := m.deps.Cache.GetIfFresh(ctx, cacheKey, &cached); err == nil && ok {
			m.setMember(token, &cached, "")
			return &cached, nil
		}
	}
	if m.deps.API == nil {
		m.setMember(token, nil, "no-api")
		return nil, nil
	}

	res, err := m.deps.API.Get(ctx, memberPath, apiclient.WithoutTeardown())
	if err != nil {
		reason := "network"
		if st := apierr.StatusOf(err); st != 0 {
			reason = strconv.Itoa(st)
		}
		m.setMember(token, nil, reason)
		return nil, err
	}
	if res.NotFound || res.NoContent {
		m.setMember(token, nil, strconv.Itoa(res.Status))
		return nil, nil
	}
	var member domain.Member
	if err := res.Decode(&member); err != nil {
		m.setMember(token, nil, "parse")
		return nil, err
	}
	m.setMember(token, &member, "")
	if userID != "" {
		if err := m.deps.Cache.Set(ctx, cacheKey, member); err != nil {
			logging.FromContext(ctx).Warn("member cache write failed", "error", err)
		}
	}
	return &member, nil
}

// setMember drops results for a token that is no longer current.
func (m *Manager) setMember(token string, member *domain.Member, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != token {
		return
	}
	m.member = member
	m.memberErr = reason
}

// RefreshPermissions reloads the user's individual rows. On failure the rows
// are cleared so only role defaults apply.
func (m *Manager) RefreshPermissions(ctx context.Context) ([]domain.Permission, error) {
	m.mu.RLock()
	u, token := m.user, m.token
	m.mu.RUnlock()

	if u == nil || u.ID == "" || token == "" {
		return nil, nil
	}
	rows, err := m.deps.Permissions.Load(ctx, u.ID, apiclient.WithoutTeardown())
	if err != nil {
		m.deps.Permissions.Registry().Clear(u.ID)
		return nil, err
	}
	return rows, nil
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildSnapshot(m.token, m.user, m.checked, m.state, m.member, m.memberErr, m.checkedAt)
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// principal is the user permission checks run for: nil, a guest, whenever
// there is no token.
func (m *Manager) principal() *domain.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil || m.token == "" {
		return nil
	}
	cp := m.user.Normalized()
	return &cp
}

// CanAccess answers for the current user, a guest when logged out.
func (m *Manager) CanAccess(res domain.Resource, act domain.Action) bool {
	return m.model.CanAccess(m.principal(), res, act)
}

// Capabilities lists what the current user may do per resource.
func (m *Manager) Capabilities() map[domain.Resource][]domain.Action {
	return m.model.Capabilities(m.principal())
}

func (m *Manager) Model() *permissions.Model { return m.model }
