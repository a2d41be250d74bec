package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/rbe_session/internal/apiclient"
	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/apitest"
	"github.com/Skotchmaster/rbe_session/internal/cache"
	"github.com/Skotchmaster/rbe_session/internal/directory"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/events"
	"github.com/Skotchmaster/rbe_session/internal/gateway"
	"github.com/Skotchmaster/rbe_session/internal/permissions"
	"github.com/Skotchmaster/rbe_session/internal/storage"
	"github.com/Skotchmaster/rbe_session/internal/tokenstore"
	"github.com/Skotchmaster/rbe_session/internal/validator"
	"github.com/Skotchmaster/rbe_session/pkg/authclient"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	store  *storage.MemoryStore
	tokens *tokenstore.Store
	pub    *recordingPublisher
	mgr    *Manager
	srv    *apitest.Server
}

func localEnv(t *testing.T, store *storage.MemoryStore) *env {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	dir, err := directory.New([]directory.Seed{
		{ID: "7", Username: "bob", Password: "secret"},
		{ID: "1", Username: "alice", Password: "correct", Roles: []string{"ADMIN"}},
	})
	require.NoError(t, err)

	ts := tokenstore.New(store)
	pub := &recordingPublisher{}
	mgr := New(Deps{
		Store:     store,
		Tokens:    ts,
		Validator: validator.New(nil, nil),
		Gateway:   gateway.New(nil, dir, nil),
		Events:    pub,
	}, Options{})
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Start(context.Background()))
	return &env{store: store, tokens: ts, pub: pub, mgr: mgr}
}

func remoteEnv(t *testing.T, accounts ...apitest.Account) *env {
	t.Helper()
	srv := apitest.New(t, accounts...)
	store := storage.NewMemory()
	ts := tokenstore.New(store)
	remote := authclient.NewClient(srv.URL, nil)
	api := apiclient.New(srv.URL, ts)
	pub := &recordingPublisher{}

	mgr := New(Deps{
		Store:       store,
		Tokens:      ts,
		Validator:   validator.New(remote, nil),
		Gateway:     gateway.New(remote, nil, nil),
		API:         api,
		Permissions: permissions.NewManager(permissions.NewClient(api), nil),
		Events:      pub,
	}, Options{})
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Start(context.Background()))
	return &env{store: store, tokens: ts, pub: pub, mgr: mgr, srv: srv}
}

func TestStart_NoToken(t *testing.T) {
	e := localEnv(t, nil)
	assert.Equal(t, StateUnauthenticated, e.mgr.State())

	ok, err := e.mgr.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	snap := e.mgr.Snapshot()
	assert.True(t, snap.SessionChecked)
	assert.False(t, snap.IsAuthenticated)
	assert.Empty(t, e.pub.types())
}

func TestLogin_LocalSeedCommitsSession(t *testing.T) {
	ctx := context.Background()
	e := localEnv(t, nil)

	snap, err := e.mgr.Login(ctx, "bob", "secret")
	require.NoError(t, err)

	assert.Equal(t, "local-dev-token-bob", snap.Token)
	assert.True(t, snap.IsAuthenticated)
	assert.True(t, snap.IsMember)
	assert.False(t, snap.IsAdmin)
	assert.Equal(t, StateAuthenticated.String(), snap.State)
	assert.Equal(t, []domain.Role{domain.RoleMember}, snap.Roles)

	raw, ok, err := e.store.Get(ctx, UserKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"username":"bob"`)
	assert.Equal(t, []events.Type{events.TypeLogin}, e.pub.types())
}

func TestLogin_WrongPasswordSetsNothing(t *testing.T) {
	ctx := context.Background()
	e := localEnv(t, nil)

	var notified int
	e.tokens.Subscribe(func(string) { notified++ })

	_, err := e.mgr.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, apierr.ErrInvalidCredentials)

	assert.Empty(t, e.tokens.Get())
	assert.Zero(t, notified)
	_, ok, _ := e.store.Get(ctx, tokenstore.Key)
	assert.False(t, ok)
	assert.Equal(t, StateUnauthenticated, e.mgr.State())
}

func TestStart_HydratesPersistedSession(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	first := localEnv(t, store)
	_, err := first.mgr.Login(ctx, "alice", "correct")
	require.NoError(t, err)

	second := localEnv(t, store)
	assert.Equal(t, StateValidating, second.mgr.State())
	snap := second.mgr.Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, "alice", snap.User.Username)
	assert.False(t, snap.SessionChecked)

	ok, err := second.mgr.EnsureSession(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateAuthenticated, second.mgr.State())
	assert.True(t, second.mgr.CanAccess(domain.ResourceFinance, domain.ActionDelete))
}

func TestStart_DropsUserLeftWithoutToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Set(ctx, UserKey, `{"id":"7","username":"bob","roles":["MEMBER"]}`))

	e := localEnv(t, store)
	assert.Equal(t, StateUnauthenticated, e.mgr.State())
	assert.Nil(t, e.mgr.Snapshot().User)
	assert.False(t, e.mgr.CanAccess(domain.ResourceEvents, domain.ActionRead))

	_, ok, err := store.Get(ctx, UserKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearedTokenMakesCallerGuest(t *testing.T) {
	ctx := context.Background()
	e := localEnv(t, nil)
	_, err := e.mgr.Login(ctx, "alice", "correct")
	require.NoError(t, err)
	require.True(t, e.mgr.CanAccess(domain.ResourceFinance, domain.ActionDelete))

	require.NoError(t, e.tokens.Set(ctx, ""))

	assert.Nil(t, e.mgr.Snapshot().User)
	assert.False(t, e.mgr.CanAccess(domain.ResourceFinance, domain.ActionDelete))
	assert.False(t, e.mgr.CanAccess(domain.ResourceEvents, domain.ActionRead))
	assert.Empty(t, e.mgr.Capabilities()[domain.ResourceFinance])
}

func TestLogout_ClearsEverythingAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := localEnv(t, nil)
	_, err := e.mgr.Login(ctx, "bob", "secret")
	require.NoError(t, err)

	c := cache.New(e.store, 0)
	require.NoError(t, c.Set(ctx, cache.MakeKey("finance", "7"), map[string]int{"balance": 10}))
	_, err = permissions.NewManager(nil, e.mgr.deps.Permissions.Registry()).AddPermission(ctx, "7", permissions.GrantRequest{
		Resource: domain.ResourceFinance, Actions: []domain.Action{domain.ActionRead},
	})
	require.NoError(t, err)
	require.True(t, e.mgr.CanAccess(domain.ResourceFinance, domain.ActionRead))

	require.NoError(t, e.mgr.Logout(ctx))
	require.NoError(t, e.mgr.Logout(ctx))

	keys, err := e.store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, e.tokens.Get())
	assert.Nil(t, e.mgr.Snapshot().User)
	assert.False(t, e.mgr.CanAccess(domain.ResourceFinance, domain.ActionRead))
	assert.Equal(t, []events.Type{events.TypeLogin, events.TypeLogout}, e.pub.types())
}

func TestEnsureSession_DisabledAccountTearsDown(t *testing.T) {
	ctx := context.Background()
	e := remoteEnv(t, apitest.Account{ID: 3, Username: "eve", Password: "pw"})

	_, err := e.mgr.Login(ctx, "eve", "pw")
	require.NoError(t, err)
	require.NotEmpty(t, e.tokens.Get())

	e.srv.Disable("eve")
	ok, err := e.mgr.EnsureSession(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, e.tokens.Get())
	assert.Equal(t, StateUnauthenticated, e.mgr.State())
	assert.Equal(t, []events.Type{events.TypeLogin, events.TypeInvalidated}, e.pub.types())
}

func TestLogin_RemoteLoadsPermissionsAndMember(t *testing.T) {
	ctx := context.Background()
	e := remoteEnv(t,
		apitest.Account{ID: 1, Username: "admin", Password: "pw", Roles: []domain.Role{domain.RoleAdmin}},
		apitest.Account{ID: 42, Username: "bob", Password: "pw", Member: &domain.Member{ID: "m-42", MemberNumber: "RBE-42"}},
	)

	adminAPI := apiclient.New(e.srv.URL, staticToken(e.srv.Token(t, "admin")))
	_, err := permissions.NewClient(adminAPI).Grant(ctx, "42", permissions.GrantRequest{
		Resource: domain.ResourceFinance, Actions: []domain.Action{domain.ActionEdit},
	})
	require.NoError(t, err)

	snap, err := e.mgr.Login(ctx, "bob", "pw")
	require.NoError(t, err)
	require.NotNil(t, snap.Member)
	assert.Equal(t, "RBE-42", snap.Member.MemberNumber)

	assert.True(t, e.mgr.CanAccess(domain.ResourceFinance, domain.ActionEdit))
	assert.False(t, e.mgr.CanAccess(domain.ResourceFinance, domain.ActionDelete))
}

func TestRefreshMember_ThrottleAndForce(t *testing.T) {
	ctx := context.Background()
	e := remoteEnv(t, apitest.Account{ID: 5, Username: "bob", Password: "pw", Member: &domain.Member{ID: "m-5"}})
	_, err := e.mgr.Login(ctx, "bob", "pw")
	require.NoError(t, err)
	base := e.srv.Hits(http.MethodGet, "/api/members/me")

	_, err = e.mgr.RefreshMember(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, base, e.srv.Hits(http.MethodGet, "/api/members/me"), "throttled")

	_, err = e.mgr.RefreshMember(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, base+1, e.srv.Hits(http.MethodGet, "/api/members/me"))
}

func TestRefreshMember_FailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	e := remoteEnv(t, apitest.Account{ID: 5, Username: "bob", Password: "pw"})
	e.srv.Handle(http.MethodGet, "/api/members/me", func(c echo.Context) error {
		return c.NoContent(http.StatusUnauthorized)
	})

	_, err := e.mgr.Login(ctx, "bob", "pw")
	require.NoError(t, err)

	snap := e.mgr.Snapshot()
	assert.True(t, snap.IsAuthenticated)
	assert.Equal(t, "401", snap.MemberError)
	assert.Nil(t, snap.Member)
}

type staticToken string

func (s staticToken) Get() string                     { return string(s) }
func (staticToken) Set(context.Context, string) error { return nil }

// gatedValidator blocks each call until its gate receives an outcome.
type gatedValidator struct {
	gates chan chan validator.Outcome
}

func (g *gatedValidator) Validate(ctx context.Context, _ string) validator.Outcome {
	gate := make(chan validator.Outcome)
	g.gates <- gate
	return <-gate
}

func TestEnsureSession_StaleResultIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	ts := tokenstore.New(store)
	require.NoError(t, ts.Set(ctx, "remote-token"))

	gv := &gatedValidator{gates: make(chan chan validator.Outcome)}
	mgr := New(Deps{Store: store, Tokens: ts, Validator: gv}, Options{})
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Start(ctx))

	older := make(chan bool, 1)
	go func() {
		ok, _ := mgr.EnsureSession(ctx)
		older <- ok
	}()
	olderGate := <-gv.gates

	newer := make(chan bool, 1)
	go func() {
		ok, _ := mgr.EnsureSession(ctx)
		newer <- ok
	}()
	newerGate := <-gv.gates

	newerGate <- validator.OutcomeAccepted
	assert.True(t, <-newer)
	olderGate <- validator.OutcomeRejected
	assert.False(t, <-older)

	assert.Equal(t, StateAuthenticated, mgr.State())
	assert.Equal(t, "remote-token", ts.Get())
}

type countingValidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingValidator) Validate(context.Context, string) validator.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return validator.OutcomeAccepted
}

func (c *countingValidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRun_RevalidatesOnTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemory()
	ts := tokenstore.New(store)
	require.NoError(t, ts.Set(ctx, "remote-token"))

	cv := &countingValidator{}
	mgr := New(Deps{Store: store, Tokens: ts, Validator: cv}, Options{RevalidateInterval: time.Hour})
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.Eventually(t, func() bool { return cv.count() == 1 }, time.Second, 5*time.Millisecond, "hydrated token triggers a check")

	mgr.Focus()
	require.Eventually(t, func() bool { return cv.count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ts.Set(ctx, "rotated-token"))
	require.Eventually(t, func() bool { return cv.count() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ts.Set(ctx, ""))
	require.Eventually(t, func() bool {
		s := mgr.Snapshot()
		return s.State == StateUnauthenticated.String() && s.SessionChecked
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, cv.count(), "an empty token is never sent to the validator")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestUnauthorizedResponseTearsSessionDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := remoteEnv(t, apitest.Account{ID: 9, Username: "bob", Password: "pw"})
	e.srv.Handle(http.MethodGet, "/api/finance/ledger", func(c echo.Context) error {
		return c.NoContent(http.StatusUnauthorized)
	})

	_, err := e.mgr.Login(ctx, "bob", "pw")
	require.NoError(t, err)

	go func() { _ = e.mgr.Run(ctx) }()

	api := e.mgr.deps.API.(*apiclient.Client)
	_, err = api.Get(ctx, "/api/finance/ledger")
	require.ErrorIs(t, err, apierr.ErrUnauthorized)

	require.Eventually(t, func() bool { return e.mgr.Snapshot().User == nil }, time.Second, 5*time.Millisecond)
	_, ok, _ := e.store.Get(ctx, UserKey)
	assert.False(t, ok)
}
