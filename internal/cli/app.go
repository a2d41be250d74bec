package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/Skotchmaster/rbe_session/internal/apiclient"
	"github.com/Skotchmaster/rbe_session/internal/cache"
	"github.com/Skotchmaster/rbe_session/internal/directory"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/events"
	"github.com/Skotchmaster/rbe_session/internal/gateway"
	"github.com/Skotchmaster/rbe_session/internal/metrics"
	"github.com/Skotchmaster/rbe_session/internal/permissions"
	"github.com/Skotchmaster/rbe_session/internal/session"
	"github.com/Skotchmaster/rbe_session/internal/storage"
	"github.com/Skotchmaster/rbe_session/internal/tokenstore"
	"github.com/Skotchmaster/rbe_session/internal/validator"
	"github.com/Skotchmaster/rbe_session/pkg/authclient"
	"github.com/Skotchmaster/rbe_session/pkg/config"
	"github.com/Skotchmaster/rbe_session/pkg/db"
)

// offlineGrantsKey holds individual rows granted without a collaborator.
// It is an ordinary cache key, so logout purges it with the rest.
const offlineGrantsKey = "offline_permissions"

// memoryDSN selects the in-process store; nothing survives the command.
const memoryDSN = "memory"

type app struct {
	cfg      config.Config
	db       *gorm.DB
	store    storage.Store
	tokens   *tokenstore.Store
	remote   *authclient.Client
	api      *apiclient.Client
	perms    *permissions.Manager
	valid    *validator.Validator
	cache    *cache.Cache
	session  *session.Manager
	events   events.Publisher
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newApp(ctx context.Context, cfg config.Config, stderr io.Writer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.tokens = tokenstore.New(a.store)

	dir, err := directory.LoadFile(cfg.LocalUsersFile)
	if err != nil {
		_ = a.closeDB()
		return nil, err
	}

	var permClient *permissions.Client
	var api session.API
	if cfg.RemoteConfigured() {
		hc := authclient.NewHTTPClient(cfg.HTTPTimeout)
		a.remote = authclient.NewClient(cfg.APIBaseURL, hc)
		a.api = apiclient.New(cfg.APIBaseURL, a.tokens,
			apiclient.WithHTTPClient(hc),
			apiclient.WithNavigator(loginNotice(stderr), cfg.LoginPath),
			apiclient.WithMetrics(a.metrics),
		)
		permClient = permissions.NewClient(a.api)
		api = a.api
	}
	a.perms = permissions.NewManager(permClient, nil)
	a.valid = validator.New(a.remote, a.metrics)
	a.cache = cache.New(a.store, cfg.CacheTTL)

	if len(cfg.KafkaBrokers) > 0 {
		a.events = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		a.events = events.NopPublisher{}
	}

	a.session = session.New(session.Deps{
		Store:       a.store,
		Tokens:      a.tokens,
		Validator:   a.valid,
		Gateway:     gateway.New(a.remote, dir, a.metrics),
		API:         api,
		Permissions: a.perms,
		Cache:       a.cache,
		Events:      a.events,
		Metrics:     a.metrics,
	}, session.Options{
		RevalidateInterval:    cfg.RevalidateInterval,
		MemberRefreshThrottle: cfg.MemberRefreshThrottle,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.StorageDSN == memoryDSN {
		a.store = storage.NewMemory()
		return nil
	}
	gdb, err := db.Open(ctx, a.cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	st, err := storage.NewGorm(gdb)
	if err != nil {
		if sqlDB, derr := gdb.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return fmt.Errorf("migrate storage: %w", err)
	}
	a.db = gdb
	a.store = st
	return nil
}

// start hydrates the session and, offline, the locally granted rows.
func (a *app) start(ctx context.Context) error {
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	if a.remote != nil {
		return nil
	}
	return a.loadOfflineGrants(ctx)
}

func (a *app) loadOfflineGrants(ctx context.Context) error {
	raw, ok, err := a.store.Get(ctx, offlineGrantsKey)
	if err != nil || !ok {
		return err
	}
	var rows []domain.Permission
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return a.store.Delete(ctx, offlineGrantsKey)
	}
	for _, p := range rows {
		a.perms.Registry().Grant(p)
	}
	return nil
}

// saveOfflineGrants is a no-op when a collaborator owns the rows.
func (a *app) saveOfflineGrants(ctx context.Context) error {
	if a.remote != nil {
		return nil
	}
	rows := a.perms.Registry().All()
	if len(rows) == 0 {
		return a.store.Delete(ctx, offlineGrantsKey)
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, offlineGrantsKey, string(b))
}

func (a *app) closeDB() error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *app) Close() error {
	a.session.Close()
	var errs []error
	if err := a.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("events close: %w", err))
	}
	if err := a.closeDB(); err != nil {
		errs = append(errs, fmt.Errorf("db close: %w", err))
	}
	return errors.Join(errs...)
}

func loginNotice(w io.Writer) apiclient.Navigator {
	return apiclient.NavigatorFunc(func(path string) {
		fmt.Fprintf(w, "session expired, log in again (%s)\n", strings.TrimSpace(path))
	})
}
