package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/deepscan"
	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/ledger"
	"github.com/leadgrid/leadgrid/internal/search"
	"github.com/leadgrid/leadgrid/internal/store"
	"github.com/leadgrid/leadgrid/pkg/places"
)

// appEnv holds all initialized backends needed by the serve/search/user
// commands.
type appEnv struct {
	Store  store.Store
	Cache  kv.Store
	Gov    *budget.Governor
	Ledger ledger.Ledger
	Orch   *search.Orchestrator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadgrid.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCache connects to Redis, or falls back to the in-process store when no
// address is configured. The fallback loses cross-process lock and counter
// semantics, so it is only suitable for single-node runs.
func initCache(ctx context.Context) (kv.Store, error) {
	if cfg.Redis.Addr == "" {
		zap.L().Warn("redis not configured, using in-process cache")
		return kv.NewMemory(), nil
	}
	return kv.NewRedis(ctx, cfg.Redis)
}

// initLedger builds the billing ledger on the same database as the store.
func initLedger(st store.Store) (ledger.Ledger, error) {
	switch s := st.(type) {
	case *store.PostgresStore:
		return ledger.NewPostgres(s.Pool()), nil
	case *store.SQLiteStore:
		return ledger.NewSQLite(s.DB()), nil
	default:
		return nil, eris.New("ledger: unsupported store backend")
	}
}

// initLedgerEnv opens just the store and the billing ledger, for commands
// that never touch the upstream provider. Callers close the returned store.
func initLedgerEnv(ctx context.Context) (store.Store, ledger.Ledger, error) {
	if err := cfg.Validate("migrate"); err != nil {
		return nil, nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}

	bills, err := initLedger(st)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, bills, nil
}

// initEnv sets up the store, cache, governor, crawler, ledger, and
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cache, err := initCache(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gov, err := budget.New(cache, cfg.Budget)
	if err != nil {
		_ = cache.Close()
		_ = st.Close()
		return nil, err
	}

	var clientOpts []places.Option
	if cfg.Places.BaseURL != "" {
		clientOpts = append(clientOpts, places.WithBaseURL(cfg.Places.BaseURL))
	}
	client := places.NewClient(clientOpts...)

	bills, err := initLedger(st)
	if err != nil {
		_ = cache.Close()
		_ = st.Close()
		return nil, err
	}

	scanner := deepscan.New(cache, gov, client, cfg.Scan)
	orch := search.New(cache, st, scanner, gov, client, bills, cfg.Search)

	zap.L().Info("environment initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Int("api_keys", len(cfg.Budget.APIKeys)),
	)

	return &appEnv{
		Store:  st,
		Cache:  cache,
		Gov:    gov,
		Ledger: bills,
		Orch:   orch,
	}, nil
}
