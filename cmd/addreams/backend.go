package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/database"
	"github.com/MarkoPoloResearchLab/addreams/internal/oplog"
	"github.com/MarkoPoloResearchLab/addreams/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/addreams/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// persistence implements both store contracts over one connection.
type persistence interface {
	ledger.Store
	generation.Store
	Migrate(ctx context.Context) error
}

type backend struct {
	store    persistence
	service  *ledger.Service
	recorder *generation.Recorder
	embedded bool
	close    func()
}

func openBackend(ctx context.Context, cfg storeConfig, logger *zap.Logger) (*backend, error) {
	store, embedded, closeStore, err := openPersistence(ctx, cfg)
	if err != nil {
		return nil, err
	}
	clock := func() time.Time { return time.Now().UTC() }
	service, err := ledger.NewService(store, clock,
		ledger.WithPlanGrants(cfg.Grants),
		ledger.WithOperationLogger(oplog.New(logger)),
	)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	recorder, err := generation.NewRecorder(store, clock)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("generation recorder init: %w", err)
	}
	return &backend{store: store, service: service, recorder: recorder, embedded: embedded, close: closeStore}, nil
}

// openPersistence reports embedded=true for SQLite databases.
func openPersistence(ctx context.Context, cfg storeConfig) (persistence, bool, func(), error) {
	if cfg.Store == storePgx {
		driver, _, err := database.ResolveDriver(cfg.DatabaseURL)
		if err != nil {
			return nil, false, nil, err
		}
		if driver != database.DriverPostgres {
			return nil, false, nil, fmt.Errorf("%s=%s requires a postgres database url", flagStore, storePgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, false, nil, fmt.Errorf("database open: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, false, nil, fmt.Errorf("database ping: %w", err)
		}
		return pgstore.New(pool), false, pool.Close, nil
	}
	handle, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, false, nil, fmt.Errorf("database open: %w", err)
	}
	return gormstore.New(handle.DB), handle.Driver == database.DriverSQLite, func() { _ = handle.Close() }, nil
}
