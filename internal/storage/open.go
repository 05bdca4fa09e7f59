package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/queuectl/internal/config"
)

// Open connects to the backend named by cfg.Store.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.StoreRedis:
		return OpenRedis(ctx, &r.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// OpenerFor returns a connect function bound to cfg, for use with NewLazy.
func OpenerFor(cfg config.Config) Opener {
	return func(ctx context.Context) (Store, error) { return Open(ctx, cfg) }
}

// MigrateStore applies schema migrations for SQL backends. Redis needs none.
func MigrateStore(s Store, dir string) error {
	switch st := s.(type) {
	case *Postgres:
		db := stdlib.OpenDBFromPool(st.Pool())
		defer db.Close()
		return Migrate(db, config.StorePostgres, dir)
	case *SQLite:
		return Migrate(st.DB(), config.StoreSQLite, dir)
	default:
		return nil
	}
}
