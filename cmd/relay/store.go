package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"

	"github.com/hiran-hiran/outbox"
	"github.com/hiran-hiran/outbox/internal/config"
	"github.com/hiran-hiran/outbox/store/pgxstore"
	"github.com/hiran-hiran/outbox/store/sqlstore"
)

type storeHandle struct {
	outbox.EventStore
	ping func(context.Context) error
}

func openStore(ctx context.Context, cfg config.Config, cleanup *closers) (storeHandle, error) {
	if cfg.Store == config.StorePGX {
		return openPGXStore(ctx, cfg, cleanup)
	}
	return openSQLStore(ctx, cfg, cleanup)
}

func openSQLStore(ctx context.Context, cfg config.Config, cleanup *closers) (storeHandle, error) {
	dialect, err := sqlstore.ParseDialect(cfg.SQLDialect)
	if err != nil {
		return storeHandle{}, err
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DatabaseURL)
	if err != nil {
		return storeHandle{}, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	cleanup.add("sql", func(context.Context) error { return db.Close() })

	if err := db.PingContext(ctx); err != nil {
		return storeHandle{}, err
	}

	opts := []sqlstore.Option{sqlstore.WithTableName(cfg.Table)}
	if cfg.PageSize > 0 {
		opts = append(opts, sqlstore.WithPageSize(cfg.PageSize))
	}
	return storeHandle{
		EventStore: sqlstore.NewStore(db, dialect, opts...),
		ping:       db.PingContext,
	}, nil
}

func openPGXStore(ctx context.Context, cfg config.Config, cleanup *closers) (storeHandle, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return storeHandle{}, err
	}
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return storeHandle{}, err
	}
	cleanup.add("pgx", func(context.Context) error {
		pool.Close()
		return nil
	})

	if err := pool.Ping(ctx); err != nil {
		return storeHandle{}, err
	}

	return storeHandle{
		EventStore: pgxstore.NewStore(pool, pgxstore.WithTableName(cfg.Table)),
		ping:       pool.Ping,
	}, nil
}
