package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/bondsim/internal/config"
	"github.com/atmx/bondsim/internal/store"
)

// openStore builds the configured store. The returned cleanup releases every
// connection it opened, in reverse order.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				rdb.Close()
				closeAll()
				return nil, nil, fmt.Errorf("redis ping: %w", err)
			}
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.CacheTTLSec)*time.Second)
			slog.Info("Redis cache enabled", "addr", cfg.RedisAddr)
		}
		return st, closeAll, nil

	case "badger":
		bs, err := store.OpenBadgerStore(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened badger store", "dir", cfg.BadgerDir)
		return bs, func() { bs.Close() }, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}
}
