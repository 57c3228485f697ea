package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-token-queue/internal/config"
)

const (
	applicationName = "clinic-token-queue"
	defaultConns    = 10
	// NotifyFeed keeps one connection parked on LISTEN.
	listenerConns = 1
)

// PoolConfig derives the pool settings from cfg. Settings given in the DSN
// itself, such as connect_timeout or application_name, win.
func PoolConfig(cfg config.Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	conns := cfg.PostgresConns
	if conns <= 0 {
		conns = defaultConns
	}
	if cfg.FeedBackend == config.FeedPostgres {
		conns += listenerConns
	}
	pc.MaxConns = int32(conns)
	pc.MinConns = 1
	pc.HealthCheckPeriod = 30 * time.Second
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 15 * time.Minute

	if pc.ConnConfig.ConnectTimeout == 0 {
		pc.ConnConfig.ConnectTimeout = cfg.StoreTimeout
	}
	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	return pc, nil
}

func ConnectPostgres(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout(cfg))
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres %s: %w", pc.ConnConfig.Host, err)
	}

	return pool, nil
}

func pingTimeout(cfg config.Config) time.Duration {
	if cfg.StoreTimeout > 0 {
		return cfg.StoreTimeout
	}
	return 5 * time.Second
}
