package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/api"
	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/config"
	"github.com/hackgods/clinic-token-queue/internal/db"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-token-queue/internal/redis"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Str("feed", cfg.FeedBackend).
		Str("clinic_tz", cfg.Location().String()).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api-server failed")
	}
	log.Info().Msg("api-server stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	var (
		repo   appointment.Repository
		pgPool *pgxpool.Pool
	)

	switch cfg.StoreBackend {
	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg)
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres connection error: %w", err)
		}
		defer pool.Close()
		log.Info().Msg("connected to Postgres")

		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		pgPool = pool
		repo = appointment.NewPgRepository(pool)
	default:
		log.Warn().Msg("using the in-memory store, appointments are lost on restart")
		repo = appointment.NewMemoryRepository()
	}

	var (
		feed     queue.ChangeFeed
		notifier queue.Notifier
		rdb      *redis.Client
	)

	switch cfg.FeedBackend {
	case config.FeedPostgres:
		nf := db.NewNotifyFeed(pgPool, log)
		go nf.Run(ctx)
		feed = nf
	case config.FeedRedis:
		client, err := redisclient.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

		rf := redisclient.NewFeed(client, log)
		feed, notifier, rdb = rf, rf, client
	default:
		feed = queue.NewPollFeed(repo, cfg.PollInterval, log)
	}

	svc := queue.NewService(repo, notifier, cfg, log)
	sync := queue.NewSynchronizer(repo, feed, cfg, log)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:  svc,
			Sync:     sync,
			PgPool:   pgPool,
			Redis:    rdb,
			Location: cfg.Location(),
			Log:      log,
			Env:      cfg.Env,
			Version:  version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		sync.Stop()
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")

	// closing the observers ends every open queue stream
	sync.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
