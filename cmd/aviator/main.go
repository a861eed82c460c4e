package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aviatorclient/internal/app"
	"aviatorclient/internal/backend"
	"aviatorclient/internal/cache"
	"aviatorclient/internal/config"
	"aviatorclient/internal/database"
	"aviatorclient/internal/logger"
	"aviatorclient/internal/server"
	"aviatorclient/internal/supabase"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}

	os.Exit(exitCode(run(cfg, log), log))
}

// exitCode logs err, flushes the logger and returns the process status.
// run's deferred cleanups have finished by the time it is called.
func exitCode(err error, log *zap.Logger) int {
	code := 0
	if err != nil {
		log.Error("client stopped", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	return code
}

func run(cfg config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	minStake, err := decimal.NewFromString(cfg.MinStake)
	if err != nil {
		return fmt.Errorf("config: MIN_STAKE %q: %w", cfg.MinStake, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	checks := make(map[string]server.HealthChecker)

	// A persisted session is a convenience; without Redis it lives in memory.
	var storage backend.SessionStorage = backend.NewMemoryStorage()
	if redisService, err := cache.New(cfg, log); err != nil {
		log.Warn("redis unavailable, session will not survive restarts", zap.Error(err))
	} else {
		defer redisService.Close()
		storage = redisService
		checks["cache"] = redisService
	}

	b, closeBackend, err := openBackend(cfg, storage, log)
	if err != nil {
		return err
	}
	defer closeBackend()
	if hc, ok := b.(server.HealthChecker); ok {
		checks["database"] = hc
	}

	a := app.New(b, log, app.Options{
		PollInterval: cfg.PollInterval,
		DepositLimit: cfg.DepositHistoryLimit,
		MinStake:     minStake,
		Currency:     cfg.Currency,
		PanelGuard:   cfg.PanelGuard,
	})
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	srv := server.New(a, log, server.Options{Name: cfg.ServiceName, Checks: checks})
	srv.RegisterFiberRoutes()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		log.Info("local api listening", zap.String("addr", addr), zap.String("backend", cfg.Backend))
		errCh <- srv.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		if err := srv.Shutdown(); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("http shutdown timed out")
	}
	return nil
}

// dbBackend reports the pool's health alongside the store.
type dbBackend struct {
	*database.Store
	database.Service
}

func (d dbBackend) Close() error {
	return d.Store.Close()
}

func openBackend(cfg config.Config, storage backend.SessionStorage, log *zap.Logger) (backend.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := database.New(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		if err := database.RunMigrations(db.DB(), cfg.MigrationsPath); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := database.NewStore(db.DB(), database.StoreOptions{
			DSN:        cfg.DatabaseURL(),
			Storage:    storage,
			SessionTTL: cfg.SessionTTL,
		}, log)
		return dbBackend{Store: store, Service: db}, func() {
			store.Close()
			db.Close()
		}, nil

	default:
		client, err := supabase.New(supabase.Options{
			URL:     cfg.SupabaseURL,
			AnonKey: cfg.SupabaseAnonKey,
			SiteURL: cfg.SiteURL,
			Storage: storage,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}
}
