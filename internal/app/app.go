// Package app wires the process together: configuration, database, shared
// state store, the routing core and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaypool/relaypool/internal/allocator"
	"github.com/relaypool/relaypool/internal/billing"
	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/failoverlog"
	"github.com/relaypool/relaypool/internal/fallback"
	"github.com/relaypool/relaypool/internal/health"
	relayhttp "github.com/relaypool/relaypool/internal/http"
	"github.com/relaypool/relaypool/internal/logging"
	"github.com/relaypool/relaypool/internal/provider"
	"github.com/relaypool/relaypool/internal/quota"
	"github.com/relaypool/relaypool/internal/resolver"
	"github.com/relaypool/relaypool/internal/router"
	"github.com/relaypool/relaypool/internal/settings"
	"github.com/relaypool/relaypool/internal/store"
	log "github.com/sirupsen/logrus"
)

// Migrate opens the database and runs migrations.
func Migrate(_ context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the routing service.
func RunServer(ctx context.Context, configPath string, credentials provider.CredentialSource) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)
	if credentials == nil {
		credentials = provider.EnvCredentialSource{}
	}

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return fmt.Errorf("load settings snapshot: %w", errRefresh)
	}

	stateStore, errState := buildStateStore(ctx, cfg)
	if errState != nil {
		return errState
	}

	monitor := health.NewMonitor(health.Config{
		Window:           settings.HealthWindow(),
		LatencyCeilingMs: settings.HealthLatencyCeilingMs(),
	})
	recorder := failoverlog.NewRecorder(conn)

	cooldown := cfg.FailbackCooldown()
	if cooldown == 0 {
		cooldown = settings.FailbackCooldown()
	}
	controller := fallback.NewController(stateStore, recorder, cooldown)

	dispatchClient := &http.Client{
		Timeout: time.Duration(cfg.Routing.DispatchTimeoutSeconds) * time.Second,
	}
	registry := provider.DefaultRegistry(credentials, dispatchClient)

	routeEngine := router.NewRouter(
		conn,
		resolver.NewResolver(conn, stateStore, monitor),
		monitor,
		quota.NewEnforcer(conn, nil),
		controller,
		registry,
		billing.NewPricer(conn),
		stateStore,
	)

	server := relayhttp.NewServer(
		conn,
		routeEngine,
		monitor,
		controller,
		allocator.NewAllocator(conn),
		recorder,
		cfg.Auth.JWTSecret,
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Engine(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("relaypool server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown")
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildStateStore picks the shared Redis store when configured, otherwise
// the single-node in-memory store.
func buildStateStore(ctx context.Context, cfg *config.Config) (store.StateStore, error) {
	if cfg.Redis.Addr == "" {
		log.Warn("redis not configured; routing state is process-local")
		return store.NewMemoryStateStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		return nil, fmt.Errorf("redis ping: %w", errPing)
	}
	return store.NewRedisStateStore(client), nil
}
