package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collab/api/internal/app"
	"collab/api/internal/config"
	"collab/api/internal/relay"
	"collab/api/internal/store"
	"collab/api/internal/telemetry"
	"collab/api/internal/util"
)

const revokedTokenPruneInterval = time.Hour

func main() {
	if err := run(); err != nil {
		slog.Error("collab api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = util.NewID("node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "collab-api", cfg.OTelEndpoint, cfg.NodeID)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, logger)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRelay, err := relay.NewRedis(cfg.RedisURL, cfg.NodeID)
		if err != nil {
			return err
		}
		defer redisRelay.Close()
		redisRelay.WithLogger(logger.With("component", "relay"))
		if err := redisRelay.Start(ctx, service.Router().DeliverRemote); err != nil {
			return err
		}
		service.SetRelay(redisRelay)
		logger.Info("redis relay enabled", "node", cfg.NodeID)
	}

	go pruneRevokedTokens(ctx, dataStore, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("collab api listening", "addr", cfg.Addr, "node", cfg.NodeID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}

func pruneRevokedTokens(ctx context.Context, dataStore *store.PostgresStore, logger *slog.Logger) {
	ticker := time.NewTicker(revokedTokenPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := dataStore.PruneRevokedTokens(ctx, now)
			if err != nil {
				logger.Warn("revoked token prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("revoked tokens pruned", "count", removed)
			}
		}
	}
}
