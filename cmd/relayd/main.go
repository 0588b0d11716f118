package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/parley-chat/parley/internal/audit"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/relay"
	"github.com/parley-chat/parley/internal/secrets"
	"github.com/parley-chat/parley/internal/storage"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "./relay.config.json", "path to relay config file")
	flag.Parse()

	// Best effort: secret env vars may live in a local dotenv file.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded", zap.String("config_path", *configPath))

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	store := storage.NewStorage(db)

	// A malformed secret is a deployment error; refuse to start.
	secretStore := secrets.NewStore(cfg.Secrets.Dir, logger)
	signingKey, err := secretStore.GetOrCreateSecret("audit_hmac_key")
	if err != nil {
		logger.Error("failed to resolve audit signing key", zap.Error(err))
		os.Exit(1)
	}

	auditLog := audit.NewLog(db, signingKey, logger)

	metrics := relay.InitMetrics()
	logger.Info("metrics initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gwOpts := []gateway.ClientOption{}
	if cfg.Gateway.VersionConstraint != "" {
		gwOpts = append(gwOpts, gateway.WithVersionConstraint(cfg.Gateway.VersionConstraint))
	}
	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.AuthToken, logger, gwOpts...)
	gw.Connect(ctx)
	defer gw.Close()

	cache, err := relay.NewFreshnessCache(cfg.Cache.SessionCapacity)
	if err != nil {
		logger.Error("failed to create freshness cache", zap.Error(err))
		os.Exit(1)
	}
	go relay.RunFreshnessRefresher(ctx, gw, cache,
		time.Duration(cfg.Gateway.RefreshIntervalSec)*time.Second, logger)

	var alerts *relay.Alerts
	if token := cfg.Channels.Discord.BotToken; token != "" {
		alerts, err = relay.NewAlerts(token, cfg.Channels.Discord.AlertChannelID, logger)
		if err != nil {
			logger.Error("failed to create discord alerts", zap.Error(err))
		} else if err := alerts.Start(); err != nil {
			logger.Error("failed to start discord alerts", zap.Error(err))
			alerts = nil
		} else {
			logger.Info("discord alerts started")
		}
	}

	deps := relay.RouterDeps{
		Store:         store,
		Gateway:       gw,
		Freshness:     cache,
		Audit:         auditLog,
		Alerts:        alerts,
		Metrics:       metrics,
		Logger:        logger,
		ReconnectWait: time.Duration(cfg.Gateway.ReconnectWaitSec) * time.Second,
	}

	hub := relay.NewHub(ctx, cfg.Server.AllowedOrigins, relay.HeaderAuth(), deps, logger)
	go hub.Run()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", hub.ServeWS)
	wsSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     wsMux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 90 * time.Second,
	}
	go func() {
		logger.Info("relay server starting", zap.Int("port", cfg.Server.Port))
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("relay server error", zap.Error(err))
		}
	}()

	var adminSrv *http.Server
	if cfg.Server.HTTPPort > 0 {
		api := relay.NewHTTPAPI(hub, auditLog, alerts, cfg.Server.AdminToken, logger)
		adminSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler:      api.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("admin api starting", zap.Int("http_port", cfg.Server.HTTPPort))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin api error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay server shutdown error", zap.Error(err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin api shutdown error", zap.Error(err))
		}
	}
	if alerts != nil {
		if err := alerts.Stop(); err != nil {
			logger.Error("error stopping discord alerts", zap.Error(err))
		}
	}
	cancel()

	logger.Info("relay exited cleanly")
}
