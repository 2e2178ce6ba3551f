package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/api"
	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/gateway"
	"github.com/omarfornaroli/posapp-sub000/internal/importer"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
	"github.com/omarfornaroli/posapp-sub000/internal/metrics"
	"github.com/omarfornaroli/posapp-sub000/internal/session"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
	"github.com/omarfornaroli/posapp-sub000/internal/sync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting posapp sync daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore, err := store.NewSQLiteStore(cfg.Store.FilePath, cfg.Sync.Entities)
	if err != nil {
		logger.Log.Fatal("Failed to open local cache", zap.Error(err))
	}
	defer localStore.Close()

	remote := gateway.NewClient(cfg.Remote)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	scheduler := sync.NewCronScheduler()
	defer scheduler.Stop()

	syncService := sync.NewService(cfg.Sync, localStore, remote, scheduler, m)

	sessions := session.NewManager(localStore, cfg.Session, syncService, remote)
	sessions.SetCallbacks(
		func(remaining time.Duration) {
			logger.Log.Info("Session expiring soon", zap.Duration("remaining", remaining))
		},
		func() {
			logger.Log.Info("Session expired")
		},
	)
	sessions.Start(ctx)
	defer sessions.Close()

	// Resume a persisted session across restarts.
	if email, err := sessions.Restore(ctx); err != nil {
		logger.Log.Warn("Failed to restore session", zap.Error(err))
	} else if email != "" {
		if err := syncService.Start(ctx); err != nil {
			logger.Log.Warn("Failed to start sync for restored session", zap.Error(err))
		}
	}

	reconciler := importer.NewReconciler(remote, m)

	handler := api.NewHandler(ctx, syncService, sessions, reconciler, localStore, registry, cfg.Server.CorsOrigins)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown error", zap.Error(err))
	}

	syncService.Stop()
}
