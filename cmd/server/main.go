// Command server runs the collaborative text editing server: the
// WebSocket transport, the metadata HTTP API, and every per-document
// Engine the Hub creates on demand. Shutdown drains every engine before
// the process exits.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabedit/internal/api"
	"collabedit/internal/audit"
	"collabedit/internal/config"
	"collabedit/internal/engine"
	"collabedit/internal/hub"
	"collabedit/internal/logging"
	"collabedit/internal/store"
	"collabedit/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	dev := os.Getenv("ENV") != "production"
	log := logging.New(dev)
	defer log.Sync()

	os.Exit(run(cfg, log))
}

func run(cfg *config.Config, log *zap.Logger) int {
	fileStore, err := store.NewFileStore(cfg.StoreDir, log)
	if err != nil {
		log.Error("failed to initialize document store", zap.Error(err))
		return 1
	}

	auditLogger := buildAuditLogger(cfg, log)
	defer auditLogger.Close()

	backplane := buildBackplane(cfg, log)

	engineCfg := engine.Config{
		DebounceDelay: cfg.DebounceDelay,
		TailSize:      cfg.TailSize,
		IdleEviction:  cfg.IdleEviction,
	}
	h := hub.New(fileStore, auditLogger, backplane, engineCfg, log)

	dispatcher := transport.NewDispatcher(log)
	mux := buildMux(h, dispatcher, fileStore, auditLogger, log, cfg)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("collabedit server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		log.Error("http server failed", zap.Error(err))
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := h.ShutdownAll(cfg.ShutdownDrain); err != nil {
		log.Error("engine drain exceeded deadline", zap.Error(err))
		return 1
	}
	log.Info("graceful shutdown complete")
	return 0
}

func buildMux(h *hub.Hub, d *transport.Dispatcher, st store.Store, auditLogger audit.Logger, log *zap.Logger, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", transport.NewServeWS(h, d, log, cfg.AllowedOrigin))

	handler := &api.Handler{Store: st, Hub: h, Log: log}
	if reader, ok := auditLogger.(api.AuditReader); ok {
		handler.AuditRead = reader
	}
	mux.Handle("/api/", api.NewRouter(handler))
	return mux
}

func buildAuditLogger(cfg *config.Config, log *zap.Logger) audit.Logger {
	if cfg.AuditDatabaseURL == "" {
		return audit.NoopLogger{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger, err := audit.NewPostgresLogger(ctx, cfg.AuditDatabaseURL, log)
	if err != nil {
		log.Warn("audit log unavailable, continuing without it", zap.Error(err))
		return audit.NoopLogger{}
	}
	return logger
}

func buildBackplane(cfg *config.Config, log *zap.Logger) hub.Backplane {
	if cfg.RedisAddr == "" {
		return hub.NewNoopBackplane()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis backplane unavailable, continuing single-process", zap.Error(err))
		return hub.NewNoopBackplane()
	}
	log.Info("redis backplane connected", zap.String("addr", cfg.RedisAddr))
	return hub.NewRedisBackplane(client)
}
