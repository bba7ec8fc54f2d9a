package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sharedtimer/relay-backend/internal/config"
	"github.com/sharedtimer/relay-backend/internal/httpapi"
	"github.com/sharedtimer/relay-backend/internal/registry"
	"github.com/sharedtimer/relay-backend/internal/snapshot"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	log := newLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	store, err := newStore(cfg)
	if err != nil {
		log.Fatal("snapshot store init failed", zap.Error(err))
	}

	ctx := context.Background()
	clock := clockwork.NewRealClock()
	reg := registry.New(ctx, store, registry.Config{Lobby: cfg.Lobby()}, clock, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.SetupRoutes(reg, clock, log, cfg.AllowedOrigins),
	}

	go func() {
		log.Info("listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Flush the final snapshot before the lobbies go away.
	flushed := make(chan error, 1)
	reg.Inbox() <- registry.FlushNow{Reply: flushed}
	if err := <-flushed; err != nil {
		log.Warn("final snapshot flush failed", zap.Error(err))
	}
	done := make(chan struct{}, 1)
	reg.Inbox() <- registry.ShutdownAll{Reply: done}
	<-done
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func newStore(cfg config.Config) (snapshot.Store, error) {
	if cfg.RedisURL != "" {
		return snapshot.NewRedisStore(cfg.RedisURL)
	}
	return snapshot.NewFileStore(cfg.StatePath), nil
}
