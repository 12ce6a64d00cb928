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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/config"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/logger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/remote"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

const serviceName = "loan-api"

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogDevelopment {
		return logger.NewDevelopment(serviceName)
	}
	return logger.New(serviceName, cfg.LogLevel)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Initialize SQLite storage
	storage, err := store.NewSQLiteStore(cfg.DBPath, log.Named("store"))
	if err != nil {
		log.Fatal("failed to initialize SQLite store", zap.Error(err))
	}
	defer storage.Close()

	client := remote.NewClient(cfg.RemoteURL, cfg.RemoteTimeout, log.Named("remote"))
	server := NewServer(storage, client, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, time.Now, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if n, err := server.sync.RefreshAll(gctx); err != nil {
			log.Warn("initial refresh failed, working from local state", zap.Error(err))
		} else {
			log.Info("initial refresh done", zap.Int("loans", n))
		}
		return server.sync.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.ListenAddr), zap.String("remote", cfg.RemoteURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return
	}
	log.Info("server exited")
}
