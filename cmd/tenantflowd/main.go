// Command tenantflowd runs the event delivery core as a standalone process
// and serves its metrics and health over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drblury/tenantflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("TENANTFLOW_CONFIG"), "path to a YAML config file; empty reads the environment only")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", "tenantflowd")
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("tenantflowd stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := tenantflow.LoadConfig(configPath)
	if err != nil {
		return err
	}
	svc, err := tenantflow.NewService(ctx, cfg, tenantflow.NewSlogServiceLogger(logger), tenantflow.ServiceDependencies{
		Hooks: tenantflow.LoggingHooks(tenantflow.NewSlogServiceLogger(logger)),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("close service", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           newRouter(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = svc.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-runDone
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http server", "error", err)
	}
	<-runDone
	return nil
}
