package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/httpserver"
	"github.com/davidbz/markl/internal/observability"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe blocks until SIGINT/SIGTERM, then drains HTTP requests and queued
// escalations within the shutdown timeout.
func runServe(ctx context.Context) error {
	container, err := buildContainer()
	if err != nil {
		return err
	}

	return container.Invoke(func(
		server *httpserver.Server,
		dispatcher *domain.EscalationDispatcher,
		conns *connections,
		logger *zap.Logger,
		cfg *config.ServerConfig,
	) error {
		defer func() { _ = logger.Sync() }()
		defer func() {
			if err := conns.Close(); err != nil {
				logger.Error("failed to close connections", observability.Error(err))
			}
		}()

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		dispatcher.Start(ctx)

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- server.Start()
		}()

		select {
		case err := <-serveErr:
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
			defer cancel()
			return errors.Join(err, dispatcher.Stop(stopCtx))
		case <-ctx.Done():
		}

		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain escalations: %w", err))
		}
		if err := <-serveErr; err != nil {
			errs = append(errs, err)
		}

		return errors.Join(errs...)
	})
}
