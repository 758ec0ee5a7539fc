package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/handlers"
	incidentsnats "github.com/telhawk-systems/telhawk-incidents/incidents/internal/nats"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the bus workers",
	Long: `Starts the HTTP API and, when NATS is enabled, consumes classified
batches, status samples and scheduler jobs in the incidents-workers queue
group. SIGINT or SIGTERM shuts down gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required to serve the API")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.bus != nil {
		worker := incidentsnats.NewHandler(a.bus, incidentsnats.Dependencies{
			Ingester:   a.engine,
			Maintainer: a.engine,
			Mapper:     a.reconciler,
			Status:     a.rollup,
			Logger:     logger,

			Timeout:       cfg.NATS.HandlerTimeout,
			JobTimeout:    cfg.NATS.JobTimeout,
			MaxRetries:    cfg.NATS.MaxRetries,
			RetryInterval: cfg.NATS.RetryInterval,
		})
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := worker.Stop(); err != nil {
				logger.Warn("failed to stop bus workers", logging.Error(err))
			}
		}()
	}

	opts := handlers.Options{
		Repo:    a.repo,
		Engine:  a.engine,
		Rules:   a.rules,
		Status:  a.rollup,
		Mapper:  a.reconciler,
		Authz:   a.authz,
		Logger:  logger,
		Version: version,
	}
	if a.bus != nil {
		opts.Bus = a.bus
	}
	h := handlers.NewHandler(opts)
	router := server.NewRouter(h, server.Options{
		Validator:   auth.NewTokenValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("incidents service listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
