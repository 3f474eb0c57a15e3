package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warp/printshop-ledger/api"
	"github.com/warp/printshop-ledger/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

// runServe starts the server and blocks until SIGINT/SIGTERM. On signal it
// stops accepting connections, waits up to 30s for active requests, stops
// the scheduler and closes the database.
func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.engine, logger.WithComponent("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: a.cfg.CORSOrigins,
		RateLimit:   a.cfg.RateLimitRPS,
		Burst:       a.cfg.RateLimitBurst,
		Scenarios:   a.cfg.DemoScenarios,
	})

	if a.cfg.ReconcileSchedule != "" {
		scheduler, err := api.NewReconciliationScheduler(a.engine, a.cfg.ReconcileSchedule, logger.WithComponent("api"))
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("db", a.cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}
