package main

import (
	"context"
	"errors"
	"form-fanout/internal/app"
	"form-fanout/internal/handler"
	"form-fanout/internal/trigger"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath, envFile, addr string
	root := &cobra.Command{
		Use:           "api",
		Short:         "form-fanout HTTP API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve submissions, worker runs and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.Bootstrap(configPath, envFile)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.Config.Server.Addr = addr
			}
			return serve(cmd.Context(), a)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("api failed")
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app.App) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           handler.NewJobHandler(a.Jobs, a.Metrics, a.Workers...).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	if a.Config.Server.RunScheduler {
		go func() {
			err := a.Scheduler.Run(ctx)
			switch {
			case errors.Is(err, trigger.ErrNoTriggers):
				log.Warn().Msg("no worker triggers installed; scheduler idle")
			case err != nil && ctx.Err() == nil:
				log.Error().Err(err).Msg("scheduler stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Bool("scheduler", a.Config.Server.RunScheduler).Msg("API server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
