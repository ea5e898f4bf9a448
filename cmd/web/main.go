// Command web serves a local preview of the A_HTML_GITHUB site rendered
// from the current queue, without publishing anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"form-fanout/internal/app"
	"form-fanout/internal/models"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath, envFile, addr string
	root := &cobra.Command{
		Use:           "web",
		Short:         "Preview generated pages locally",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.Bootstrap(configPath, envFile)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a, addr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config")
	root.Flags().StringVar(&addr, "addr", ":3000", "listen address")

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("web server failed")
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app.App, addr string) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		page, err := a.Pages.PreviewIndex(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeHTML(w, page)
	})
	r.Get("/{jobID}/", func(w http.ResponseWriter, r *http.Request) {
		job, err := findJob(r.Context(), a, chi.URLParam(r, "jobID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		page, err := a.Pages.RenderPage(job)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeHTML(w, page)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("preview server starting")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// findJob matches either the raw jobId or its path segment
func findJob(ctx context.Context, a *app.App, segment string) (*models.Job, error) {
	rows, err := a.Store.Rows(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range rows {
		if job.Type == models.TypeHTMLGitHub && (job.ID == segment || models.SafeSegment(job.ID) == segment) {
			return job, nil
		}
	}
	return nil, fmt.Errorf("no %s job %q", models.TypeHTMLGitHub, segment)
}

func writeHTML(w http.ResponseWriter, page []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
