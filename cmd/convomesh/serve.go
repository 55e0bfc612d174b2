package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/convomesh"
	"github.com/hupe1980/convomesh/config"
	"github.com/hupe1980/convomesh/logging"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose metrics and provider health, reloading providers when the config changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    os.Stderr,
		Component: "serve",
	})

	mesh, err := convomesh.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer mesh.Close(context.WithoutCancel(ctx))

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		if err := mesh.ReloadProviders(next.Providers); err != nil {
			logger.Error("provider reload failed", "error", err)
			return
		}
		logger.Info("providers reloaded", "count", len(next.Providers))
	}, func(o *config.WatcherOptions) {
		o.Logger = logger
	})
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Close()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-mesh.Events():
				logger.Debug("event", "type", ev.Type, "run_id", ev.RunID, "stage", ev.Stage, "provider", ev.Provider)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", mesh.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/providers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, mesh.Providers())
	})

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
