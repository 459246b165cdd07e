package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/filebox/internal/config"
	"github.com/eteran/filebox/internal/files"
	"github.com/eteran/filebox/internal/metrics"
	"github.com/eteran/filebox/internal/server"
	"github.com/eteran/filebox/internal/trigger"
)

// listenRetryDelay is how long to wait before resubscribing to bucket
// notifications after the stream ends.
const listenRetryDelay = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the file API and the thumbnail workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return Run(ctx, cfg)
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address")
	_ = opts.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func Run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	pipeline, err := newPipeline(st, cfg, m)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail pipeline: %w", err)
	}

	dispatcher := trigger.NewDispatcher(pipeline, cfg.Workers, cfg.QueueSize, m)

	// In-process mode publishes from the write path. Notification mode leaves
	// the store alone and subscribes to the bucket instead.
	fileStore := st.ObjectStore
	if cfg.TriggerMode == config.TriggerInProcess {
		fileStore = trigger.Watch(st.ObjectStore, cfg.UploadContainer, dispatcher)
	} else if st.source == nil {
		return errors.New("storage backend does not provide object-created notifications")
	}

	svc := files.NewService(fileStore, files.Options{
		Container:         cfg.UploadContainer,
		PropertyCacheSize: cfg.PropertyCacheSize,
		ListConcurrency:   cfg.ListConcurrency,
		Recorder:          m,
	})

	srv := server.NewServer(server.Config{
		Files:          svc,
		Auth:           newAuthEngine(cfg),
		Metrics:        m,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	// Workers outlive the HTTP server so uploads accepted during shutdown
	// still get their events handled.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	eg.Go(func() error {
		return dispatcher.Run(workerCtx)
	})

	eg.Go(func() error {
		<-ctx.Done()
		defer stopWorkers()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()

		slog.Info("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Filebox HTTP server", "addr", cfg.ListenAddr, "trigger", cfg.TriggerMode)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if cfg.TriggerMode == config.TriggerNotifications {
		eg.Go(func() error {
			for {
				err := trigger.Listen(ctx, st.source, cfg.UploadContainer, dispatcher)
				if ctx.Err() != nil {
					return nil
				}

				slog.Error("Notification stream ended, resubscribing", "err", err, "delay", listenRetryDelay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(listenRetryDelay):
				}
			}
		})
	}

	slog.Info("Filebox Started")
	return eg.Wait()
}
