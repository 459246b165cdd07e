package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eteran/filebox/internal/config"
	"github.com/eteran/filebox/internal/metrics"
	"github.com/eteran/filebox/internal/thumbnail"
	"github.com/eteran/filebox/internal/trigger"
	"github.com/eteran/filebox/pkg/auth"
	"github.com/eteran/filebox/pkg/storage"
)

// store is an ObjectStore together with what the command needs to release
// it. source is non-nil when the backend can feed object-created
// notifications.
type store struct {
	storage.ObjectStore
	source trigger.CreationSource
	close  func() error
}

// openStore connects to the configured backend and makes sure both
// containers exist.
func openStore(ctx context.Context, cfg config.Config) (*store, error) {
	var s *store

	switch cfg.Storage.Backend {
	case config.BackendLocal:
		// Ensure data directory is absolute for easier debugging.
		dataDir, err := filepath.Abs(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		local, err := storage.NewLocalFileStorage(ctx, dataDir, cfg.Storage.PublicBase)
		if err != nil {
			return nil, err
		}

		slog.Info("Using local storage", "data_dir", dataDir)
		s = &store{ObjectStore: local, close: local.Close}

	case config.BackendS3:
		remote, err := storage.NewMinioStorage(storage.MinioOptions{
			Endpoint:   cfg.Storage.Endpoint,
			AccessKey:  cfg.Storage.AccessKey,
			SecretKey:  cfg.Storage.SecretKey,
			Region:     cfg.Storage.Region,
			UseSSL:     cfg.Storage.UseSSL,
			PublicBase: cfg.Storage.PublicBase,
		})
		if err != nil {
			return nil, err
		}

		slog.Info("Using S3 storage", "endpoint", cfg.Storage.Endpoint, "secure", cfg.Storage.UseSSL)
		s = &store{ObjectStore: remote, source: remote, close: func() error { return nil }}

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	for _, container := range []string{cfg.UploadContainer, cfg.ThumbnailContainer} {
		if err := s.EnsureContainer(ctx, container); err != nil {
			_ = s.close()
			return nil, fmt.Errorf("failed to prepare container %s: %w", container, err)
		}
	}

	return s, nil
}

func newPipeline(s storage.ObjectStore, cfg config.Config, m *metrics.Metrics) (*thumbnail.Pipeline, error) {
	return thumbnail.New(s, thumbnail.Options{
		SourceContainer: cfg.UploadContainer,
		TargetContainer: cfg.ThumbnailContainer,
		Size:            cfg.ThumbnailSize,
		Quality:         cfg.ThumbnailQuality,
		MaxPixels:       cfg.ThumbnailMaxPixels,
		Recorder:        m,
	})
}

// newAuthEngine accepts any configured credential. With none configured the
// API is open.
func newAuthEngine(cfg config.Config) auth.AuthEngine {
	var engines []auth.AuthEngine

	if len(cfg.FunctionKeys) > 0 {
		engines = append(engines, auth.NewKeyAuthEngine(cfg.FunctionKeys...))
	}
	if cfg.BasicUser != "" {
		engines = append(engines, auth.NewBasicAuthEngine(cfg.BasicUser, cfg.BasicPassword))
	}

	if len(engines) == 0 {
		slog.Warn("No credentials configured, the file API is open to anonymous access")
		return auth.AnonymousAuthEngine{}
	}
	return auth.NewCompoundAuthEngine(engines...)
}
