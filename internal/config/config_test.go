package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eteran/filebox/internal/config"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		conn string
		want config.Storage
	}{
		{
			name: "file url",
			conn: "file:///var/lib/filebox",
			want: config.Storage{Backend: config.BackendLocal, DataDir: filepath.FromSlash("/var/lib/filebox")},
		},
		{
			name: "bare path",
			conn: "./data",
			want: config.Storage{Backend: config.BackendLocal, DataDir: "./data"},
		},
		{
			name: "s3 with credentials",
			conn: "s3://access:secret@localhost:9000?secure=true&region=eu-west-1",
			want: config.Storage{
				Backend:   config.BackendS3,
				Endpoint:  "localhost:9000",
				AccessKey: "access",
				SecretKey: "secret",
				Region:    "eu-west-1",
				UseSSL:    true,
			},
		},
		{
			name: "s3 with public base",
			conn: "minio://localhost:9000?public_base=https://cdn.example.com",
			want: config.Storage{
				Backend:    config.BackendS3,
				Endpoint:   "localhost:9000",
				PublicBase: "https://cdn.example.com",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := config.ParseConnectionString(tc.conn)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseConnectionStringErrors(t *testing.T) {
	t.Parallel()

	for _, conn := range []string{"", "ftp://host/path", "s3://?region=x", "s3://host?secure=maybe"} {
		_, err := config.ParseConnectionString(conn)
		require.Errorf(t, err, "expected error for %q", conn)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, config.NewConfig().Validate(), "defaults should be valid")

	cfg := config.NewConfig(config.WithContainers("same", "same"))
	require.Error(t, cfg.Validate(), "identical containers must be rejected")

	cfg = config.NewConfig(config.WithTriggerMode(config.TriggerNotifications))
	require.Error(t, cfg.Validate(), "notifications need the s3 backend")

	cfg = config.NewConfig(config.WithThumbnail(0, 75))
	require.Error(t, cfg.Validate(), "zero thumbnail size must be rejected")
}

func TestNewConfigOptions(t *testing.T) {
	t.Parallel()

	s3 := config.Storage{Backend: config.BackendS3, Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b"}
	cfg := config.NewConfig(
		config.WithListenAddr("127.0.0.1:9999"),
		config.WithStorage(s3),
		config.WithTriggerMode(config.TriggerNotifications),
		config.WithThumbnailMaxPixels(1_000_000),
	)

	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	require.Equal(t, s3, cfg.Storage)
	require.Equal(t, int64(1_000_000), cfg.ThumbnailMaxPixels)
	require.NoError(t, cfg.Validate(), "notifications are valid on the s3 backend")

	cfg = config.NewConfig(config.WithStorage(config.Storage{Backend: config.BackendS3}))
	require.Error(t, cfg.Validate(), "s3 without an endpoint must be rejected")

	cfg = config.NewConfig(config.WithThumbnailMaxPixels(0))
	require.Error(t, cfg.Validate(), "zero pixel limit must be rejected")
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "filebox.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(
		"listen: \":9090\"\nthumbnail_size: 128\nfunction_keys:\n  - abc\n"), 0o644))

	t.Setenv("FILEBOX_STORAGE_CONNECTION", "file://"+filepath.ToSlash(dir))
	t.Setenv("FILEBOX_WORKERS", "2")

	cfg, err := config.Load(viper.New(), configFile)
	require.NoError(t, err, "Load error")

	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 128, cfg.ThumbnailSize)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, []string{"abc"}, cfg.FunctionKeys)
	require.Equal(t, config.BackendLocal, cfg.Storage.Backend)
	require.Equal(t, config.DefaultUploadContainer, cfg.UploadContainer)
	require.Equal(t, config.DefaultThumbnailContainer, cfg.ThumbnailContainer)
	require.Equal(t, int64(config.DefaultThumbnailMaxPixels), cfg.ThumbnailMaxPixels)
}
