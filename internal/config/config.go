package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultUploadContainer    = "uploads"
	DefaultThumbnailContainer = "thumbnails"
	DefaultThumbnailSize      = 200
	DefaultThumbnailQuality   = 75
	DefaultThumbnailMaxPixels = 40_000_000
	DefaultMaxUploadBytes     = 64 << 20

	TriggerInProcess     = "inprocess"
	TriggerNotifications = "notifications"

	BackendLocal = "local"
	BackendS3    = "s3"
)

// Storage is the parsed form of a storage connection string.
type Storage struct {
	Backend string

	// Local backend.
	DataDir string

	// S3 backend.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// PublicBase overrides the base used for object location URLs.
	PublicBase string
}

// Config is built once at process start and handed to the constructors of
// the store, the file service and the thumbnail pipeline.
type Config struct {
	ListenAddr string
	LogLevel   string

	Storage Storage

	UploadContainer    string
	ThumbnailContainer string

	ThumbnailSize      int
	ThumbnailQuality   int
	ThumbnailMaxPixels int64

	TriggerMode string
	Workers     int
	QueueSize   int

	MaxUploadBytes    int64
	PropertyCacheSize int
	ListConcurrency   int

	FunctionKeys  []string
	BasicUser     string
	BasicPassword string

	ShutdownTimeout time.Duration
}

type ConfigOption func(*Config)

func WithListenAddr(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.ListenAddr = addr
	}
}

func WithStorage(storage Storage) ConfigOption {
	return func(cfg *Config) {
		cfg.Storage = storage
	}
}

func WithLocalStorage(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.Storage = Storage{Backend: BackendLocal, DataDir: dataDir}
	}
}

func WithContainers(uploads string, thumbnails string) ConfigOption {
	return func(cfg *Config) {
		cfg.UploadContainer = uploads
		cfg.ThumbnailContainer = thumbnails
	}
}

func WithThumbnail(size int, quality int) ConfigOption {
	return func(cfg *Config) {
		cfg.ThumbnailSize = size
		cfg.ThumbnailQuality = quality
	}
}

func WithThumbnailMaxPixels(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.ThumbnailMaxPixels = n
	}
}

func WithTriggerMode(mode string) ConfigOption {
	return func(cfg *Config) {
		cfg.TriggerMode = mode
	}
}

func WithWorkers(workers int, queueSize int) ConfigOption {
	return func(cfg *Config) {
		cfg.Workers = workers
		cfg.QueueSize = queueSize
	}
}

func WithFunctionKeys(keys ...string) ConfigOption {
	return func(cfg *Config) {
		cfg.FunctionKeys = keys
	}
}

func WithBasicAuth(user string, password string) ConfigOption {
	return func(cfg *Config) {
		cfg.BasicUser = user
		cfg.BasicPassword = password
	}
}

func WithMaxUploadBytes(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxUploadBytes = n
	}
}

// NewConfig returns a Config populated with defaults and then modified by
// opts.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		ListenAddr:         ":8080",
		LogLevel:           "info",
		Storage:            Storage{Backend: BackendLocal, DataDir: "./data"},
		UploadContainer:    DefaultUploadContainer,
		ThumbnailContainer: DefaultThumbnailContainer,
		ThumbnailSize:      DefaultThumbnailSize,
		ThumbnailQuality:   DefaultThumbnailQuality,
		ThumbnailMaxPixels: DefaultThumbnailMaxPixels,
		TriggerMode:        TriggerInProcess,
		Workers:            4,
		QueueSize:          256,
		MaxUploadBytes:     DefaultMaxUploadBytes,
		PropertyCacheSize:  4096,
		ListConcurrency:    8,
		ShutdownTimeout:    15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.UploadContainer == "" || c.ThumbnailContainer == "" {
		errs = append(errs, errors.New("container names must not be empty"))
	}
	if c.UploadContainer == c.ThumbnailContainer {
		errs = append(errs, fmt.Errorf("upload and thumbnail containers must differ, both are %q", c.UploadContainer))
	}
	if c.ThumbnailSize <= 0 {
		errs = append(errs, fmt.Errorf("thumbnail size must be positive, got %d", c.ThumbnailSize))
	}
	if c.ThumbnailQuality < 1 || c.ThumbnailQuality > 100 {
		errs = append(errs, fmt.Errorf("thumbnail quality must be within 1..100, got %d", c.ThumbnailQuality))
	}
	if c.ThumbnailMaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("thumbnail max pixels must be positive, got %d", c.ThumbnailMaxPixels))
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		errs = append(errs, errors.New("workers and queue size must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}

	switch c.TriggerMode {
	case TriggerInProcess:
	case TriggerNotifications:
		if c.Storage.Backend != BackendS3 {
			errs = append(errs, errors.New("notification trigger mode requires the s3 storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trigger mode %q", c.TriggerMode))
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("local storage requires a data directory"))
		}
	case BackendS3:
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("s3 storage requires an endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}

// ParseConnectionString parses a storage connection string. Supported forms:
//
//	file:///var/lib/filebox
//	s3://ACCESS:SECRET@host:9000?secure=false&region=us-east-1&public_base=https://cdn
//
// A bare path is treated as a local data directory.
func ParseConnectionString(conn string) (Storage, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return Storage{}, errors.New("empty storage connection string")
	}

	if !strings.Contains(conn, "://") {
		return Storage{Backend: BackendLocal, DataDir: conn}, nil
	}

	u, err := url.Parse(conn)
	if err != nil {
		return Storage{}, fmt.Errorf("parse storage connection string: %w", err)
	}

	q := u.Query()
	storage := Storage{PublicBase: q.Get("public_base")}

	switch u.Scheme {
	case "file":
		storage.Backend = BackendLocal
		storage.DataDir = filepath.FromSlash(u.Host + u.Path)
		if storage.DataDir == "" {
			return Storage{}, errors.New("file connection string has no path")
		}

	case "s3", "minio":
		storage.Backend = BackendS3
		storage.Endpoint = u.Host
		storage.Region = q.Get("region")
		if u.User != nil {
			storage.AccessKey = u.User.Username()
			storage.SecretKey, _ = u.User.Password()
		}
		if secure := q.Get("secure"); secure != "" {
			storage.UseSSL, err = strconv.ParseBool(secure)
			if err != nil {
				return Storage{}, fmt.Errorf("invalid secure flag %q: %w", secure, err)
			}
		}
		if storage.Endpoint == "" {
			return Storage{}, errors.New("s3 connection string has no host")
		}

	default:
		return Storage{}, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}

	return storage, nil
}

// Load reads configuration from an optional .env file, an optional config
// file and FILEBOX_* environment variables, layered over the defaults.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "err", err)
	}

	defaults := NewConfig()

	v.SetEnvPrefix("FILEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", defaults.ListenAddr)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("storage_connection", "file://"+filepath.ToSlash(defaults.Storage.DataDir))
	v.SetDefault("upload_container", defaults.UploadContainer)
	v.SetDefault("thumbnail_container", defaults.ThumbnailContainer)
	v.SetDefault("thumbnail_size", defaults.ThumbnailSize)
	v.SetDefault("thumbnail_quality", defaults.ThumbnailQuality)
	v.SetDefault("thumbnail_max_pixels", defaults.ThumbnailMaxPixels)
	v.SetDefault("trigger_mode", defaults.TriggerMode)
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("queue_size", defaults.QueueSize)
	v.SetDefault("max_upload_bytes", defaults.MaxUploadBytes)
	v.SetDefault("property_cache_size", defaults.PropertyCacheSize)
	v.SetDefault("list_concurrency", defaults.ListConcurrency)
	v.SetDefault("function_keys", []string{})
	v.SetDefault("basic_user", "")
	v.SetDefault("basic_password", "")
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	storage, err := ParseConnectionString(v.GetString("storage_connection"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:         v.GetString("listen"),
		LogLevel:           v.GetString("log_level"),
		Storage:            storage,
		UploadContainer:    v.GetString("upload_container"),
		ThumbnailContainer: v.GetString("thumbnail_container"),
		ThumbnailSize:      v.GetInt("thumbnail_size"),
		ThumbnailQuality:   v.GetInt("thumbnail_quality"),
		ThumbnailMaxPixels: v.GetInt64("thumbnail_max_pixels"),
		TriggerMode:        strings.ToLower(v.GetString("trigger_mode")),
		Workers:            v.GetInt("workers"),
		QueueSize:          v.GetInt("queue_size"),
		MaxUploadBytes:     v.GetInt64("max_upload_bytes"),
		PropertyCacheSize:  v.GetInt("property_cache_size"),
		ListConcurrency:    v.GetInt("list_concurrency"),
		FunctionKeys:       splitKeys(v.GetStringSlice("function_keys")),
		BasicUser:          v.GetString("basic_user"),
		BasicPassword:      v.GetString("basic_password"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
	}

	return cfg, cfg.Validate()
}

// splitKeys flattens comma separated entries, which is how a list arrives
// from a single environment variable.
func splitKeys(raw []string) []string {
	var keys []string
	for _, entry := range raw {
		for _, k := range strings.Split(entry, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}
