// Package config centralizes how DynQR reads environment variables and
// exposes them as typed Go values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents runtime configuration for the server, the worker and
// qrctl.
type Config struct {
	Address        string
	PublicOrigin   string
	RedirectPrefix string

	StoreBackend string
	StateDir     string
	StorageKey   string
	DatabaseURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3UseSSL     bool
	LogoBucket   string
	ExportBucket string
	BlobDir      string

	MaxLogoSize    int64
	SigningSecret  []byte
	SignedURLTTL   time.Duration
	ProcessingPool int

	RedirectDelay   time.Duration
	FailureDelay    time.Duration
	ResolveAttempts int
	ResolveBackoff  time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultAddress        = ":8080"
	defaultRedirectPrefix = "/r/"
	defaultStateDir       = "./data"
	defaultStorageKey     = "qr-store"
	defaultBlobDir        = "./data/blobs"
	defaultLogoBucket     = "qr-logos"
	defaultExportBucket   = "qr-exports"
	defaultMaxLogoSize    = 2 << 20 // 2 MiB
	defaultSignedTTL      = 5 * time.Minute
	defaultWorkerCount    = 2
	defaultRedirectDelay  = 2 * time.Second
	defaultFailureDelay   = 5 * time.Second
	defaultAttempts       = 3
	defaultBackoff        = 200 * time.Millisecond
)

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{
		Address:         readEnv("DYNQR_ADDRESS", defaultAddress),
		PublicOrigin:    strings.TrimRight(readEnv("DYNQR_PUBLIC_ORIGIN", ""), "/"),
		RedirectPrefix:  normalizePrefix(readEnv("DYNQR_REDIRECT_PREFIX", defaultRedirectPrefix)),
		StoreBackend:    strings.ToLower(readEnv("DYNQR_STORE_BACKEND", BackendFile)),
		StateDir:        readEnv("DYNQR_STATE_DIR", defaultStateDir),
		StorageKey:      readEnv("DYNQR_STORAGE_KEY", defaultStorageKey),
		DatabaseURL:     readEnv("DYNQR_DATABASE_URL", ""),
		RedisAddr:       readEnv("DYNQR_REDIS_ADDR", ""),
		RedisPassword:   readEnv("DYNQR_REDIS_PASSWORD", ""),
		RedisDB:         parseInt("DYNQR_REDIS_DB", 0),
		S3Endpoint:      readEnv("DYNQR_S3_ENDPOINT", ""),
		S3AccessKey:     readEnv("DYNQR_S3_ACCESS_KEY", ""),
		S3SecretKey:     readEnv("DYNQR_S3_SECRET_KEY", ""),
		S3Region:        readEnv("DYNQR_S3_REGION", "us-east-1"),
		S3UseSSL:        parseBool("DYNQR_S3_USE_SSL", false),
		LogoBucket:      readEnv("DYNQR_LOGO_BUCKET", defaultLogoBucket),
		ExportBucket:    readEnv("DYNQR_EXPORT_BUCKET", defaultExportBucket),
		BlobDir:         readEnv("DYNQR_BLOB_DIR", defaultBlobDir),
		MaxLogoSize:     parseInt64("DYNQR_MAX_LOGO_BYTES", defaultMaxLogoSize),
		SigningSecret:   parseSecret("DYNQR_SIGNING_SECRET"),
		SignedURLTTL:    parseDuration("DYNQR_SIGNED_TTL", defaultSignedTTL),
		ProcessingPool:  parseInt("DYNQR_WORKERS", defaultWorkerCount),
		RedirectDelay:   parseDuration("DYNQR_REDIRECT_DELAY", defaultRedirectDelay),
		FailureDelay:    parseDuration("DYNQR_FAILURE_DELAY", defaultFailureDelay),
		ResolveAttempts: parseInt("DYNQR_RESOLVE_ATTEMPTS", defaultAttempts),
		ResolveBackoff:  parseDuration("DYNQR_RESOLVE_BACKOFF", defaultBackoff),
		LogLevel:        readEnv("DYNQR_LOG_LEVEL", "info"),
		LogFormat:       readEnv("DYNQR_LOG_FORMAT", "text"),
	}
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = randomSecret()
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if cfg.MaxLogoSize <= 0 {
		cfg.MaxLogoSize = defaultMaxLogoSize
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = defaultAttempts
	}
	if cfg.ResolveBackoff < 0 {
		cfg.ResolveBackoff = defaultBackoff
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("DYNQR_STORE_BACKEND=redis requires DYNQR_REDIS_ADDR")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DYNQR_STORE_BACKEND=postgres requires DYNQR_DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StorageKey == "" {
		return errors.New("DYNQR_STORAGE_KEY must not be empty")
	}
	return nil
}

// UseObjectStorage reports whether logos and exports go to MinIO/S3.
func (c *Config) UseObjectStorage() bool {
	return c.S3Endpoint != ""
}

// UseQueue reports whether exports are dispatched through asynq.
func (c *Config) UseQueue() bool {
	return c.RedisAddr != "" && c.UseObjectStorage()
}

// normalizePrefix makes sure the prefix starts and ends with a slash.
func normalizePrefix(p string) string {
	p = "/" + strings.Trim(p, "/") + "/"
	if p == "//" {
		return defaultRedirectPrefix
	}
	return p
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "200ms".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
