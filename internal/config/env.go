package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// RenderConfig controls rasterization.
type RenderConfig struct {
	DPI         float64 // 72 renders pages at their intrinsic size
	Concurrency int
	WaitTimeout time.Duration
}

// SourceConfig controls how document references are resolved to local files.
type SourceConfig struct {
	ScratchDir     string
	AssetsDir      string
	ScratchMaxAge  time.Duration
	HTTPTimeout    time.Duration
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
}

// StoreConfig configures the optional Redis page store.
type StoreConfig struct {
	RedisURL string
	TTL      time.Duration
	Timeout  time.Duration
}

// HTTPConfig configures the viewer HTTP server.
type HTTPConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	JPEGQuality     int
}

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig
	Axiom   AxiomConfig
	Render  RenderConfig
	Source  SourceConfig
	Store   StoreConfig
	HTTP    HTTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/pageviewer.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_pageviewer",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Render = RenderConfig{
		DPI:         parseFloat(getEnv("RENDER_DPI", "72"), 72),
		Concurrency: parseInt(getEnv("RENDER_CONCURRENCY", "4"), 4),
		WaitTimeout: parseDuration(getEnv("RENDER_WAIT_TIMEOUT", "30s"), 30*time.Second),
	}
	if cfg.Render.DPI <= 0 {
		cfg.Render.DPI = 72
	}

	cfg.Source = SourceConfig{
		ScratchDir:     getEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "pageviewer")),
		AssetsDir:      getEnv("ASSETS_DIR", "assets"),
		ScratchMaxAge:  parseDuration(getEnv("SCRATCH_MAX_AGE", "24h"), 24*time.Hour),
		HTTPTimeout:    parseDuration(getEnv("SOURCE_HTTP_TIMEOUT", "60s"), 60*time.Second),
		S3Region:       getEnv("AWS_REGION", ""),
		S3AccessKey:    getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3SessionToken: getEnv("AWS_SESSION_TOKEN", ""),
	}

	cfg.Store = StoreConfig{
		RedisURL: getEnv("REDIS_URL", ""),
		TTL:      parseDuration(getEnv("PAGE_STORE_TTL", "24h"), 24*time.Hour),
		Timeout:  parseDuration(getEnv("PAGE_STORE_TIMEOUT", "2s"), 2*time.Second),
	}

	cfg.HTTP = HTTPConfig{
		Port:            getEnv("PORT", "8080"),
		ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
		JPEGQuality:     parseInt(getEnv("JPEG_QUALITY", "85"), 85),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
