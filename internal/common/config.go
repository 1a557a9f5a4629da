package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Signature SignatureConfig `yaml:"signature"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // postgres | sqlite
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"maxConns"`
	MinConns         int32         `yaml:"minConns"`
	MaxConnLifetime  time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime  time.Duration `yaml:"maxConnIdleTime"`
	DialTimeout      time.Duration `yaml:"dialTimeout"`
	StatementTimeout time.Duration `yaml:"statementTimeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string `yaml:"httpAddr"`
	GRPCHealthAddr string `yaml:"grpcHealthAddr"`
	// TrustedIPHeader is checked before X-Forwarded-For when resolving client IPs.
	TrustedIPHeader string `yaml:"trustedIpHeader"`
	// AdminToken guards /admin routes; empty disables them.
	AdminToken string `yaml:"adminToken"`
}

// WorkerConfig controls the in-process job worker
type WorkerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Count          int           `yaml:"count"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryBase      time.Duration `yaml:"retryBase"`
}

// CacheConfig holds the tiered cache configuration
type CacheConfig struct {
	Prefix        string        `yaml:"prefix"`
	Version       string        `yaml:"version"`
	DefaultTTL    time.Duration `yaml:"defaultTtl"`
	MemoryEnabled bool          `yaml:"memoryEnabled"`
	MemoryMaxKeys int           `yaml:"memoryMaxKeys"`
	RedisAddr     string        `yaml:"redisAddr"` // empty disables L2
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
}

// SignatureConfig holds the signature provider configuration
type SignatureConfig struct {
	BaseURL   string        `yaml:"baseUrl"`
	APIToken  string        `yaml:"apiToken"`
	Timeout   time.Duration `yaml:"timeout"`
	Sandbox   bool          `yaml:"sandbox"`
	NotifyURL string        `yaml:"notifyUrl"` // optional completion notification target
}

// WebhookConfig holds inbound webhook configuration
type WebhookConfig struct {
	Secret           string  `yaml:"secret"`
	RequireSignature bool    `yaml:"requireSignature"`
	RateLimitRPS     float64 `yaml:"rateLimitRps"`
	RateLimitBurst   int     `yaml:"rateLimitBurst"`
	RetentionDays    int     `yaml:"retentionDays"`
}

// StorageConfig holds signed-document storage configuration
type StorageConfig struct {
	Backend       string `yaml:"backend"` // local | gcs
	LocalDir      string `yaml:"localDir"`
	PublicBaseURL string `yaml:"publicBaseUrl"`
	GCSBucket     string `yaml:"gcsBucket"`
	GCSCredFile   string `yaml:"gcsCredentialsFile"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// LoadConfig loads configuration from environment variables, then overlays the YAML file
// named by CONFIG_FILE when present.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			GRPCHealthAddr:  getEnv("GRPC_HEALTH_ADDR", ":8081"),
			TrustedIPHeader: getEnv("TRUSTED_IP_HEADER", "Client-IP"),
			AdminToken:      getEnv("ADMIN_TOKEN", ""),
		},
		Worker: WorkerConfig{
			Enabled:        getEnvAsBool("WORKER_ENABLED", true),
			Count:          getEnvAsInt("WORKER_COUNT", 4),
			PollInterval:   getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second),
			ProcessTimeout: getEnvAsDuration("WORKER_PROCESS_TIMEOUT", 2*time.Minute),
			MaxAttempts:    getEnvAsInt("WORKER_MAX_ATTEMPTS", 5),
			RetryBase:      getEnvAsDuration("WORKER_RETRY_BASE", 30*time.Second),
		},
		Cache: CacheConfig{
			Prefix:        getEnv("CACHE_PREFIX", "formsign_"),
			Version:       getEnv("CACHE_VERSION", "v1"),
			DefaultTTL:    getEnvAsDuration("CACHE_DEFAULT_TTL", time.Hour),
			MemoryEnabled: getEnvAsBool("CACHE_MEMORY_ENABLED", true),
			MemoryMaxKeys: getEnvAsInt("CACHE_MEMORY_MAX_KEYS", 10000),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
		},
		Signature: SignatureConfig{
			BaseURL:   getEnv("AUTENTIQUE_BASE_URL", "https://api.autentique.com.br/v2"),
			APIToken:  getEnv("AUTENTIQUE_API_TOKEN", ""),
			Timeout:   getEnvAsDuration("AUTENTIQUE_TIMEOUT", 30*time.Second),
			Sandbox:   getEnvAsBool("AUTENTIQUE_SANDBOX", false),
			NotifyURL: getEnv("COMPLETION_NOTIFY_URL", ""),
		},
		Webhook: WebhookConfig{
			Secret:           getEnv("WEBHOOK_SECRET", ""),
			RequireSignature: getEnvAsBool("WEBHOOK_REQUIRE_SIGNATURE", true),
			RateLimitRPS:     getEnvAsFloat64("WEBHOOK_RATE_LIMIT_RPS", 20),
			RateLimitBurst:   getEnvAsInt("WEBHOOK_RATE_LIMIT_BURST", 40),
			RetentionDays:    getEnvAsInt("WEBHOOK_RETENTION_DAYS", 30),
		},
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", "local"),
			LocalDir:      getEnv("STORAGE_DIR", "./uploads"),
			PublicBaseURL: getEnv("STORAGE_PUBLIC_URL", "http://localhost:8080/uploads"),
			GCSBucket:     getEnv("GCS_BUCKET", ""),
			GCSCredFile:   getEnv("GCS_CREDENTIALS_FILE", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// overlayFile merges non-zero values from a YAML file over cfg.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("read %s", path), err)
	}
	// Unmarshalling into the populated struct only replaces keys present in the file.
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("parse %s", path), err)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrValidation)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrValidation)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrValidation)
	}
	if c.Cache.Prefix == "" || c.Cache.Version == "" {
		return NewAppError("CONFIG_ERROR", "CACHE_PREFIX and CACHE_VERSION are required", ErrValidation)
	}
	if c.Webhook.RequireSignature && c.Webhook.Secret == "" {
		return NewAppError("CONFIG_ERROR", "WEBHOOK_SECRET is required when signatures are enforced", ErrValidation)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return NewAppError("CONFIG_ERROR", "STORAGE_DIR is required for local storage", ErrValidation)
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return NewAppError("CONFIG_ERROR", "GCS_BUCKET is required for gcs storage", ErrValidation)
		}
	default:
		return NewAppError("CONFIG_ERROR", "STORAGE_BACKEND must be local or gcs", ErrValidation)
	}
	return nil
}
