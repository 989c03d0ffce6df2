package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

const (
	DeliveryInline = "inline"
	DeliveryLocal  = "local"
	DeliveryObject = "object"
)

type Config struct {
	API       APIConfig
	Batch     BatchConfig
	Delivery  DeliveryConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Janitor   JanitorConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
	AuditLogPath   string
}

type BatchConfig struct {
	Concurrency int
	UploadDir   string
	// PixelLimit caps source and resize dimensions per image; 0 disables it.
	PixelLimit int64
}

type DeliveryConfig struct {
	Mode         string
	ArtifactDir  string
	OutputPrefix string
	PresignTTL   time.Duration
}

type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	MaxBytes      int
}

func (c CacheConfig) Enabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type JanitorConfig struct {
	MetricsAddr   string
	Concurrency   int
	Retention     time.Duration
	PurgeInterval time.Duration
}

// CronSpec is the scheduler entry for the periodic purge.
func (j JanitorConfig) CronSpec() string {
	return "@every " + j.PurgeInterval.String()
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory usage store.
	DSN string
}

type WebhookConfig struct {
	URL         string
	Secret      string
	MaxAttempts int
}

type TelemetryConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func Load() Config {
	return Config{
		API: APIConfig{
			Addr:           env("PIXELBATCH_API_ADDR", ":3000"),
			MaxUploadBytes: envInt64("PIXELBATCH_MAX_UPLOAD_BYTES", 512<<20),
			AuditLogPath:   env("PIXELBATCH_AUDIT_LOG", "./logs/requests.log"),
		},
		Batch: BatchConfig{
			Concurrency: envInt("PIXELBATCH_BATCH_CONCURRENCY", 1),
			UploadDir:   env("PIXELBATCH_UPLOAD_DIR", "./uploads"),
		},
		Delivery: DeliveryConfig{
			Mode:         strings.ToLower(env("PIXELBATCH_DELIVERY", DeliveryInline)),
			ArtifactDir:  env("PIXELBATCH_ARTIFACT_DIR", "./compressed"),
			OutputPrefix: env("PIXELBATCH_OUTPUT_PREFIX", "outputs"),
			PresignTTL:   envDuration("PIXELBATCH_PRESIGN_TTL", 15*time.Minute),
		},
		Cache: CacheConfig{
			RedisAddr:     env("CACHE_REDIS_ADDR", ""),
			RedisPassword: env("CACHE_REDIS_PASSWORD", ""),
			RedisDB:       envInt("CACHE_REDIS_DB", 1),
			TTL:           envDuration("CACHE_TTL", 24*time.Hour),
			MaxBytes:      envInt("CACHE_MAX_BYTES", 8<<20),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "maintenance"),
		},
		Janitor: JanitorConfig{
			MetricsAddr:   env("JANITOR_METRICS_ADDR", ":9091"),
			Concurrency:   envInt("JANITOR_CONCURRENCY", max(1, runtime.NumCPU()/2)),
			Retention:     envDuration("JANITOR_RETENTION", 24*time.Hour),
			PurgeInterval: envDuration("JANITOR_PURGE_INTERVAL", 15*time.Minute),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "pixelbatch-artifacts"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Webhook: WebhookConfig{
			URL:         env("WEBHOOK_URL", ""),
			Secret:      env("WEBHOOK_SECRET", ""),
			MaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "pixelbatch"),
			Exporter:     env("TRACING_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Log: LogConfig{
			Level:  env("LOG_LEVEL", "info"),
			Pretty: envBool("LOG_PRETTY", false),
		},
	}
}

// Validate reports settings no component can run with.
func (c Config) Validate() error {
	switch c.Delivery.Mode {
	case DeliveryInline, DeliveryLocal, DeliveryObject:
	default:
		return fmt.Errorf("unsupported delivery mode %q", c.Delivery.Mode)
	}
	if c.API.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if c.Janitor.PurgeInterval <= 0 {
		return fmt.Errorf("janitor purge interval must be positive")
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
