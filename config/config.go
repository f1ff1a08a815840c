package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
)

type AWSConfig struct {
	Region    string
	AccountID string
	// Endpoint overrides every AWS service endpoint (localstack).
	Endpoint string
}

func (c AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("AWS_REGION is required")
	}
	return nil
}

type DynamoDBConfig struct {
	AssetsTableName   string
	SessionsTableName string
	QueueTableName    string
}

type RedisConfig struct {
	HOST     string
	Password string
	DB       int
}

type S3Config struct {
	Bucket             string
	Prefix             string
	CDNBaseURL         string
	MultipartThreshold int64
}

type OptimizerConfig struct {
	Endpoint          string
	APIKey            string
	MaxBatch          int
	RequestsPerSecond float64
	Timeout           time.Duration
}

func (c OptimizerConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("OPTIMIZER_ENDPOINT is required")
	}
	if c.APIKey == "" {
		return errors.New("OPTIMIZER_API_KEY is required")
	}
	if c.MaxBatch < 1 {
		return errors.New("OPTIMIZER_MAX_BATCH must be positive")
	}
	return nil
}

type ServiceConfig struct {
	HTTPAddr string
	GRPCAddr string
	// SessionBackend is one of redis, dynamodb, memory.
	SessionBackend string
	// QueueBackend is one of sqlite, dynamodb.
	QueueBackend     string
	QueueDSN         string
	EnqueueQueueName string
	SweepInterval    time.Duration
	WorkerInterval   time.Duration
	// QueueRetention is how long finished queue entries are kept.
	QueueRetention time.Duration
}

type BatchConfig struct {
	BatchSize        int
	ConcurrencyLimit int
	TTL              time.Duration
}

func (c BatchConfig) Validate(kind string) error {
	if c.BatchSize < 1 || c.BatchSize > 50 {
		return fmt.Errorf("%s batch size must be within 1..50, got %d", kind, c.BatchSize)
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("%s concurrency limit must be positive", kind)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%s session ttl must be positive", kind)
	}
	return nil
}

type EligibilityConfig struct {
	MigrationMimeTypes    []string
	MaxMigrationSize      int64
	OptimizationMimeTypes []string
	MinOptimizationSize   int64
	MaxOptimizationSize   int64
	OptimizationCooldown  time.Duration
}

type RetryConfig struct {
	ChunkRetries    int
	ChunkRetryDelay time.Duration
}

type Config struct {
	Env         string
	Tracing     bool
	TracingAddr string

	*AWSConfig
	*DynamoDBConfig
	*RedisConfig
	*S3Config
	*OptimizerConfig
	*ServiceConfig
	*EligibilityConfig
	*RetryConfig

	MigrationBatch    BatchConfig
	OptimizationBatch BatchConfig
}

func (c Config) Validate() error {
	if err := c.MigrationBatch.Validate("migration"); err != nil {
		return err
	}
	if err := c.OptimizationBatch.Validate("optimization"); err != nil {
		return err
	}
	if c.RetryConfig.ChunkRetries < 0 {
		return errors.New("CHUNK_RETRIES cannot be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("TRACING", false)
	v.SetDefault("TRACING_ADDR", "localhost:4318")

	v.SetDefault("AWS_REGION", "us-east-1")

	v.SetDefault("DYNAMODB_ASSETS_TABLE", "assets")
	v.SetDefault("DYNAMODB_SESSIONS_TABLE", "media_sessions")
	v.SetDefault("DYNAMODB_QUEUE_TABLE", "optimization_queue")

	v.SetDefault("REDIS_HOST", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("S3_PREFIX", "media")
	v.SetDefault("S3_MULTIPART_THRESHOLD", 16*1024*1024)

	v.SetDefault("OPTIMIZER_MAX_BATCH", 3)
	v.SetDefault("OPTIMIZER_RPS", 2.0)
	v.SetDefault("OPTIMIZER_TIMEOUT", 60*time.Second)

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":50051")
	v.SetDefault("SESSION_BACKEND", "redis")
	v.SetDefault("QUEUE_BACKEND", "sqlite")
	v.SetDefault("QUEUE_DSN", "file:optimization_queue.db?_pragma=busy_timeout(5000)")
	v.SetDefault("ENQUEUE_QUEUE_NAME", "media-optimization-requests")
	v.SetDefault("SWEEP_INTERVAL", 15*time.Minute)
	v.SetDefault("WORKER_INTERVAL", 10*time.Second)
	v.SetDefault("QUEUE_RETENTION", 7*24*time.Hour)

	v.SetDefault("MIGRATION_BATCH_SIZE", 10)
	v.SetDefault("MIGRATION_CONCURRENCY", 5)
	v.SetDefault("MIGRATION_SESSION_TTL", 24*time.Hour)
	v.SetDefault("OPTIMIZATION_BATCH_SIZE", 6)
	v.SetDefault("OPTIMIZATION_CONCURRENCY", 3)
	v.SetDefault("OPTIMIZATION_SESSION_TTL", 2*time.Hour)

	v.SetDefault("MIGRATION_MIME_TYPES", "image/jpeg,image/png,image/gif,image/webp,image/svg+xml,image/avif,video/mp4,video/webm,audio/mpeg,application/pdf")
	v.SetDefault("MIGRATION_MAX_SIZE", 512*1024*1024)
	v.SetDefault("OPTIMIZATION_MIME_TYPES", "image/jpeg,image/png,image/gif,image/webp")
	v.SetDefault("OPTIMIZATION_MIN_SIZE", 10*1024)
	v.SetDefault("OPTIMIZATION_MAX_SIZE", 25*1024*1024)
	v.SetDefault("OPTIMIZATION_COOLDOWN", 24*time.Hour)

	v.SetDefault("CHUNK_RETRIES", 2)
	v.SetDefault("CHUNK_RETRY_DELAY", 2*time.Second)
}

// LoadConfig reads the configuration from the environment (and a .env file
// when present).
func LoadConfig() Config {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Env:         v.GetString("ENV"),
		Tracing:     v.GetBool("TRACING"),
		TracingAddr: v.GetString("TRACING_ADDR"),

		AWSConfig: &AWSConfig{
			Region:    v.GetString("AWS_REGION"),
			AccountID: v.GetString("AWS_ACCOUNT_ID"),
			Endpoint:  v.GetString("AWS_ENDPOINT"),
		},
		DynamoDBConfig: &DynamoDBConfig{
			AssetsTableName:   v.GetString("DYNAMODB_ASSETS_TABLE"),
			SessionsTableName: v.GetString("DYNAMODB_SESSIONS_TABLE"),
			QueueTableName:    v.GetString("DYNAMODB_QUEUE_TABLE"),
		},
		RedisConfig: &RedisConfig{
			HOST:     v.GetString("REDIS_HOST"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		S3Config: &S3Config{
			Bucket:             v.GetString("S3_BUCKET"),
			Prefix:             v.GetString("S3_PREFIX"),
			CDNBaseURL:         v.GetString("CDN_BASE_URL"),
			MultipartThreshold: v.GetInt64("S3_MULTIPART_THRESHOLD"),
		},
		OptimizerConfig: &OptimizerConfig{
			Endpoint:          v.GetString("OPTIMIZER_ENDPOINT"),
			APIKey:            v.GetString("OPTIMIZER_API_KEY"),
			MaxBatch:          v.GetInt("OPTIMIZER_MAX_BATCH"),
			RequestsPerSecond: v.GetFloat64("OPTIMIZER_RPS"),
			Timeout:           v.GetDuration("OPTIMIZER_TIMEOUT"),
		},
		ServiceConfig: &ServiceConfig{
			HTTPAddr:         v.GetString("HTTP_ADDR"),
			GRPCAddr:         v.GetString("GRPC_ADDR"),
			SessionBackend:   v.GetString("SESSION_BACKEND"),
			QueueBackend:     v.GetString("QUEUE_BACKEND"),
			QueueDSN:         v.GetString("QUEUE_DSN"),
			EnqueueQueueName: v.GetString("ENQUEUE_QUEUE_NAME"),
			SweepInterval:    v.GetDuration("SWEEP_INTERVAL"),
			WorkerInterval:   v.GetDuration("WORKER_INTERVAL"),
			QueueRetention:   v.GetDuration("QUEUE_RETENTION"),
		},
		EligibilityConfig: &EligibilityConfig{
			MigrationMimeTypes:    splitList(v.GetString("MIGRATION_MIME_TYPES")),
			MaxMigrationSize:      v.GetInt64("MIGRATION_MAX_SIZE"),
			OptimizationMimeTypes: splitList(v.GetString("OPTIMIZATION_MIME_TYPES")),
			MinOptimizationSize:   v.GetInt64("OPTIMIZATION_MIN_SIZE"),
			MaxOptimizationSize:   v.GetInt64("OPTIMIZATION_MAX_SIZE"),
			OptimizationCooldown:  v.GetDuration("OPTIMIZATION_COOLDOWN"),
		},
		RetryConfig: &RetryConfig{
			ChunkRetries:    v.GetInt("CHUNK_RETRIES"),
			ChunkRetryDelay: v.GetDuration("CHUNK_RETRY_DELAY"),
		},
		MigrationBatch: BatchConfig{
			BatchSize:        v.GetInt("MIGRATION_BATCH_SIZE"),
			ConcurrencyLimit: v.GetInt("MIGRATION_CONCURRENCY"),
			TTL:              v.GetDuration("MIGRATION_SESSION_TTL"),
		},
		OptimizationBatch: BatchConfig{
			BatchSize:        v.GetInt("OPTIMIZATION_BATCH_SIZE"),
			ConcurrencyLimit: v.GetInt("OPTIMIZATION_CONCURRENCY"),
			TTL:              v.GetDuration("OPTIMIZATION_SESSION_TTL"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
