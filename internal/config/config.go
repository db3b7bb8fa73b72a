package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway and worker binaries.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	ObjectStorage ObjectStorageConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Classifier    ClassifierConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	MaxUploadBytes  int64
	RateLimitPerMin int
	StatusCacheTTL  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type ObjectStorageConfig struct {
	EndpointURL  string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	MaxRetries   int
	PresignTTL   time.Duration
	CreateBucket bool
}

type QueueConfig struct {
	Backend           string
	Name              string
	AMQPURL           string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Prefetch          int
}

type WorkerConfig struct {
	Count             int
	RetryLimit        int
	LeaseTTL          time.Duration
	SweepInterval     time.Duration
	StalePendingAfter time.Duration
	MetricsPort       int
}

type ClassifierConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

var validQueueBackends = map[string]bool{
	"redis": true,
	"amqp":  true,
}

var validClassifierProviders = map[string]bool{
	"remote": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("IMP_PORT", 8080),
			Env:             envString("IMP_ENV", "development"),
			MaxUploadBytes:  int64(envInt("IMP_MAX_UPLOAD_BYTES", 10<<20)),
			RateLimitPerMin: envInt("IMP_RATE_LIMIT_PER_MIN", 60),
			StatusCacheTTL:  envDuration("IMP_STATUS_CACHE_TTL", 10*time.Minute),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		ObjectStorage: ObjectStorageConfig{
			EndpointURL:  os.Getenv("OBJ_STORAGE_ENDPOINT_URL"),
			AccessKey:    os.Getenv("OBJ_STORAGE_ACCESS_KEY"),
			SecretKey:    os.Getenv("OBJ_STORAGE_SECRET_KEY"),
			Bucket:       os.Getenv("OBJ_STORAGE_BUCKET"),
			Region:       envString("OBJ_STORAGE_REGION", "us-east-1"),
			MaxRetries:   envInt("OBJ_STORAGE_MAX_RETRIES", 4),
			PresignTTL:   envDuration("OBJ_STORAGE_PRESIGN_TTL", 15*time.Minute),
			CreateBucket: envBool("OBJ_STORAGE_CREATE_BUCKET", false),
		},
		Queue: QueueConfig{
			Backend:           envString("QUEUE_BACKEND", "redis"),
			Name:              envString("QUEUE_NAME", "moderation-jobs"),
			AMQPURL:           os.Getenv("AMQP_URL"),
			VisibilityTimeout: envDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
			PollInterval:      envDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			Prefetch:          envInt("QUEUE_PREFETCH", 8),
		},
		Worker: WorkerConfig{
			Count:             envInt("WORKER_COUNT", 4),
			RetryLimit:        envInt("WORKER_RETRY_LIMIT", 3),
			LeaseTTL:          envDuration("WORKER_LEASE_TTL", 90*time.Second),
			SweepInterval:     envDuration("WORKER_SWEEP_INTERVAL", 15*time.Second),
			StalePendingAfter: envDuration("WORKER_STALE_PENDING_AFTER", 5*time.Minute),
			MetricsPort:       envInt("WORKER_METRICS_PORT", 9091),
		},
		Classifier: ClassifierConfig{
			Provider: envString("CLASSIFIER_PROVIDER", "remote"),
			BaseURL:  os.Getenv("CLASSIFIER_BASE_URL"),
			APIKey:   os.Getenv("CLASSIFIER_API_KEY"),
			Timeout:  envDurationSecs("CLASSIFIER_TIMEOUT_SECS", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.ObjectStorage.Bucket == "" {
		return fmt.Errorf("OBJ_STORAGE_BUCKET is required")
	}
	if u := c.ObjectStorage.EndpointURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("OBJ_STORAGE_ENDPOINT_URL must start with http:// or https://, got %q", u)
	}
	if (c.ObjectStorage.AccessKey == "") != (c.ObjectStorage.SecretKey == "") {
		return fmt.Errorf("OBJ_STORAGE_ACCESS_KEY and OBJ_STORAGE_SECRET_KEY must be set together")
	}
	if c.ObjectStorage.MaxRetries < 1 {
		return fmt.Errorf("OBJ_STORAGE_MAX_RETRIES must be at least 1, got %d", c.ObjectStorage.MaxRetries)
	}

	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("IMP_MAX_UPLOAD_BYTES must be positive, got %d", c.Server.MaxUploadBytes)
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, amqp; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "amqp" && c.Queue.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND is amqp")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be positive")
	}

	return nil
}

// ValidateWorker runs the checks that only matter for the worker binary.
func (c *Config) ValidateWorker() error {
	if !validClassifierProviders[c.Classifier.Provider] {
		return fmt.Errorf("CLASSIFIER_PROVIDER must be one of remote, mock; got %q", c.Classifier.Provider)
	}
	if c.Classifier.Provider == "remote" {
		if c.Classifier.BaseURL == "" {
			return fmt.Errorf("CLASSIFIER_BASE_URL is required when CLASSIFIER_PROVIDER is remote")
		}
		if !strings.HasPrefix(c.Classifier.BaseURL, "http://") && !strings.HasPrefix(c.Classifier.BaseURL, "https://") {
			return fmt.Errorf("CLASSIFIER_BASE_URL must start with http:// or https://, got %q", c.Classifier.BaseURL)
		}
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.RetryLimit < 0 {
		return fmt.Errorf("WORKER_RETRY_LIMIT must not be negative, got %d", c.Worker.RetryLimit)
	}
	// A classifier call that outlives the lease lets a second worker pick up
	// the same job while the first is still running.
	if c.Classifier.Timeout >= c.Worker.LeaseTTL {
		return fmt.Errorf("CLASSIFIER_TIMEOUT_SECS (%s) must be less than WORKER_LEASE_TTL (%s)",
			c.Classifier.Timeout, c.Worker.LeaseTTL)
	}
	if c.Worker.SweepInterval <= 0 {
		return fmt.Errorf("WORKER_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
