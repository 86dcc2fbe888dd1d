// Package config loads the engine's typed configuration from environment
// variables (optionally preceded by a local .env file), with an optional
// JSON file override. Precedence: built-in defaults, then environment,
// then the file named by CONFIG_FILE when set. Configuration is read once
// at startup; changing it requires a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// CacheConfig controls the tiered cache.
type CacheConfig struct {
	Enabled    bool
	TTLSeconds int
}

// ParallelConfig controls the global concurrency semaphore.
type ParallelConfig struct {
	MaxConcurrency int
}

// RiskConfig controls risk-adjusted return math.
type RiskConfig struct {
	RiskFreeRate  float64
	VarConfidence float64
}

// BatchConfig controls the batch executor.
type BatchConfig struct {
	MaxBatchSize   int
	MaxConcurrency int
}

// CircuitBreakerConfig controls the resilience circuit breaker: trip when
// the failure rate over the counting window reaches FailureRateThreshold
// with at least MinRequests observed.
type CircuitBreakerConfig struct {
	FailureRateThreshold float64
	MinRequests          int
	WindowSeconds        int
	TimeoutSeconds       int
	HalfOpenMax          int
}

// RetryConfig controls the resilience retry policy.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelayMS int
	MaxDelayMS     int
	Multiplier     float64
	Jitter         float64
}

// BulkheadConfig controls the resilience bulkhead.
type BulkheadConfig struct {
	MaxConcurrent      int
	AdmissionTimeoutMS int
}

// StreamingConfig controls the streaming processor's partitioning.
type StreamingConfig struct {
	Partitions                int
	StalenessThresholdSeconds int
}

// Config is the engine's full typed configuration. Loaded once at startup;
// a new config requires a restart (no runtime mutation).
type Config struct {
	LogLevel string
	DataDir  string

	TableName          string // DYNAMODB_TABLE
	TimestreamDatabase string
	TimestreamTable    string

	Cache                 CacheConfig
	Parallel              ParallelConfig
	Risk                  RiskConfig
	TenantCacheTTLSeconds int
	Batch                 BatchConfig
	CircuitBreaker        CircuitBreakerConfig
	Retry                 RetryConfig
	Bulkhead              BulkheadConfig
	Streaming             StreamingConfig

	ConfigFilePath string
}

// Load reads .env (if present), applies per-field defaults, overlays
// environment variables, and finally overlays an optional JSON file named
// by CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DataDir:  getEnv("ENGINE_DATA_DIR", "./data"),

		TableName:          getEnv("DYNAMODB_TABLE", "perfengine"),
		TimestreamDatabase: getEnv("TIMESTREAM_DATABASE", ""),
		TimestreamTable:    getEnv("TIMESTREAM_TABLE", ""),

		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CACHE_ENABLED", true),
			TTLSeconds: getEnvAsInt("CACHE_TTL_SECONDS", 300),
		},
		Parallel: ParallelConfig{
			MaxConcurrency: getEnvAsInt("PARALLEL_MAX_CONCURRENCY", 8),
		},
		Risk: RiskConfig{
			RiskFreeRate:  getEnvAsFloat("RISK_FREE_RATE", 0.02),
			VarConfidence: getEnvAsFloat("VAR_CONFIDENCE_LEVEL", 0.95),
		},
		TenantCacheTTLSeconds: getEnvAsInt("TENANT_CACHE_TTL_SECONDS", 5),
		Batch: BatchConfig{
			MaxBatchSize:   getEnvAsInt("BATCH_MAX_SIZE", 10),
			MaxConcurrency: getEnvAsInt("BATCH_MAX_CONCURRENCY", 4),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureRateThreshold: getEnvAsFloat("CIRCUIT_BREAKER_FAILURE_RATE", 0.5),
			MinRequests:          getEnvAsInt("CIRCUIT_BREAKER_MIN_REQUESTS", 5),
			WindowSeconds:        getEnvAsInt("CIRCUIT_BREAKER_WINDOW_SECONDS", 60),
			TimeoutSeconds:       getEnvAsInt("CIRCUIT_BREAKER_TIMEOUT_SECONDS", 30),
			HalfOpenMax:          getEnvAsInt("CIRCUIT_BREAKER_HALF_OPEN_MAX", 3),
		},
		Retry: RetryConfig{
			MaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelayMS: getEnvAsInt("RETRY_INITIAL_DELAY_MS", 100),
			MaxDelayMS:     getEnvAsInt("RETRY_MAX_DELAY_MS", 10_000),
			Multiplier:     getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
			Jitter:         getEnvAsFloat("RETRY_JITTER", 0.1),
		},
		Bulkhead: BulkheadConfig{
			MaxConcurrent:      getEnvAsInt("BULKHEAD_MAX_CONCURRENT", 10),
			AdmissionTimeoutMS: getEnvAsInt("BULKHEAD_ADMISSION_TIMEOUT_MS", 500),
		},
		Streaming: StreamingConfig{
			Partitions:                getEnvAsInt("STREAMING_PARTITIONS", 16),
			StalenessThresholdSeconds: getEnvAsInt("STREAMING_STALENESS_THRESHOLD_SECONDS", 3600),
		},
		ConfigFilePath: getEnv("CONFIG_FILE", ""),
	}

	if cfg.ConfigFilePath != "" {
		if err := cfg.applyFileOverride(cfg.ConfigFilePath); err != nil {
			return nil, fmt.Errorf("config: apply override file %s: %w", cfg.ConfigFilePath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFileOverride overlays a JSON document on top of env-derived
// defaults; only fields present in the file are overridden.
func (c *Config) applyFileOverride(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Parallel.MaxConcurrency <= 0 {
		return fmt.Errorf("config: parallel.max_concurrency must be positive")
	}
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("config: batch.max_batch_size must be positive")
	}
	if c.Streaming.Partitions <= 0 {
		return fmt.Errorf("config: streaming.partitions must be positive")
	}
	return nil
}

func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
}
func (c *Config) RetryMaxDelay() time.Duration { return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond }
func (c *Config) BulkheadAdmissionTimeout() time.Duration {
	return time.Duration(c.Bulkhead.AdmissionTimeoutMS) * time.Millisecond
}
func (c *Config) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreaker.TimeoutSeconds) * time.Second
}
func (c *Config) CircuitBreakerWindow() time.Duration {
	return time.Duration(c.CircuitBreaker.WindowSeconds) * time.Second
}
func (c *Config) CacheTTL() time.Duration { return time.Duration(c.Cache.TTLSeconds) * time.Second }
func (c *Config) TenantCacheTTL() time.Duration {
	return time.Duration(c.TenantCacheTTLSeconds) * time.Second
}
func (c *Config) StreamingStalenessThreshold() time.Duration {
	return time.Duration(c.Streaming.StalenessThresholdSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
