// Package config provides configuration loading for the ingestion service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the pipeline needs at startup.
type Config struct {
	// Source API settings
	APIBaseURL     string
	APIKey         string
	RequestTimeout time.Duration

	// Retry/pacing settings
	MaxAttempts    int
	RetryDelay     time.Duration
	RateLimitDelay time.Duration // minimum spacing between requests to the source origin

	// Planner settings
	IncrementalDays int
	StartSeason     int

	// Persistent store
	DatabaseURL string
	RawSchema   string
	StageSchema string

	// Object store (snapshots + object staging)
	ObjectEndpoint  string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectBucket    string
	ObjectUseSSL    bool
	SnapshotPrefix  string
	RetentionDays   int

	// Orchestration
	Workers         int
	CatalogPath     string
	StagingProvider string // preferred staging backend: "object" or "memory"
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		APIBaseURL:     getEnv("INGEST_API_BASE_URL", "https://api.collegebasketballdata.com"),
		APIKey:         getEnv("INGEST_API_KEY", ""),
		RequestTimeout: time.Duration(getEnvInt("INGEST_REQUEST_TIMEOUT_SECS", 120)) * time.Second,

		MaxAttempts:    getEnvInt("INGEST_MAX_ATTEMPTS", 3),
		RetryDelay:     time.Duration(getEnvInt("INGEST_RETRY_DELAY_SECS", 2)) * time.Second,
		RateLimitDelay: time.Duration(getEnvInt("INGEST_PACING_MS", 200)) * time.Millisecond,

		IncrementalDays: getEnvInt("INGEST_INCREMENTAL_DAYS", 7),
		StartSeason:     getEnvInt("INGEST_START_SEASON", 2022),

		DatabaseURL: getEnv("INGEST_DATABASE_URL", ""),
		RawSchema:   getEnv("INGEST_RAW_SCHEMA", "cbb_raw"),
		StageSchema: getEnv("INGEST_STAGE_SCHEMA", "cbb_stage"),

		ObjectEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		ObjectAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		ObjectSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		ObjectBucket:    getEnv("MINIO_BUCKET", "ingest-archive"),
		ObjectUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
		SnapshotPrefix:  getEnv("INGEST_SNAPSHOT_PREFIX", "snapshots"),
		RetentionDays:   getEnvInt("INGEST_SNAPSHOT_RETENTION_DAYS", 0),

		Workers:         getEnvInt("INGEST_WORKERS", 1),
		CatalogPath:     getEnv("INGEST_CATALOG_PATH", ""),
		StagingProvider: getEnv("INGEST_STAGING_PROVIDER", "object"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
