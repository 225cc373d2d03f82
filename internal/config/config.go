// Package config loads runtime configuration for the reconciler and bridge
// binaries from environment variables. Defaults are production values; every
// validation error names the offending variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable at startup. The memory backend exists for local
// runs and tests; production uses firestore.
const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Reconciler holds configuration for the HTTP reconciliation service.
type Reconciler struct {
	Port           int
	IngestionToken string
	LogFile        string

	StoreBackend        string
	FirestoreProjectID  string
	FirestoreDatabaseID string
	FirestoreEndpoint   string // optional; emulator or test endpoint
	OrgsCollection      string

	BatchSize          int // initial atomic write-batch size, store cap 500
	QueryChunkSize     int // emails per IN query, store cap 10
	MaxParallelBatches int // in-flight store calls per invocation

	CacheTTL       time.Duration
	MaxCacheSizeMB int

	ErrorThreshold         float64
	CircuitReset           time.Duration
	CircuitMinSamples      int
	AdaptiveBatchThreshold float64

	// Store-call retry policy, same variables the bridge uses.
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int

	ShutdownTimeout time.Duration
	MetricsEnabled  bool
}

// Bridge holds configuration for the Kafka-to-HTTP bridge binary.
type Bridge struct {
	// Port serves the bridge's own health and metrics endpoints.
	Port int

	Brokers  []string
	ClientID string
	GroupID  string

	TopicUpserts string
	TopicDeltas  string

	NormalizerBaseURL string
	IngestionToken    string
	HTTPTimeout       time.Duration

	BatchMaxRows int
	BatchMaxAge  time.Duration

	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxRetries  int
	Concurrency int

	ShutdownTimeout time.Duration
	LogFile         string
}

// LoadReconciler reads the reconciler configuration from the environment.
func LoadReconciler() (*Reconciler, error) {
	cfg := &Reconciler{
		Port:                   getEnvInt("PORT", 8080),
		IngestionToken:         os.Getenv("INGESTION_TOKEN"),
		LogFile:                os.Getenv("LOG_FILE"),
		StoreBackend:           getEnv("STORE_BACKEND", StoreFirestore),
		FirestoreProjectID:     os.Getenv("FIRESTORE_PROJECT_ID"),
		FirestoreDatabaseID:    getEnv("FIRESTORE_DATABASE_ID", "(default)"),
		FirestoreEndpoint:      os.Getenv("FIRESTORE_ENDPOINT"),
		OrgsCollection:         getEnv("ORGS_COLLECTION", "organizations"),
		BatchSize:              getEnvInt("FIRESTORE_BATCH_SIZE", 500),
		QueryChunkSize:         getEnvInt("QUERY_CHUNK_SIZE", 10),
		MaxParallelBatches:     getEnvInt("MAX_PARALLEL_BATCHES", 5),
		CacheTTL:               getEnvMillis("CACHE_TTL_MS", 300_000),
		MaxCacheSizeMB:         getEnvInt("MAX_CACHE_SIZE_MB", 100),
		ErrorThreshold:         getEnvFloat("ERROR_THRESHOLD", 0.3),
		CircuitReset:           getEnvMillis("CIRCUIT_RESET_MS", 60_000),
		CircuitMinSamples:      getEnvInt("CIRCUIT_MIN_SAMPLES", 20),
		AdaptiveBatchThreshold: getEnvFloat("ADAPTIVE_BATCH_THRESHOLD", 0.8),
		RetryBase:              getEnvMillis("RETRY_BASE_MS", 500),
		RetryMax:               getEnvMillis("RETRY_MAX_MS", 15_000),
		MaxRetries:             getEnvInt("MAX_RETRIES", 8),
		ShutdownTimeout:        getEnvMillis("SHUTDOWN_TIMEOUT_MS", 10_000),
		MetricsEnabled:         getEnvBool("METRICS_ENABLED", true),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Reconciler) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.IngestionToken == "" {
		return errors.New("INGESTION_TOKEN is required")
	}
	switch c.StoreBackend {
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			return errors.New("FIRESTORE_PROJECT_ID is required when STORE_BACKEND=firestore")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s", c.StoreBackend)
	}
	if c.BatchSize < 1 || c.BatchSize > 500 {
		return fmt.Errorf("FIRESTORE_BATCH_SIZE must be in [1,500]: %d", c.BatchSize)
	}
	if c.QueryChunkSize < 1 || c.QueryChunkSize > 10 {
		return fmt.Errorf("QUERY_CHUNK_SIZE must be in [1,10]: %d", c.QueryChunkSize)
	}
	if c.MaxParallelBatches < 1 {
		return fmt.Errorf("MAX_PARALLEL_BATCHES must be positive: %d", c.MaxParallelBatches)
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL_MS must be positive")
	}
	if c.MaxCacheSizeMB < 1 {
		return fmt.Errorf("MAX_CACHE_SIZE_MB must be positive: %d", c.MaxCacheSizeMB)
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("ERROR_THRESHOLD must be in (0,1]: %g", c.ErrorThreshold)
	}
	if c.AdaptiveBatchThreshold <= 0 || c.AdaptiveBatchThreshold > 1 {
		return fmt.Errorf("ADAPTIVE_BATCH_THRESHOLD must be in (0,1]: %g", c.AdaptiveBatchThreshold)
	}
	if c.CircuitReset <= 0 {
		return errors.New("CIRCUIT_RESET_MS must be positive")
	}
	if c.CircuitMinSamples < 1 {
		return fmt.Errorf("CIRCUIT_MIN_SAMPLES must be positive: %d", c.CircuitMinSamples)
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return errors.New("RETRY_BASE_MS and RETRY_MAX_MS must be positive with RETRY_MAX_MS >= RETRY_BASE_MS")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be positive: %d", c.MaxRetries)
	}
	return nil
}

// LoadBridge reads the bridge configuration from the environment.
func LoadBridge() (*Bridge, error) {
	cfg := &Bridge{
		Port:              getEnvInt("PORT", 8081),
		Brokers:           splitAndTrim(os.Getenv("KAFKA_BROKERS"), ","),
		ClientID:          getEnv("KAFKA_CLIENT_ID", "org-onboarder-bridge"),
		GroupID:           getEnv("KAFKA_GROUP_ID", "org-onboarder"),
		TopicUpserts:      getEnv("TOPIC_UPSERTS", "roster.upserts"),
		TopicDeltas:       getEnv("TOPIC_DELTAS", "roster.deltas"),
		NormalizerBaseURL: strings.TrimRight(os.Getenv("NORMALIZER_BASE_URL"), "/"),
		IngestionToken:    os.Getenv("INGESTION_TOKEN"),
		HTTPTimeout:       getEnvMillis("HTTP_TIMEOUT_MS", 30_000),
		BatchMaxRows:      getEnvInt("BATCH_MAX_ROWS", 1000),
		BatchMaxAge:       getEnvMillis("BATCH_MAX_MS", 1200),
		RetryBase:         getEnvMillis("RETRY_BASE_MS", 500),
		RetryMax:          getEnvMillis("RETRY_MAX_MS", 15_000),
		MaxRetries:        getEnvInt("MAX_RETRIES", 8),
		Concurrency:       getEnvInt("CONCURRENCY", 1),
		ShutdownTimeout:   getEnvMillis("SHUTDOWN_TIMEOUT_MS", 10_000),
		LogFile:           os.Getenv("LOG_FILE"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Bridge) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if len(c.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required (comma-separated)")
	}
	if c.NormalizerBaseURL == "" {
		return errors.New("NORMALIZER_BASE_URL is required")
	}
	if c.IngestionToken == "" {
		return errors.New("INGESTION_TOKEN is required")
	}
	if c.TopicUpserts == "" && c.TopicDeltas == "" {
		return errors.New("at least one of TOPIC_UPSERTS, TOPIC_DELTAS is required")
	}
	if c.BatchMaxRows < 1 {
		return fmt.Errorf("BATCH_MAX_ROWS must be positive: %d", c.BatchMaxRows)
	}
	if c.BatchMaxAge <= 0 {
		return errors.New("BATCH_MAX_MS must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return errors.New("RETRY_BASE_MS and RETRY_MAX_MS must be positive with RETRY_MAX_MS >= RETRY_BASE_MS")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be positive: %d", c.MaxRetries)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be positive: %d", c.Concurrency)
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("HTTP_TIMEOUT_MS must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvMillis reads an integer millisecond value into a time.Duration.
func getEnvMillis(key string, defMillis int64) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMillis) * time.Millisecond
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
