package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadReconcilerDefaults(t *testing.T) {
	t.Setenv("INGESTION_TOKEN", "secret")
	t.Setenv("FIRESTORE_PROJECT_ID", "proj-1")

	cfg, err := LoadReconciler()
	if err != nil {
		t.Fatalf("LoadReconciler: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.BatchSize != 500 || cfg.QueryChunkSize != 10 || cfg.MaxParallelBatches != 5 {
		t.Errorf("reconciler tunables = %d/%d/%d, want 500/10/5",
			cfg.BatchSize, cfg.QueryChunkSize, cfg.MaxParallelBatches)
	}
	if cfg.CacheTTL != 300*time.Second {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.ErrorThreshold != 0.3 || cfg.AdaptiveBatchThreshold != 0.8 {
		t.Errorf("thresholds = %g/%g, want 0.3/0.8", cfg.ErrorThreshold, cfg.AdaptiveBatchThreshold)
	}
	if cfg.CircuitReset != time.Minute {
		t.Errorf("CircuitReset = %v, want 1m", cfg.CircuitReset)
	}
	if cfg.CircuitMinSamples != 20 {
		t.Errorf("CircuitMinSamples = %d, want 20", cfg.CircuitMinSamples)
	}
}

func TestLoadReconcilerValidation(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing token",
			env:     map[string]string{"FIRESTORE_PROJECT_ID": "p"},
			wantErr: "INGESTION_TOKEN",
		},
		{
			name:    "missing project",
			env:     map[string]string{"INGESTION_TOKEN": "s"},
			wantErr: "FIRESTORE_PROJECT_ID",
		},
		{
			name: "memory backend needs no project",
			env:  map[string]string{"INGESTION_TOKEN": "s", "STORE_BACKEND": "memory"},
		},
		{
			name: "batch size over store cap",
			env: map[string]string{
				"INGESTION_TOKEN": "s", "STORE_BACKEND": "memory",
				"FIRESTORE_BATCH_SIZE": "501",
			},
			wantErr: "FIRESTORE_BATCH_SIZE",
		},
		{
			name: "chunk size over store cap",
			env: map[string]string{
				"INGESTION_TOKEN": "s", "STORE_BACKEND": "memory",
				"QUERY_CHUNK_SIZE": "11",
			},
			wantErr: "QUERY_CHUNK_SIZE",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// Clear anything inherited from the caller's environment first.
			for _, k := range []string{"INGESTION_TOKEN", "FIRESTORE_PROJECT_ID", "STORE_BACKEND"} {
				t.Setenv(k, "")
			}
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			_, err := LoadReconciler()
			if c.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, c.wantErr)
			}
		})
	}
}

func TestLoadBridge(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("NORMALIZER_BASE_URL", "http://reconciler:8080/")
	t.Setenv("INGESTION_TOKEN", "secret")
	t.Setenv("BATCH_MAX_MS", "900")

	cfg, err := LoadBridge()
	if err != nil {
		t.Fatalf("LoadBridge: %v", err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "k1:9092" || cfg.Brokers[1] != "k2:9092" {
		t.Errorf("Brokers = %v", cfg.Brokers)
	}
	if cfg.NormalizerBaseURL != "http://reconciler:8080" {
		t.Errorf("NormalizerBaseURL = %q, want trailing slash stripped", cfg.NormalizerBaseURL)
	}
	if cfg.BatchMaxAge != 900*time.Millisecond {
		t.Errorf("BatchMaxAge = %v, want 900ms", cfg.BatchMaxAge)
	}
	if cfg.BatchMaxRows != 1000 || cfg.MaxRetries != 8 || cfg.Concurrency != 1 {
		t.Errorf("defaults = %d/%d/%d, want 1000/8/1", cfg.BatchMaxRows, cfg.MaxRetries, cfg.Concurrency)
	}
	if cfg.RetryBase != 500*time.Millisecond || cfg.RetryMax != 15*time.Second {
		t.Errorf("retry = %v/%v, want 500ms/15s", cfg.RetryBase, cfg.RetryMax)
	}
	if cfg.Port != 8081 {
		t.Errorf("Port = %d, want 8081", cfg.Port)
	}
}

func TestLoadBridgeMissingBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("NORMALIZER_BASE_URL", "http://reconciler:8080")
	t.Setenv("INGESTION_TOKEN", "secret")
	if _, err := LoadBridge(); err == nil || !strings.Contains(err.Error(), "KAFKA_BROKERS") {
		t.Fatalf("error = %v, want mention of KAFKA_BROKERS", err)
	}
}
