package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("test", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != StorageBolt || cfg.Blob.Backend != BlobLocal {
		t.Errorf("backends = %s/%s", cfg.Storage.Backend, cfg.Blob.Backend)
	}
	if cfg.Extraction.MaxTokens != 8192 || cfg.Raster.DPI != 300 || cfg.Raster.MaxPages != 100 {
		t.Errorf("extraction/raster defaults = %+v %+v", cfg.Extraction, cfg.Raster)
	}
	if !cfg.Extraction.FewShot {
		t.Error("few-shot examples should be on by default")
	}
	if cfg.Queue.Workers != 2 || cfg.Orchestrator.Concurrency != 4 {
		t.Errorf("workers = %d, concurrency = %d", cfg.Queue.Workers, cfg.Orchestrator.Concurrency)
	}
	if cfg.Server.MaxUploadBytes != 32<<20 {
		t.Errorf("max upload = %d", cfg.Server.MaxUploadBytes)
	}

	ex := cfg.ExtractionConfig()
	if ex.Temperature < 0.09 || ex.Temperature > 0.11 {
		t.Errorf("temperature = %v", ex.Temperature)
	}
}

func TestLoad_Sources(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "extractor.conf")
	content := "storage-backend postgres\npostgres-dsn host=db user=x\nconcurrency 6\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STATEMENT_EXTRACTOR_WORKERS", "5")
	t.Setenv("STATEMENT_EXTRACTOR_LOG_FORMAT", "json")

	cfg, err := Load("test", []string{"--config", file, "--concurrency", "3", "--no-few-shot"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != StoragePostgres || cfg.Storage.PostgresDSN != "host=db user=x" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Orchestrator.Concurrency != 3 {
		t.Errorf("concurrency = %d, want flag value 3", cfg.Orchestrator.Concurrency)
	}
	if cfg.Queue.Workers != 5 || cfg.Log.Format != "json" {
		t.Errorf("env values not applied: workers=%d format=%s", cfg.Queue.Workers, cfg.Log.Format)
	}
	if cfg.Extraction.FewShot {
		t.Error("--no-few-shot should disable examples")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown storage", args: []string{"--storage-backend", "mongo"}, wantErr: `unknown storage backend "mongo"`},
		{name: "bigquery without project", args: []string{"--storage-backend", "bigquery"}, wantErr: "bigquery-project is required"},
		{name: "gcs without bucket", args: []string{"--blob-backend", "gcs"}, wantErr: "gcs-bucket is required"},
		{name: "unknown provider", args: []string{"--provider", "llama"}, wantErr: `unknown provider "llama"`},
		{name: "concurrency too high", args: []string{"--concurrency", "9"}, wantErr: "concurrency must be within 1..8"},
		{name: "call timeout too long", args: []string{"--call-timeout", "20m", "--statement-timeout", "15m"}, wantErr: "must be shorter than statement-timeout"},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("test", tt.args)
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Storage:      Storage{Backend: "x"},
		Blob:         Blob{Backend: "y"},
		Orchestrator: Orchestrator{StatementTimeout: time.Minute},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"addr is required", "unknown storage backend", "unknown blob backend", "model is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}
