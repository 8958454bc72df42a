package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/dvloznov/statement-extractor/internal/config"
	infraBQ "github.com/dvloznov/statement-extractor/internal/infra/bigquery"
	"github.com/rs/zerolog"
)

func TestMigrationSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_test.sql"), []byte("SELECT 1"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		dir  string
		want int
	}{
		{"embedded", "", 2},
		{"directory", dir, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := infraBQ.ReadMigrations(migrationSource(tt.dir), infraBQ.Dataset{Project: "p", Name: "d"}, zerolog.Nop())
			if err != nil {
				t.Fatalf("ReadMigrations() error = %v", err)
			}
			if len(ms) != tt.want {
				t.Errorf("got %d migrations, want %d", len(ms), tt.want)
			}
		})
	}
}

func TestMigrationSource_EmbeddedIsReadable(t *testing.T) {
	entries, err := fs.ReadDir(migrationSource(""), ".")
	if err != nil || len(entries) == 0 {
		t.Fatalf("ReadDir() = %v, %v", entries, err)
	}
}

func TestRun_Bolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statements.db")
	cfg, err := config.Load("test", []string{"--storage-backend", "bolt", "--bolt-path", path})
	if err != nil {
		t.Fatal(err)
	}

	if err := run(context.Background(), cfg, options{dryRun: true}, zerolog.Nop()); err != nil {
		t.Fatalf("dry run error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("dry run created %s", path)
	}

	if err := run(context.Background(), cfg, options{}, zerolog.Nop()); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestRun_PostgresDryRun(t *testing.T) {
	cfg, err := config.Load("test", []string{"--storage-backend", "postgres", "--postgres-dsn", "postgres://unused"})
	if err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), cfg, options{dryRun: true}, zerolog.Nop()); err != nil {
		t.Errorf("dry run error = %v", err)
	}
}

func TestRun_UnknownBackend(t *testing.T) {
	cfg := &config.Config{Storage: config.Storage{Backend: "mongo"}}
	if err := run(context.Background(), cfg, options{}, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
