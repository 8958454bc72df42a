// Package config loads process configuration from flags, STATEMENT_EXTRACTOR_*
// environment variables and an optional plain config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/dvloznov/statement-extractor/internal/jobs/inmemory"
	"github.com/dvloznov/statement-extractor/internal/orchestrator"
	"github.com/dvloznov/statement-extractor/internal/pipeline"
	"github.com/dvloznov/statement-extractor/internal/rasterizer"
	"github.com/peterbourgon/ff/v4"
)

// EnvVarPrefix prefixes every environment variable, e.g.
// STATEMENT_EXTRACTOR_STORAGE_BACKEND.
const EnvVarPrefix = "STATEMENT_EXTRACTOR"

// Storage backends.
const (
	StorageBolt     = "bolt"
	StorageBigQuery = "bigquery"
	StoragePostgres = "postgres"
)

// Blob backends.
const (
	BlobLocal = "local"
	BlobGCS   = "gcs"
)

// Model providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Server struct {
	Addr           string
	MaxUploadBytes int64
	// ShutdownTimeout bounds graceful shutdown of HTTP and the job queue.
	ShutdownTimeout time.Duration
}

type Storage struct {
	Backend string

	BoltPath string

	BigQueryProject  string
	BigQueryDataset  string
	BigQueryLocation string

	PostgresDSN         string
	PostgresAutoMigrate bool
}

type Blob struct {
	Backend   string
	LocalDir  string
	GCSBucket string
}

type Extraction struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	APIVersion string

	MaxTokens     int
	Temperature   float64
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	CallTimeout   time.Duration
	FewShot       bool
}

type Orchestrator struct {
	Concurrency       int
	RequestsPerSecond float64
	Burst             int
	StatementTimeout  time.Duration
}

type Raster struct {
	DPI          int
	MaxPages     int
	MaxDimension int
	Grayscale    bool
	WorkDir      string
}

type Queue struct {
	Workers    int
	BufferSize int
	MaxRetries int
}

type Log struct {
	Level  string
	Format string
}

// Config is the full process configuration.
type Config struct {
	Server       Server
	Storage      Storage
	Blob         Blob
	Extraction   Extraction
	Orchestrator Orchestrator
	Raster       Raster
	Queue        Queue
	Log          Log
}

// Flags binds every setting to a flag set. Values are read with Config after
// the set has been parsed.
type Flags struct {
	cfg       Config
	uploadMB  *int
	noFewShot *bool
	strs      map[*string]*string
	ints      map[*int]*int
	floats    map[*float64]*float64
	durs      map[*time.Duration]*time.Duration
	bools     map[*bool]*bool
}

// Register adds the configuration flags to fs.
func Register(fs *ff.FlagSet) *Flags {
	f := &Flags{
		strs:   map[*string]*string{},
		ints:   map[*int]*int{},
		floats: map[*float64]*float64{},
		durs:   map[*time.Duration]*time.Duration{},
		bools:  map[*bool]*bool{},
	}
	c := &f.cfg
	ex := extraction.DefaultConfig()

	fs.StringLong("config", "", "Plain config file (one 'flag value' per line)")

	f.strFlag(fs, &c.Server.Addr, "addr", ":8080", "HTTP listen address")
	f.uploadMB = fs.IntLong("max-upload-mb", 32, "Maximum upload size in MB")
	f.durFlag(fs, &c.Server.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	f.strFlag(fs, &c.Storage.Backend, "storage-backend", StorageBolt, "Statement storage: bolt, bigquery or postgres")
	f.strFlag(fs, &c.Storage.BoltPath, "bolt-path", "statements.db", "BoltDB file path")
	f.strFlag(fs, &c.Storage.BigQueryProject, "bigquery-project", "", "GCP project of the BigQuery dataset")
	f.strFlag(fs, &c.Storage.BigQueryDataset, "bigquery-dataset", "statements", "BigQuery dataset name")
	f.strFlag(fs, &c.Storage.BigQueryLocation, "bigquery-location", "US", "BigQuery dataset location")
	f.strFlag(fs, &c.Storage.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN")
	f.boolFlag(fs, &c.Storage.PostgresAutoMigrate, "postgres-auto-migrate", "Run gorm AutoMigrate on startup")

	f.strFlag(fs, &c.Blob.Backend, "blob-backend", BlobLocal, "Uploaded file storage: local or gcs")
	f.strFlag(fs, &c.Blob.LocalDir, "blob-dir", "./uploads", "Local upload directory")
	f.strFlag(fs, &c.Blob.GCSBucket, "gcs-bucket", "", "GCS bucket for uploads")

	f.strFlag(fs, &c.Extraction.Provider, "provider", ProviderGemini, "Model provider: gemini or openai")
	f.strFlag(fs, &c.Extraction.Model, "model", "gemini-2.5-flash", "Vision model id")
	f.strFlag(fs, &c.Extraction.APIKey, "api-key", "", "Model API key")
	f.strFlag(fs, &c.Extraction.BaseURL, "base-url", "https://api.openai.com/v1", "OpenAI-compatible endpoint")
	f.strFlag(fs, &c.Extraction.APIVersion, "api-version", "", "Gemini API version")
	f.intFlag(fs, &c.Extraction.MaxTokens, "max-tokens", ex.MaxTokens, "Maximum output tokens per call")
	f.floatFlag(fs, &c.Extraction.Temperature, "temperature", float64(ex.Temperature), "Sampling temperature")
	f.intFlag(fs, &c.Extraction.MaxAttempts, "max-attempts", ex.MaxAttempts, "Model call attempts per page")
	f.durFlag(fs, &c.Extraction.RetryDelay, "retry-delay", ex.RetryDelay, "Base retry delay")
	f.durFlag(fs, &c.Extraction.MaxRetryDelay, "max-retry-delay", ex.MaxRetryDelay, "Maximum retry delay")
	f.durFlag(fs, &c.Extraction.CallTimeout, "call-timeout", ex.CallTimeout, "Timeout of one model call")
	f.noFewShot = fs.BoolLong("no-few-shot", "Omit worked examples from the prompt")

	f.intFlag(fs, &c.Orchestrator.Concurrency, "concurrency", orchestrator.DefaultConcurrency, "Pages extracted concurrently (1-8)")
	f.floatFlag(fs, &c.Orchestrator.RequestsPerSecond, "requests-per-second", 0, "Model call pacing, 0 disables")
	f.intFlag(fs, &c.Orchestrator.Burst, "burst", 1, "Pacing burst")
	f.durFlag(fs, &c.Orchestrator.StatementTimeout, "statement-timeout", pipeline.DefaultStatementTimeout, "Timeout of one statement")

	f.intFlag(fs, &c.Raster.DPI, "dpi", rasterizer.DefaultDPI, "Render resolution")
	f.intFlag(fs, &c.Raster.MaxPages, "max-pages", rasterizer.DefaultMaxPages, "Reject PDFs with more pages")
	f.intFlag(fs, &c.Raster.MaxDimension, "max-dimension", 0, "Down-fit page images to this many pixels, 0 keeps size")
	f.boolFlag(fs, &c.Raster.Grayscale, "grayscale", "Render pages in grayscale")
	f.strFlag(fs, &c.Raster.WorkDir, "work-dir", "", "Parent of per-statement temp directories")

	f.intFlag(fs, &c.Queue.Workers, "workers", inmemory.DefaultWorkers, "Statements processed concurrently")
	f.intFlag(fs, &c.Queue.BufferSize, "queue-size", 100, "Queued jobs before uploads block")
	f.intFlag(fs, &c.Queue.MaxRetries, "job-retries", 1, "Retries of a job whose result could not be stored")

	f.strFlag(fs, &c.Log.Level, "log-level", "info", "Log level")
	f.strFlag(fs, &c.Log.Format, "log-format", "console", "Log format: console or json")

	return f
}

func (f *Flags) strFlag(fs *ff.FlagSet, dst *string, name, def, usage string) {
	f.strs[dst] = fs.StringLong(name, def, usage)
}

func (f *Flags) intFlag(fs *ff.FlagSet, dst *int, name string, def int, usage string) {
	f.ints[dst] = fs.IntLong(name, def, usage)
}

func (f *Flags) floatFlag(fs *ff.FlagSet, dst *float64, name string, def float64, usage string) {
	f.floats[dst] = fs.Float64Long(name, def, usage)
}

func (f *Flags) durFlag(fs *ff.FlagSet, dst *time.Duration, name string, def time.Duration, usage string) {
	f.durs[dst] = fs.DurationLong(name, def, usage)
}

func (f *Flags) boolFlag(fs *ff.FlagSet, dst *bool, name, usage string) {
	f.bools[dst] = fs.BoolLong(name, usage)
}

// Config copies the parsed values and validates them.
func (f *Flags) Config() (*Config, error) {
	for dst, src := range f.strs {
		*dst = strings.TrimSpace(*src)
	}
	for dst, src := range f.ints {
		*dst = *src
	}
	for dst, src := range f.floats {
		*dst = *src
	}
	for dst, src := range f.durs {
		*dst = *src
	}
	for dst, src := range f.bools {
		*dst = *src
	}
	cfg := f.cfg
	cfg.Server.MaxUploadBytes = int64(*f.uploadMB) << 20
	cfg.Extraction.FewShot = !*f.noFewShot
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	cfg.Blob.Backend = strings.ToLower(cfg.Blob.Backend)
	cfg.Extraction.Provider = strings.ToLower(cfg.Extraction.Provider)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Options are the ff parse options shared by every command.
func Options() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(EnvVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	}
}

// Load parses args into a validated Config.
func Load(name string, args []string) (*Config, error) {
	fs := ff.NewFlagSet(name)
	flags := Register(fs)
	if err := ff.Parse(fs, args, Options()...); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return flags.Config()
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "addr is required")
	check(c.Server.MaxUploadBytes > 0, "max-upload-mb must be positive")

	switch c.Storage.Backend {
	case StorageBolt:
		check(c.Storage.BoltPath != "", "bolt-path is required for the bolt backend")
	case StorageBigQuery:
		check(c.Storage.BigQueryProject != "", "bigquery-project is required for the bigquery backend")
		check(c.Storage.BigQueryDataset != "", "bigquery-dataset is required for the bigquery backend")
	case StoragePostgres:
		check(c.Storage.PostgresDSN != "", "postgres-dsn is required for the postgres backend")
	default:
		check(false, "unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Blob.Backend {
	case BlobLocal:
		check(c.Blob.LocalDir != "", "blob-dir is required for the local blob backend")
	case BlobGCS:
		check(c.Blob.GCSBucket != "", "gcs-bucket is required for the gcs blob backend")
	default:
		check(false, "unknown blob backend %q", c.Blob.Backend)
	}

	switch c.Extraction.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		check(false, "unknown provider %q", c.Extraction.Provider)
	}
	check(c.Extraction.Model != "", "model is required")
	check(c.Extraction.MaxTokens > 0, "max-tokens must be positive")
	check(c.Extraction.Temperature >= 0 && c.Extraction.Temperature <= 2, "temperature must be within 0..2")
	check(c.Extraction.MaxAttempts >= 1, "max-attempts must be at least 1")
	check(c.Extraction.CallTimeout > 0, "call-timeout must be positive")
	check(c.Extraction.CallTimeout < c.Orchestrator.StatementTimeout,
		"call-timeout (%s) must be shorter than statement-timeout (%s)", c.Extraction.CallTimeout, c.Orchestrator.StatementTimeout)

	check(c.Orchestrator.Concurrency >= 1 && c.Orchestrator.Concurrency <= orchestrator.MaxConcurrency,
		"concurrency must be within 1..%d", orchestrator.MaxConcurrency)
	check(c.Orchestrator.RequestsPerSecond >= 0, "requests-per-second must not be negative")

	check(c.Raster.DPI >= 72 && c.Raster.DPI <= 600, "dpi must be within 72..600")
	check(c.Raster.MaxPages >= 1, "max-pages must be at least 1")
	check(c.Queue.Workers >= 1, "workers must be at least 1")
	check(c.Queue.BufferSize >= 1, "queue-size must be at least 1")
	check(c.Queue.MaxRetries > 0, "job-retries must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ExtractionConfig converts the settings for extraction.NewClient.
func (c *Config) ExtractionConfig() extraction.Config {
	return extraction.Config{
		MaxAttempts:   c.Extraction.MaxAttempts,
		RetryDelay:    c.Extraction.RetryDelay,
		MaxRetryDelay: c.Extraction.MaxRetryDelay,
		CallTimeout:   c.Extraction.CallTimeout,
		MaxTokens:     c.Extraction.MaxTokens,
		Temperature:   float32(c.Extraction.Temperature),
		FewShot:       c.Extraction.FewShot,
	}
}

// OrchestratorConfig converts the settings for orchestrator.New.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Concurrency:       c.Orchestrator.Concurrency,
		RequestsPerSecond: c.Orchestrator.RequestsPerSecond,
		Burst:             c.Orchestrator.Burst,
	}
}

// RasterOptions converts the settings for rasterizer.New.
func (c *Config) RasterOptions() rasterizer.Options {
	return rasterizer.Options{
		DPI:          float64(c.Raster.DPI),
		MaxPages:     c.Raster.MaxPages,
		MaxDimension: c.Raster.MaxDimension,
		Grayscale:    c.Raster.Grayscale,
		WorkDir:      c.Raster.WorkDir,
	}
}
