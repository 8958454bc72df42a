// Package app builds the service's components from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dvloznov/statement-extractor/internal/api"
	"github.com/dvloznov/statement-extractor/internal/api/handlers"
	"github.com/dvloznov/statement-extractor/internal/assembler"
	"github.com/dvloznov/statement-extractor/internal/blobstore"
	"github.com/dvloznov/statement-extractor/internal/config"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	infraBQ "github.com/dvloznov/statement-extractor/internal/infra/bigquery"
	"github.com/dvloznov/statement-extractor/internal/jobs"
	"github.com/dvloznov/statement-extractor/internal/jobs/inmemory"
	"github.com/dvloznov/statement-extractor/internal/orchestrator"
	"github.com/dvloznov/statement-extractor/internal/pipeline"
	"github.com/dvloznov/statement-extractor/internal/rasterizer"
	"github.com/dvloznov/statement-extractor/internal/reconcile"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/dvloznov/statement-extractor/internal/store/bolt"
	"github.com/dvloznov/statement-extractor/internal/store/postgres"
	"github.com/rs/zerolog"
)

// App holds the long-lived clients of one process. The extraction side is
// built on first use so that commands which only read records need no model
// credentials.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	Repo      store.Repository
	Blobs     blobstore.Store
	Assembler *assembler.Assembler

	processor *pipeline.Processor
	jobStore  *inmemory.Store
	queue     *inmemory.Queue
	closers   []func() error
}

// New opens the configured repository and blob store.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	repo, err := OpenRepository(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	blobs, closeBlobs, err := OpenBlobStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("New: %w", err)
	}
	a.Blobs = blobs
	if closeBlobs != nil {
		a.closers = append(a.closers, closeBlobs)
	}

	reconciler := reconcile.New(reconcile.DefaultRegistry(), 0)
	a.Assembler = assembler.New(reconciler, repo, log)
	return a, nil
}

// OpenRepository opens the statement repository selected by the storage backend.
func OpenRepository(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Repository, error) {
	switch cfg.Storage.Backend {
	case config.StorageBolt:
		s, err := bolt.Open(cfg.Storage.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("OpenRepository: %w", err)
		}
		return s, nil
	case config.StorageBigQuery:
		ds := infraBQ.Dataset{Project: cfg.Storage.BigQueryProject, Name: cfg.Storage.BigQueryDataset}
		r, err := infraBQ.NewRepository(ctx, ds, log)
		if err != nil {
			return nil, fmt.Errorf("OpenRepository: %w", err)
		}
		return r, nil
	case config.StoragePostgres:
		s, err := postgres.Open(cfg.Storage.PostgresDSN, cfg.Storage.PostgresAutoMigrate, log)
		if err != nil {
			return nil, fmt.Errorf("OpenRepository: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("OpenRepository: unknown storage backend %q", cfg.Storage.Backend)
}

// OpenBlobStore opens the blob store selected by the blob backend. The
// returned close function may be nil.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, func() error, error) {
	switch cfg.Blob.Backend {
	case config.BlobLocal:
		l, err := blobstore.NewLocal(cfg.Blob.LocalDir)
		if err != nil {
			return nil, nil, fmt.Errorf("OpenBlobStore: %w", err)
		}
		return l, nil, nil
	case config.BlobGCS:
		g, err := blobstore.NewGCS(ctx, cfg.Blob.GCSBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("OpenBlobStore: %w", err)
		}
		return g, g.Close, nil
	}
	return nil, nil, fmt.Errorf("OpenBlobStore: unknown blob backend %q", cfg.Blob.Backend)
}

// NewModel creates the model backend selected by the provider.
func NewModel(ctx context.Context, cfg *config.Config) (extraction.Model, error) {
	switch cfg.Extraction.Provider {
	case config.ProviderGemini:
		return extraction.NewGemini(ctx, extraction.GeminiConfig{
			APIKey:     cfg.Extraction.APIKey,
			Model:      cfg.Extraction.Model,
			APIVersion: cfg.Extraction.APIVersion,
		})
	case config.ProviderOpenAI:
		return extraction.NewOpenAI(extraction.OpenAIConfig{
			BaseURL: cfg.Extraction.BaseURL,
			APIKey:  cfg.Extraction.APIKey,
			Model:   cfg.Extraction.Model,
		})
	}
	return nil, fmt.Errorf("NewModel: unknown provider %q", cfg.Extraction.Provider)
}

// Processor returns the statement processor, building the model client,
// rasterizer and orchestrator on the first call.
func (a *App) Processor(ctx context.Context) (*pipeline.Processor, error) {
	if a.processor != nil {
		return a.processor, nil
	}
	model, err := NewModel(ctx, a.Config)
	if err != nil {
		return nil, fmt.Errorf("Processor: %w", err)
	}
	client := extraction.NewClient(model, a.Config.ExtractionConfig(), a.Log)
	a.processor = pipeline.NewProcessor(pipeline.Deps{
		Store:     a.Repo,
		Blobs:     a.Blobs,
		Source:    pipeline.RasterSource{Rasterizer: rasterizer.New(a.Config.RasterOptions())},
		Runner:    orchestrator.New(client, a.Config.OrchestratorConfig(), a.Log),
		Assembler: a.Assembler,
	}, a.Config.Orchestrator.StatementTimeout, a.Log)

	a.Log.Info().
		Str("provider", a.Config.Extraction.Provider).
		Str("model", model.Name()).
		Int("concurrency", a.Config.Orchestrator.Concurrency).
		Msg("Extraction pipeline ready")
	return a.processor, nil
}

// HandleJob processes the statement of a queued job. Errors that a retry
// cannot fix are marked permanent.
func (a *App) HandleJob(ctx context.Context, job *jobs.ProcessStatementJob) error {
	p, err := a.Processor(ctx)
	if err != nil {
		return fmt.Errorf("HandleJob: %w: %w", jobs.ErrPermanent, err)
	}
	if err := p.Process(ctx, job.StatementID); err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("HandleJob: %w: %w", jobs.ErrPermanent, err)
		}
		return fmt.Errorf("HandleJob: %w", err)
	}
	return nil
}

// Queue returns the job queue and its store, creating them on the first call.
func (a *App) Queue() (*inmemory.Queue, *inmemory.Store) {
	if a.queue == nil {
		a.jobStore = inmemory.NewStore()
		a.queue = inmemory.NewQueue(a.Config.Queue.BufferSize, a.jobStore,
			inmemory.WithWorkers(a.Config.Queue.Workers),
			inmemory.WithLogger(a.Log))
		a.closers = append(a.closers, a.queue.Close)
	}
	return a.queue, a.jobStore
}

// Router builds the HTTP API over the app's components.
func (a *App) Router() http.Handler {
	queue, jobStore := a.Queue()
	return api.NewRouter(api.Handlers{
		Statements: handlers.NewStatementsHandler(a.Repo, a.Blobs, queue, a.Assembler, handlers.StatementsConfig{
			MaxUploadBytes: a.Config.Server.MaxUploadBytes,
			JobMaxRetries:  a.Config.Queue.MaxRetries,
		}, a.Log),
		Transactions: handlers.NewTransactionsHandler(a.Repo, a.Log),
		Jobs:         handlers.NewJobsHandler(jobStore, a.Log),
	}, a.Log)
}

// Close releases every client in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
