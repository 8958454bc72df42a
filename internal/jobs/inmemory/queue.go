package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/statement-extractor/internal/jobs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWorkers is the number of statements processed at once.
const DefaultWorkers = 2

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// Pending jobs are lost on restart.
type Queue struct {
	jobChan   chan *jobs.ProcessStatementJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool

	workers int
	backoff time.Duration
	log     zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithBackoff sets the base retry delay; retry n waits n times this.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) { q.backoff = d }
}

// WithLogger sets the queue's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// NewQueue creates a new in-memory job queue.
// bufferSize determines how many jobs can be queued before PublishProcessStatement blocks.
func NewQueue(bufferSize int, store jobs.JobStore, opts ...Option) *Queue {
	q := &Queue{
		jobChan:   make(chan *jobs.ProcessStatementJob, bufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		workers:   DefaultWorkers,
		backoff:   time.Second,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With().Str("component", "job_queue").Logger()
	return q
}

// PublishProcessStatement implements the Publisher interface.
func (q *Queue) PublishProcessStatement(ctx context.Context, job *jobs.ProcessStatementJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return fmt.Errorf("queue is closed")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = jobs.DefaultMaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		q.log.Debug().Str("job_id", job.JobID).Str("statement_id", job.StatementID).Msg("Job enqueued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start implements the Consumer interface.
// The handler is called concurrently for each job, up to the configured number of workers.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.log.Info().Int("workers", q.workers).Msg("Job queue started")

	return nil
}

// worker processes jobs from the queue.
func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}

			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job with retry logic.
func (q *Queue) processJob(ctx context.Context, job *jobs.ProcessStatementJob, handler jobs.JobHandler) {
	log := q.log.With().Str("job_id", job.JobID).Str("statement_id", job.StatementID).Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job)

	err := handler(ctx, job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Dur("duration", completedAt.Sub(now)).Msg("Job completed")
	case errors.Is(err, jobs.ErrPermanent) || job.RetryCount >= job.MaxRetries || ctx.Err() != nil:
		job.Error = err.Error()
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Int("retries", job.RetryCount).Msg("Job failed")
	default:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying

		backoff := time.Duration(job.RetryCount) * q.backoff
		log.Warn().Err(err).Int("retry", job.RetryCount).Dur("backoff", backoff).Msg("Job will be retried")
		q.save(ctx, job)
		time.AfterFunc(backoff, func() {
			job.Status = jobs.JobStatusPending
			job.StartedAt = nil
			job.CompletedAt = nil
			if perr := q.PublishProcessStatement(ctx, job); perr != nil {
				job.Status = jobs.JobStatusFailed
				q.save(context.Background(), job)
			}
		})
		return
	}

	q.save(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *jobs.ProcessStatementJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		q.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Saving job state")
	}
}

// Stop implements the Consumer interface.
// It stops the queue and waits for all in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
