package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeProcessStatement runs the extraction pipeline for one statement.
	JobTypeProcessStatement JobType = "process_statement"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// DefaultMaxRetries applies when a job does not set MaxRetries.
const DefaultMaxRetries = 3

// ErrPermanent marks a handler error that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// ProcessStatementJob asks a worker to process a stored statement.
type ProcessStatementJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// StatementID is the statement to process.
	StatementID string `json:"statement_id"`

	// Reprocess is set when the statement was processed before.
	Reprocess bool `json:"reprocess,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *ProcessStatementJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *ProcessStatementJob) GetType() JobType {
	return JobTypeProcessStatement
}

// GetStatus implements the Job interface.
func (j *ProcessStatementJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishProcessStatement enqueues a statement processing job.
	PublishProcessStatement(ctx context.Context, job *ProcessStatementJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// An error is retried unless it wraps ErrPermanent.
type JobHandler func(ctx context.Context, job *ProcessStatementJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *ProcessStatementJob) error

	// GetJob retrieves a job by ID. A missing job wraps domain.ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*ProcessStatementJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*ProcessStatementJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// StatementID filters jobs by statement.
	StatementID string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
