package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/jobs"
)

// waitForStatus polls the store until the job reaches want.
func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.ProcessStatementJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s status = %v, want %s", jobID, job, want)
	return nil
}

func TestQueue_ProcessesJobs(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, store, WithWorkers(2))

	var handled atomic.Int32
	err := q.Start(context.Background(), func(ctx context.Context, job *jobs.ProcessStatementJob) error {
		handled.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Close()

	job := &jobs.ProcessStatementJob{StatementID: "st-1"}
	if err := q.PublishProcessStatement(context.Background(), job); err != nil {
		t.Fatalf("PublishProcessStatement() error = %v", err)
	}
	if job.JobID == "" || job.MaxRetries != jobs.DefaultMaxRetries {
		t.Errorf("job defaults not applied: %+v", job)
	}

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Errorf("timestamps not set: %+v", done)
	}
	if handled.Load() != 1 {
		t.Errorf("handled = %d, want 1", handled.Load())
	}
}

func TestQueue_RetriesThenFails(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, store, WithBackoff(time.Millisecond))

	var calls atomic.Int32
	_ = q.Start(context.Background(), func(ctx context.Context, job *jobs.ProcessStatementJob) error {
		calls.Add(1)
		return errors.New("storage unavailable")
	})
	defer q.Close()

	job := &jobs.ProcessStatementJob{StatementID: "st-1", MaxRetries: 2}
	if err := q.PublishProcessStatement(context.Background(), job); err != nil {
		t.Fatalf("PublishProcessStatement() error = %v", err)
	}

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	if failed.RetryCount != 2 || calls.Load() != 3 {
		t.Errorf("retries = %d, calls = %d, want 2 and 3", failed.RetryCount, calls.Load())
	}
	if failed.Error != "storage unavailable" {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestQueue_PermanentErrorIsNotRetried(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, store, WithBackoff(time.Millisecond))

	var calls atomic.Int32
	_ = q.Start(context.Background(), func(ctx context.Context, job *jobs.ProcessStatementJob) error {
		calls.Add(1)
		return fmt.Errorf("statement gone: %w", jobs.ErrPermanent)
	})
	defer q.Close()

	job := &jobs.ProcessStatementJob{StatementID: "st-1"}
	_ = q.PublishProcessStatement(context.Background(), job)

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	if failed.RetryCount != 0 || calls.Load() != 1 {
		t.Errorf("retries = %d, calls = %d", failed.RetryCount, calls.Load())
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(1, nil)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.PublishProcessStatement(context.Background(), &jobs.ProcessStatementJob{}); err == nil {
		t.Error("PublishProcessStatement() on closed queue should fail")
	}
	if err := q.Start(context.Background(), nil); err == nil {
		t.Error("Start() on closed queue should fail")
	}
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, st := range []string{"a", "b", "a"} {
		_ = store.SaveJob(ctx, &jobs.ProcessStatementJob{
			JobID:       fmt.Sprintf("job-%d", i),
			StatementID: st,
			Status:      jobs.JobStatusPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}

	tests := []struct {
		name    string
		filter  jobs.JobFilter
		wantIDs []string
	}{
		{name: "all newest first", filter: jobs.JobFilter{}, wantIDs: []string{"job-2", "job-1", "job-0"}},
		{name: "by statement", filter: jobs.JobFilter{StatementID: "a"}, wantIDs: []string{"job-2", "job-0"}},
		{name: "limit and offset", filter: jobs.JobFilter{Limit: 1, Offset: 1}, wantIDs: []string{"job-1"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 5}, wantIDs: []string{}},
		{name: "by status", filter: jobs.JobFilter{Status: jobs.JobStatusFailed}, wantIDs: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListJobs() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("ListJobs() returned %d jobs, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].JobID != id {
					t.Errorf("job[%d] = %s, want %s", i, got[i].JobID, id)
				}
			}
		})
	}
}

func TestStore_GetJobNotFound(t *testing.T) {
	store := NewStore()
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
	if err := store.UpdateJobStatus(context.Background(), "missing", jobs.JobStatusFailed, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateJobStatus() error = %v, want ErrNotFound", err)
	}
	if err := store.SaveJob(context.Background(), &jobs.ProcessStatementJob{}); err == nil {
		t.Error("SaveJob() without id should fail")
	}
}
