// Package bigquery stores statements in BigQuery.
//
// Statements are append-only versions; a write never updates a row in place.
// Each SaveResult inserts its transactions under a fresh run id and then
// appends a statement version pointing at that run, so readers see either
// the previous run's transactions or the new ones, never a mix.
package bigquery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Repository is the BigQuery implementation of store.Repository.
type Repository struct {
	client *bigquery.Client
	ds     Dataset
	log    zerolog.Logger

	mu          sync.Mutex
	lastVersion int64
	now         func() time.Time

	// schemaMu serializes column metadata read-modify-writes.
	schemaMu sync.Mutex
}

var _ store.Repository = (*Repository)(nil)

// NewRepository creates a BigQuery client for the project and wraps it.
func NewRepository(ctx context.Context, ds Dataset, log zerolog.Logger, opts ...option.ClientOption) (*Repository, error) {
	client, err := bigquery.NewClient(ctx, ds.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return NewRepositoryWithClient(client, ds, log), nil
}

// NewRepositoryWithClient wraps an existing client.
func NewRepositoryWithClient(client *bigquery.Client, ds Dataset, log zerolog.Logger) *Repository {
	return &Repository{
		client: client,
		ds:     ds,
		log:    log.With().Str("component", "bigquery").Logger(),
		now:    time.Now,
	}
}

// Client exposes the underlying client for table management.
func (r *Repository) Client() *bigquery.Client {
	return r.client
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// nextVersion returns a strictly increasing version for this process.
func (r *Repository) nextVersion() (int64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	v := now.UnixNano()
	if v <= r.lastVersion {
		v = r.lastVersion + 1
	}
	r.lastVersion = v
	return v, now
}

func (r *Repository) putVersion(ctx context.Context, s *domain.Statement, runID string, deleted bool) error {
	version, now := r.nextVersion()
	row, err := newStatementRow(s, runID, version, now)
	if err != nil {
		return err
	}
	row.Deleted = deleted
	return InsertStatementVersionWithClient(ctx, r.client, r.ds, row)
}

func (r *Repository) CreateStatement(ctx context.Context, stmt *domain.Statement) error {
	existing, err := FindStatementRowByHashWithClient(ctx, r.client, r.ds, stmt.FileHash)
	if err != nil {
		return fmt.Errorf("CreateStatement: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("CreateStatement: hash %s is statement %s: %w", stmt.FileHash, existing.StatementID, domain.ErrDuplicate)
	}
	if err := r.putVersion(ctx, stmt, "", false); err != nil {
		return fmt.Errorf("CreateStatement: %w", err)
	}
	return nil
}

func (r *Repository) GetStatement(ctx context.Context, id string) (*domain.Statement, error) {
	row, err := GetStatementRowWithClient(ctx, r.client, r.ds, id)
	if err != nil {
		return nil, fmt.Errorf("GetStatement: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("GetStatement: statement %s: %w", id, domain.ErrNotFound)
	}
	return row.Statement()
}

func (r *Repository) FindStatementByHash(ctx context.Context, hash string) (*domain.Statement, error) {
	row, err := FindStatementRowByHashWithClient(ctx, r.client, r.ds, hash)
	if err != nil {
		return nil, fmt.Errorf("FindStatementByHash: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("FindStatementByHash: hash %s: %w", hash, domain.ErrNotFound)
	}
	return row.Statement()
}

func (r *Repository) ListStatements(ctx context.Context, f store.StatementFilter) ([]*domain.Statement, int, error) {
	rows, total, err := ListStatementRowsWithClient(ctx, r.client, r.ds, f)
	if err != nil {
		return nil, 0, fmt.Errorf("ListStatements: %w", err)
	}
	out := make([]*domain.Statement, 0, len(rows))
	for _, row := range rows {
		s, err := row.Statement()
		if err != nil {
			return nil, 0, fmt.Errorf("ListStatements: %w", err)
		}
		out = append(out, s)
	}
	return out, total, nil
}

// MarkProcessing appends a version that keeps the current run visible.
func (r *Repository) MarkProcessing(ctx context.Context, stmt *domain.Statement) error {
	row, err := GetStatementRowWithClient(ctx, r.client, r.ds, stmt.ID)
	if err != nil {
		return fmt.Errorf("MarkProcessing: %w", err)
	}
	if row == nil {
		return fmt.Errorf("MarkProcessing: statement %s: %w", stmt.ID, domain.ErrNotFound)
	}
	if err := r.putVersion(ctx, stmt, row.CurrentRunID, false); err != nil {
		return fmt.Errorf("MarkProcessing: %w", err)
	}
	return nil
}

// SaveResult inserts the transactions of a new run, then commits the run by
// appending the statement version that points at it.
func (r *Repository) SaveResult(ctx context.Context, stmt *domain.Statement, txs []*domain.Transaction) error {
	runID := uuid.NewString()

	rows := make([]*TransactionRow, 0, len(txs))
	for _, t := range txs {
		row, err := newTransactionRow(t, runID)
		if err != nil {
			return fmt.Errorf("SaveResult: %w", err)
		}
		rows = append(rows, row)
	}
	if err := InsertTransactionsWithClient(ctx, r.client, r.ds, rows); err != nil {
		return fmt.Errorf("SaveResult: %w", err)
	}
	if err := r.putVersion(ctx, stmt, runID, false); err != nil {
		return fmt.Errorf("SaveResult: %w", err)
	}

	_, now := r.nextVersion()
	if err := InsertRunWithClient(ctx, r.client, r.ds, newRunRow(stmt, runID, len(txs), now)); err != nil {
		// The statement is committed; the run row is an audit record only.
		r.log.Warn().Err(err).Str("statement_id", stmt.ID).Str("run_id", runID).Msg("recording run")
	}
	return nil
}

// UpdateColumnMetadata appends a version carrying the merged metadata.
// BigQuery has no row locks, so edits are serialized within this process.
func (r *Repository) UpdateColumnMetadata(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	row, err := GetStatementRowWithClient(ctx, r.client, r.ds, id)
	if err != nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: statement %s: %w", id, domain.ErrNotFound)
	}
	stmt, err := row.Statement()
	if err != nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: %w", err)
	}
	if stmt.TransactionSchema == nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: statement %s: %w", id, domain.ErrNoSchema)
	}
	if err := stmt.TransactionSchema.ApplyColumnMetadata(updates); err != nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: %w", err)
	}
	if err := r.putVersion(ctx, stmt, row.CurrentRunID, false); err != nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: %w", err)
	}
	return stmt.TransactionSchema, nil
}

// DeleteStatement appends a tombstone version, then purges the statement's
// transactions where BigQuery allows it.
func (r *Repository) DeleteStatement(ctx context.Context, id string) error {
	row, err := GetStatementRowWithClient(ctx, r.client, r.ds, id)
	if err != nil {
		return fmt.Errorf("DeleteStatement: %w", err)
	}
	if row == nil {
		return fmt.Errorf("DeleteStatement: statement %s: %w", id, domain.ErrNotFound)
	}
	stmt, err := row.Statement()
	if err != nil {
		return fmt.Errorf("DeleteStatement: %w", err)
	}
	if err := r.putVersion(ctx, stmt, "", true); err != nil {
		return fmt.Errorf("DeleteStatement: %w", err)
	}
	if err := PurgeStatementWithClient(ctx, r.client, r.ds, id); err != nil {
		r.log.Warn().Err(err).Str("statement_id", id).Msg("purge deferred")
	}
	return nil
}

func (r *Repository) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*domain.Transaction, int, error) {
	rows, total, err := ListTransactionRowsWithClient(ctx, r.client, r.ds, f)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", err)
	}
	out := make([]*domain.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := row.Transaction()
		if err != nil {
			return nil, 0, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, t)
	}
	return out, total, nil
}

func (r *Repository) SummarizeTransactions(ctx context.Context, f store.TransactionFilter) (*store.Summary, error) {
	s, err := SummarizeTransactionsWithClient(ctx, r.client, r.ds, f)
	if err != nil {
		return nil, fmt.Errorf("SummarizeTransactions: %w", err)
	}
	return s, nil
}
