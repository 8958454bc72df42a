package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"google.golang.org/api/iterator"
)

// RunRow records one committed processing run.
type RunRow struct {
	RunID       string `bigquery:"run_id"`       // REQUIRED
	StatementID string `bigquery:"statement_id"` // REQUIRED

	StartedTS  bigquery.NullTimestamp `bigquery:"started_ts"`  // NULLABLE
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Status       string `bigquery:"status"`
	ErrorMessage string `bigquery:"error_message"`

	TokensInput  bigquery.NullInt64 `bigquery:"tokens_input"`
	TokensOutput bigquery.NullInt64 `bigquery:"tokens_output"`
	Transactions int64              `bigquery:"transactions"`

	CommittedTS time.Time `bigquery:"committed_ts"` // REQUIRED
}

func newRunRow(s *domain.Statement, runID string, transactions int, now time.Time) *RunRow {
	errMsg := s.ErrorMessage
	const maxLen = 2000
	if len(errMsg) > maxLen {
		errMsg = errMsg[:maxLen]
	}
	return &RunRow{
		RunID:        runID,
		StatementID:  s.ID,
		StartedTS:    nullTimestamp(s.ProcessingStartedAt),
		FinishedTS:   nullTimestamp(s.ProcessingCompletedAt),
		Status:       string(s.Status),
		ErrorMessage: errMsg,
		TokensInput:  bigquery.NullInt64{Int64: int64(s.TokenUsage.PromptTokens), Valid: true},
		TokensOutput: bigquery.NullInt64{Int64: int64(s.TokenUsage.CompletionTokens), Valid: true},
		Transactions: int64(transactions),
		CommittedTS:  now,
	}
}

// InsertRunWithClient records a committed run.
func InsertRunWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, row *RunRow) error {
	inserter := client.DatasetInProject(ds.Project, ds.Name).Table(runsTable).Inserter()
	if err := inserter.Put(ctx, row); err != nil {
		return fmt.Errorf("InsertRunWithClient: inserting row: %w", err)
	}
	return nil
}

// ListRunsWithClient returns the runs of a statement, most recent first.
func ListRunsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, statementID string) ([]*RunRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT * FROM %s
		WHERE statement_id = @statement_id
		ORDER BY committed_ts DESC
	`, ds.table(runsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "statement_id", Value: statementID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRunsWithClient: reading query: %w", err)
	}
	var rows []*RunRow
	for {
		var row RunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRunsWithClient: iterating: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}
