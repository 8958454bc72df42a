package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

// PurgeStatementWithClient removes the transactions and runs of a deleted
// statement. Rows still in the streaming buffer cannot be deleted by DML, so
// callers treat a failure here as retryable; the tombstone version already
// hides the data.
func PurgeStatementWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, statementID string) error {
	// Delete in order: transactions, runs
	if err := deleteWhereStatement(ctx, client, ds, transactionsTable, statementID); err != nil {
		return fmt.Errorf("PurgeStatementWithClient: deleting transactions: %w", err)
	}
	if err := deleteWhereStatement(ctx, client, ds, runsTable, statementID); err != nil {
		return fmt.Errorf("PurgeStatementWithClient: deleting runs: %w", err)
	}
	return nil
}

func deleteWhereStatement(ctx context.Context, client *bigquery.Client, ds Dataset, table, statementID string) error {
	return runDDL(ctx, client, `
		DELETE FROM `+ds.table(table)+`
		WHERE statement_id = @statement_id
	`, []bigquery.QueryParameter{
		{Name: "statement_id", Value: statementID},
	})
}
