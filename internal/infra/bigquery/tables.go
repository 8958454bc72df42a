package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

// tableDefs lists the tables and the row types they are inferred from.
var tableDefs = []struct {
	name       string
	row        interface{}
	clustering []string
}{
	{statementsTable, StatementRow{}, []string{"statement_id"}},
	{transactionsTable, TransactionRow{}, []string{"statement_id", "run_id"}},
	{runsTable, RunRow{}, []string{"statement_id"}},
}

// EnsureTablesWithClient creates the dataset and any missing table. Existing
// tables are left untouched.
func EnsureTablesWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, location string) ([]string, error) {
	dataset := client.DatasetInProject(ds.Project, ds.Name)
	if _, err := dataset.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("EnsureTablesWithClient: dataset metadata: %w", err)
		}
		if err := dataset.Create(ctx, &bigquery.DatasetMetadata{Location: location}); err != nil {
			return nil, fmt.Errorf("EnsureTablesWithClient: creating dataset: %w", err)
		}
	}

	var created []string
	for _, def := range tableDefs {
		table := dataset.Table(def.name)
		if _, err := table.Metadata(ctx); err == nil {
			continue
		} else if !isNotFound(err) {
			return created, fmt.Errorf("EnsureTablesWithClient: %s metadata: %w", def.name, err)
		}

		schema, err := bigquery.InferSchema(def.row)
		if err != nil {
			return created, fmt.Errorf("EnsureTablesWithClient: inferring %s schema: %w", def.name, err)
		}
		meta := &bigquery.TableMetadata{
			Schema:     schema,
			Clustering: &bigquery.Clustering{Fields: def.clustering},
		}
		if err := table.Create(ctx, meta); err != nil {
			return created, fmt.Errorf("EnsureTablesWithClient: creating %s: %w", def.name, err)
		}
		created = append(created, def.name)
	}
	return created, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
