package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/store"
	"google.golang.org/api/iterator"
)

const (
	statementsTable   = "statements"
	transactionsTable = "transactions"
	runsTable         = "processing_runs"
)

// Dataset names the project and dataset holding the tables.
type Dataset struct {
	Project string
	Name    string
}

func (d Dataset) table(name string) string {
	return "`" + d.Project + "." + d.Name + "." + name + "`"
}

// liveStatementsSQL selects the latest version of every statement that has
// not been deleted.
func liveStatementsSQL(ds Dataset) string {
	return fmt.Sprintf(`
		SELECT * FROM (
			SELECT * FROM %s
			WHERE TRUE
			QUALIFY ROW_NUMBER() OVER (PARTITION BY statement_id ORDER BY version DESC) = 1
		)
		WHERE NOT deleted`, ds.table(statementsTable))
}

// InsertStatementVersionWithClient appends a statement version.
func InsertStatementVersionWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, row *StatementRow) error {
	inserter := client.DatasetInProject(ds.Project, ds.Name).Table(statementsTable).Inserter()
	if err := inserter.Put(ctx, row); err != nil {
		return fmt.Errorf("InsertStatementVersionWithClient: inserting row: %w", err)
	}
	return nil
}

// GetStatementRowWithClient returns the live version of a statement, or nil
// when there is none.
func GetStatementRowWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, id string) (*StatementRow, error) {
	q := client.Query(fmt.Sprintf(`
		WITH live AS (%s)
		SELECT * FROM live
		WHERE statement_id = @statement_id
	`, liveStatementsSQL(ds)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "statement_id", Value: id},
	}
	return readOneStatement(ctx, q, "GetStatementRowWithClient")
}

// FindStatementRowByHashWithClient returns the live statement with the given
// file hash, or nil when there is none.
func FindStatementRowByHashWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, hash string) (*StatementRow, error) {
	q := client.Query(fmt.Sprintf(`
		WITH live AS (%s)
		SELECT * FROM live
		WHERE file_hash = @file_hash
		ORDER BY upload_ts
		LIMIT 1
	`, liveStatementsSQL(ds)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "file_hash", Value: hash},
	}
	return readOneStatement(ctx, q, "FindStatementRowByHashWithClient")
}

func readOneStatement(ctx context.Context, q *bigquery.Query, caller string) (*StatementRow, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: reading query: %w", caller, err)
	}
	var row StatementRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: reading row: %w", caller, err)
	}
	return &row, nil
}

// statementWhere builds the filter clause of a statement listing.
func statementWhere(f store.StatementFilter) (string, []bigquery.QueryParameter) {
	var (
		conds  []string
		params []bigquery.QueryParameter
	)
	if f.Status != "" {
		conds = append(conds, "status = @status")
		params = append(params, bigquery.QueryParameter{Name: "status", Value: string(f.Status)})
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		conds = append(conds, `(
			STRPOS(LOWER(original_filename), @search) > 0
			OR STRPOS(LOWER(IFNULL(JSON_VALUE(bank_details, '$.bank_name'), '')), @search) > 0
			OR STRPOS(LOWER(IFNULL(JSON_VALUE(customer_details, '$.account_number'), '')), @search) > 0
			OR STRPOS(LOWER(IFNULL(JSON_VALUE(customer_details, '$.account_holder_name'), '')), @search) > 0)`)
		params = append(params, bigquery.QueryParameter{Name: "search", Value: strings.ToLower(q)})
	}
	if len(conds) == 0 {
		return "TRUE", params
	}
	return strings.Join(conds, " AND "), params
}

// ListStatementRowsWithClient returns one page of live statements, newest
// upload first, and the total number of matches.
func ListStatementRowsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, f store.StatementFilter) ([]*StatementRow, int, error) {
	where, params := statementWhere(f)

	total, err := countRows(ctx, client, fmt.Sprintf(`
		WITH live AS (%s)
		SELECT COUNT(*) AS n FROM live WHERE %s
	`, liveStatementsSQL(ds), where), params)
	if err != nil {
		return nil, 0, fmt.Errorf("ListStatementRowsWithClient: %w", err)
	}

	q := client.Query(fmt.Sprintf(`
		WITH live AS (%s)
		SELECT * FROM live
		WHERE %s
		ORDER BY upload_ts DESC, statement_id
		LIMIT @limit OFFSET @offset
	`, liveStatementsSQL(ds), where))
	q.Parameters = append(params,
		bigquery.QueryParameter{Name: "limit", Value: store.NormalizeLimit(f.Limit)},
		bigquery.QueryParameter{Name: "offset", Value: max(f.Offset, 0)},
	)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("ListStatementRowsWithClient: reading query: %w", err)
	}
	var rows []*StatementRow
	for {
		var row StatementRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("ListStatementRowsWithClient: iterating: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, total, nil
}

func countRows(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) (int, error) {
	q := client.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: reading query: %w", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return 0, fmt.Errorf("count: reading row: %w", err)
	}
	return int(row.N), nil
}
