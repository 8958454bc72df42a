package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
)

const insertBatchSize = 500

// InsertTransactionsWithClient inserts rows in batches.
func InsertTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, rows []*TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	inserter := client.DatasetInProject(ds.Project, ds.Name).Table(transactionsTable).Inserter()
	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("InsertTransactionsWithClient: inserting rows %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// visibleTransactionsSQL joins transactions to the run each live statement
// points at. Rows of older or unfinished runs are never visible.
func visibleTransactionsSQL(ds Dataset) string {
	return fmt.Sprintf(`
		WITH live AS (%s)
		SELECT t.* FROM %s t
		INNER JOIN live s
		  ON t.statement_id = s.statement_id
		 AND t.run_id = s.current_run_id`, liveStatementsSQL(ds), ds.table(transactionsTable))
}

// transactionWhere builds the filter clause of a transaction query.
func transactionWhere(f store.TransactionFilter) (string, []bigquery.QueryParameter) {
	var (
		conds  []string
		params []bigquery.QueryParameter
	)
	add := func(cond, name string, value interface{}) {
		conds = append(conds, cond)
		params = append(params, bigquery.QueryParameter{Name: name, Value: value})
	}
	if f.StatementID != "" {
		add("statement_id = @statement_id", "statement_id", f.StatementID)
	}
	if f.Type != "" {
		add("type = @type", "type", string(f.Type))
	}
	if f.DateFrom != nil {
		add("transaction_date >= @date_from", "date_from", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("transaction_date <= @date_to", "date_to", *f.DateTo)
	}
	if f.MinAmount != nil {
		add("amount >= @min_amount", "min_amount", f.MinAmount.Rat())
	}
	if f.MaxAmount != nil {
		add("amount <= @max_amount", "max_amount", f.MaxAmount.Rat())
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		add("(STRPOS(LOWER(description), @search) > 0 OR STRPOS(LOWER(TO_JSON_STRING(data)), @search) > 0)",
			"search", strings.ToLower(q))
	}
	if len(conds) == 0 {
		return "TRUE", params
	}
	return strings.Join(conds, " AND "), params
}

func transactionOrder(f store.TransactionFilter) string {
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	pageOrder := "statement_id, page_number, row_index"
	switch f.SortBy {
	case store.SortByDate:
		return fmt.Sprintf("transaction_date %s NULLS LAST, %s", dir, pageOrder)
	case store.SortByAmount:
		return fmt.Sprintf("amount %s NULLS LAST, %s", dir, pageOrder)
	}
	return pageOrder
}

// ListTransactionRowsWithClient returns one page of visible transactions and
// the total number of matches.
func ListTransactionRowsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, f store.TransactionFilter) ([]*TransactionRow, int, error) {
	where, params := transactionWhere(f)

	total, err := countRows(ctx, client, fmt.Sprintf(`
		WITH visible AS (%s)
		SELECT COUNT(*) AS n FROM visible WHERE %s
	`, visibleTransactionsSQL(ds), where), params)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactionRowsWithClient: %w", err)
	}

	q := client.Query(fmt.Sprintf(`
		WITH visible AS (%s)
		SELECT * FROM visible
		WHERE %s
		ORDER BY %s
		LIMIT @limit OFFSET @offset
	`, visibleTransactionsSQL(ds), where, transactionOrder(f)))
	q.Parameters = append(params,
		bigquery.QueryParameter{Name: "limit", Value: store.NormalizeLimit(f.Limit)},
		bigquery.QueryParameter{Name: "offset", Value: max(f.Offset, 0)},
	)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactionRowsWithClient: query read: %w", err)
	}
	var rows []*TransactionRow
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("ListTransactionRowsWithClient: iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, total, nil
}

type summaryRow struct {
	Count       int64    `bigquery:"count"`
	CreditCount int64    `bigquery:"credit_count"`
	DebitCount  int64    `bigquery:"debit_count"`
	Credit      *big.Rat `bigquery:"credit"`
	Debit       *big.Rat `bigquery:"debit"`
}

// SummarizeTransactionsWithClient totals the visible transactions matching f.
func SummarizeTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, f store.TransactionFilter) (*store.Summary, error) {
	where, params := transactionWhere(f)
	q := client.Query(fmt.Sprintf(`
		WITH visible AS (%s)
		SELECT
			COUNT(*) AS count,
			COUNTIF(type = 'credit' AND amount IS NOT NULL) AS credit_count,
			COUNTIF(type = 'debit' AND amount IS NOT NULL) AS debit_count,
			IFNULL(SUM(IF(type = 'credit', amount, NULL)), 0) AS credit,
			IFNULL(SUM(IF(type = 'debit', amount, NULL)), 0) AS debit
		FROM visible
		WHERE %s
	`, visibleTransactionsSQL(ds), where))
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("SummarizeTransactionsWithClient: query read: %w", err)
	}
	var row summaryRow
	if err := it.Next(&row); err != nil {
		return nil, fmt.Errorf("SummarizeTransactionsWithClient: reading row: %w", err)
	}
	return row.summary(), nil
}

func (r summaryRow) summary() *store.Summary {
	s := &store.Summary{
		Count:       int(r.Count),
		CreditCount: int(r.CreditCount),
		DebitCount:  int(r.DebitCount),
		Credit:      decimal.Zero,
		Debit:       decimal.Zero,
	}
	if r.Credit != nil {
		s.Credit = ratToDecimal(r.Credit)
	}
	if r.Debit != nil {
		s.Debit = ratToDecimal(r.Debit)
	}
	s.Net = s.Credit.Sub(s.Debit)
	return s
}
