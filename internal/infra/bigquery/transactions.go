package bigquery

import (
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/shopspring/decimal"
)

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	StatementID   string `bigquery:"statement_id"`   // REQUIRED
	RunID         string `bigquery:"run_id"`         // REQUIRED

	PageNumber int64 `bigquery:"page_number"`
	RowIndex   int64 `bigquery:"row_index"`

	TransactionDate bigquery.NullDate   `bigquery:"transaction_date"` // NULLABLE
	Amount          *big.Rat            `bigquery:"amount,nullable"`  // NULLABLE NUMERIC
	Type            bigquery.NullString `bigquery:"type"`             // NULLABLE
	Description     string              `bigquery:"description"`

	Data bigquery.NullJSON `bigquery:"data"` // raw cells keyed by schema column

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

func newTransactionRow(t *domain.Transaction, runID string) (*TransactionRow, error) {
	data, err := nullJSON(t.Data)
	if err != nil {
		return nil, fmt.Errorf("newTransactionRow: data: %w", err)
	}
	row := &TransactionRow{
		TransactionID: t.ID,
		StatementID:   t.StatementID,
		RunID:         runID,
		PageNumber:    int64(t.PageNumber),
		RowIndex:      int64(t.RowIndex),
		Description:   t.Description,
		Data:          data,
		CreatedTS:     t.CreatedAt,
	}
	if t.TransactionDate != nil {
		row.TransactionDate = bigquery.NullDate{Date: *t.TransactionDate, Valid: true}
	}
	if t.Amount != nil {
		row.Amount = t.Amount.Rat()
	}
	if t.Type != "" {
		row.Type = bigquery.NullString{StringVal: string(t.Type), Valid: true}
	}
	return row, nil
}

// Transaction converts the row back into the domain model.
func (r *TransactionRow) Transaction() (*domain.Transaction, error) {
	t := &domain.Transaction{
		ID:          r.TransactionID,
		StatementID: r.StatementID,
		PageNumber:  int(r.PageNumber),
		RowIndex:    int(r.RowIndex),
		Description: r.Description,
		CreatedAt:   r.CreatedTS.UTC(),
		Data:        map[string]interface{}{},
	}
	if r.TransactionDate.Valid {
		d := r.TransactionDate.Date
		t.TransactionDate = &d
	}
	if r.Amount != nil {
		d := ratToDecimal(r.Amount)
		t.Amount = &d
	}
	if r.Type.Valid {
		t.Type = domain.TransactionType(r.Type.StringVal)
	}
	if r.Data.Valid {
		if err := decodeJSON(r.Data.JSONVal, &t.Data); err != nil {
			return nil, fmt.Errorf("TransactionRow.Transaction: data: %w", err)
		}
	}
	return t, nil
}

// ratToDecimal converts a NUMERIC value. NUMERIC has nine fractional digits.
func ratToDecimal(r *big.Rat) decimal.Decimal {
	return decimal.RequireFromString(r.FloatString(9))
}
