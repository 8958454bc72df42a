package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money movement.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Transaction is one normalized statement row.
// Data holds the raw cell values keyed by schema column; every schema column
// is present and missing cells are nil.
type Transaction struct {
	ID              string                 `json:"id"`
	StatementID     string                 `json:"statement_id"`
	PageNumber      int                    `json:"page_number"`
	RowIndex        int                    `json:"row_index"`
	TransactionDate *civil.Date            `json:"transaction_date"`
	Amount          *decimal.Decimal       `json:"amount"`
	Type            TransactionType        `json:"transaction_type,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Data            map[string]interface{} `json:"data"`
	CreatedAt       time.Time              `json:"created_at"`
}

// NewTransaction builds a transaction whose data keys are checked against the schema.
// Schema columns missing from data are filled with nil.
func NewTransaction(schema *TransactionSchema, statementID string, page, row int, data map[string]interface{}) (*Transaction, error) {
	if schema == nil {
		return nil, fmt.Errorf("NewTransaction: statement %s has no schema", statementID)
	}
	for key := range data {
		if !schema.Has(key) {
			return nil, fmt.Errorf("NewTransaction: page %d row %d: %q: %w", page, row, key, ErrUnknownColumn)
		}
	}
	full := make(map[string]interface{}, len(schema.Columns))
	for _, key := range schema.Columns {
		full[key] = data[key]
	}
	return &Transaction{
		ID:          uuid.NewString(),
		StatementID: statementID,
		PageNumber:  page,
		RowIndex:    row,
		Data:        full,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// SignedAmount returns the amount with debits negated, or zero when unknown.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Amount == nil {
		return decimal.Zero
	}
	if t.Type == TransactionDebit {
		return t.Amount.Neg()
	}
	return *t.Amount
}
