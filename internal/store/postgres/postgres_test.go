package postgres

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestStatementModel_RoundTrip(t *testing.T) {
	started := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	in := &domain.Statement{
		ID:                  "st-1",
		OriginalFilename:    "jan.pdf",
		FileHash:            "abc",
		UploadDate:          started,
		Status:              domain.StatusProcessing,
		ProcessingStartedAt: &started,
		BankDetails:         domain.Details{"bank_name": "State Bank"},
		TokenUsage:          domain.NewTokenUsage(10, 5),
		TransactionSchema: &domain.TransactionSchema{
			Columns:        []string{"amount"},
			ColumnMetadata: map[string]domain.ColumnMeta{"amount": {Type: domain.ColumnCurrency, DisplayName: "Amount"}},
		},
	}

	m, err := newStatementModel(in)
	if err != nil {
		t.Fatalf("newStatementModel() error = %v", err)
	}
	if m.ConfidenceScores != nil || m.ValidationErrors != nil {
		t.Error("nil values should be stored as NULL")
	}

	out, err := m.Statement()
	if err != nil {
		t.Fatalf("Statement() error = %v", err)
	}
	if out.Status != domain.StatusProcessing || out.TokenUsage.TotalTokens != 15 {
		t.Errorf("statement = %+v", out)
	}
	if out.CustomerDetails == nil {
		t.Error("customer details should default to an empty map")
	}
	if out.TransactionSchema.TypeOf("amount") != domain.ColumnCurrency {
		t.Errorf("schema = %+v", out.TransactionSchema)
	}
}

func TestTransactionModel_RoundTrip(t *testing.T) {
	d := civil.Date{Year: 2024, Month: 3, Day: 9}
	amt := decimal.RequireFromString("-12.34")
	in := &domain.Transaction{
		ID: "tx-1", StatementID: "st-1", PageNumber: 1, RowIndex: 4,
		TransactionDate: &d, Amount: &amt, Type: domain.TransactionDebit,
		Data: map[string]interface{}{"amount": json.Number("-12.34")},
	}

	m, err := newTransactionModel(in)
	if err != nil {
		t.Fatalf("newTransactionModel() error = %v", err)
	}
	out, err := m.Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if *out.TransactionDate != d || !out.Amount.Equal(amt) {
		t.Errorf("transaction = %+v", out)
	}
	if out.Data["amount"] != json.Number("-12.34") {
		t.Errorf("data amount = %#v", out.Data["amount"])
	}

	m, _ = newTransactionModel(&domain.Transaction{ID: "tx-2"})
	out, _ = m.Transaction()
	if out.Amount != nil || out.TransactionDate != nil {
		t.Errorf("empty transaction = %+v", out)
	}
}

func dryRun(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return db
}

func TestTransactionScope(t *testing.T) {
	db := dryRun(t)
	from := civil.Date{Year: 2024, Month: 1, Day: 1}
	min := decimal.RequireFromString("10")

	tests := []struct {
		name   string
		filter store.TransactionFilter
		want   []string
	}{
		{name: "empty", filter: store.TransactionFilter{}, want: []string{`FROM "transactions"`}},
		{
			name:   "statement and type",
			filter: store.TransactionFilter{StatementID: "st-1", Type: domain.TransactionCredit},
			want:   []string{"statement_id = 'st-1'", "type = 'credit'"},
		},
		{
			name:   "date amount search",
			filter: store.TransactionFilter{DateFrom: &from, MinAmount: &min, Search: "50%"},
			want:   []string{"transaction_date >= '2024-01-01'", "amount >= ", `ILIKE '%50\%%'`},
		},
		{
			name:   "sorted by amount",
			filter: store.TransactionFilter{SortBy: store.SortByAmount, SortDesc: true},
			want:   []string{"ORDER BY amount DESC NULLS LAST"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
				var rows []TransactionModel
				return tx.Model(&TransactionModel{}).Scopes(transactionScope(tt.filter)).
					Order(transactionOrder(tt.filter)).Find(&rows)
			})
			for _, w := range tt.want {
				if !strings.Contains(sql, w) {
					t.Errorf("sql %q missing %q", sql, w)
				}
			}
		})
	}
}

func TestStatementScope(t *testing.T) {
	db := dryRun(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var rows []StatementModel
		return tx.Model(&StatementModel{}).
			Scopes(statementScope(store.StatementFilter{Status: domain.StatusFailed, Search: "Bank"})).
			Find(&rows)
	})
	for _, w := range []string{"status = 'failed'", "bank_details->>'bank_name' ILIKE '%Bank%'"} {
		if !strings.Contains(sql, w) {
			t.Errorf("sql %q missing %q", sql, w)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`a_b%c\d`); got != `a\_b\%c\\d` {
		t.Errorf("escapeLike() = %q", got)
	}
}
