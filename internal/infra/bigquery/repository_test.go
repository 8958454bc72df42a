package bigquery

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleStatement() *domain.Statement {
	started := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	done := started.Add(90 * time.Second)
	format := "debit_credit_ledger"
	return &domain.Statement{
		ID:                    "st-1",
		OriginalFilename:      "jan.pdf",
		FileHash:              "abc",
		SourceURI:             "gs://bucket/uploads/jan.pdf",
		FileSize:              2048,
		UploadDate:            started.Add(-time.Hour),
		Status:                domain.StatusCompleted,
		ProcessingStartedAt:   &started,
		ProcessingCompletedAt: &done,
		CustomerDetails:       domain.Details{"account_number": "1234"},
		BankDetails:           domain.Details{"bank_name": "State Bank", "currency": "GBP"},
		PageCount:             2,
		TokenUsage:            domain.NewTokenUsage(200, 40),
		ProcessingLogs:        []domain.ProcessingLog{{Timestamp: started, Action: "process", Status: domain.LogStarted}},
		RawExtractionData:     []domain.RawPageResponse{{Page: 1, Valid: true, Response: json.RawMessage(`{"transactions":[]}`)}},
		TransactionSchema: &domain.TransactionSchema{
			Columns:            []string{"date", "amount"},
			ColumnMetadata:     map[string]domain.ColumnMeta{"date": {Type: domain.ColumnDate, DisplayName: "Date"}, "amount": {Type: domain.ColumnCurrency, DisplayName: "Amount"}},
			DetectedBankFormat: &format,
		},
	}
}

func TestStatementRow_RoundTrip(t *testing.T) {
	in := sampleStatement()
	row, err := newStatementRow(in, "run-1", 7, time.Now())
	if err != nil {
		t.Fatalf("newStatementRow() error = %v", err)
	}
	if row.CurrentRunID != "run-1" || row.Version != 7 || row.TotalTokens != 240 {
		t.Errorf("row = %+v", row)
	}
	if row.ConfidenceScores.Valid {
		t.Error("nil confidence scores should be stored as NULL")
	}

	out, err := row.Statement()
	if err != nil {
		t.Fatalf("Statement() error = %v", err)
	}
	if out.ID != in.ID || out.Status != in.Status || out.PageCount != 2 {
		t.Errorf("statement = %+v", out)
	}
	if out.TokenUsage != in.TokenUsage {
		t.Errorf("token usage = %+v, want %+v", out.TokenUsage, in.TokenUsage)
	}
	if out.BankDetails.String("currency") != "GBP" {
		t.Errorf("bank details = %v", out.BankDetails)
	}
	if out.TransactionSchema == nil || out.TransactionSchema.TypeOf("amount") != domain.ColumnCurrency {
		t.Errorf("schema = %+v", out.TransactionSchema)
	}
	if out.ProcessingDuration() != 90*time.Second {
		t.Errorf("duration = %s", out.ProcessingDuration())
	}
}

func TestTransactionRow_RoundTrip(t *testing.T) {
	d := civil.Date{Year: 2024, Month: 1, Day: 5}
	amt := decimal.RequireFromString("1500.25")
	in := &domain.Transaction{
		ID: "tx-1", StatementID: "st-1", PageNumber: 2, RowIndex: 3,
		TransactionDate: &d, Amount: &amt, Type: domain.TransactionDebit, Description: "Rent",
		Data:      map[string]interface{}{"date": "05/01/2024", "amount": json.Number("1500.25")},
		CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	row, err := newTransactionRow(in, "run-1")
	if err != nil {
		t.Fatalf("newTransactionRow() error = %v", err)
	}
	out, err := row.Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if !out.Amount.Equal(amt) || *out.TransactionDate != d || out.Type != domain.TransactionDebit {
		t.Errorf("transaction = %+v", out)
	}
	if out.Data["amount"] != json.Number("1500.25") {
		t.Errorf("data amount = %#v, want json.Number", out.Data["amount"])
	}

	empty, _ := newTransactionRow(&domain.Transaction{ID: "tx-2", Data: map[string]interface{}{}}, "run-1")
	back, _ := empty.Transaction()
	if back.Amount != nil || back.TransactionDate != nil || back.Type != "" {
		t.Errorf("empty transaction = %+v", back)
	}
}

func TestTransactionWhere(t *testing.T) {
	from := civil.Date{Year: 2024, Month: 1, Day: 1}
	min := decimal.RequireFromString("10")

	tests := []struct {
		name       string
		filter     store.TransactionFilter
		wantConds  []string
		wantParams int
	}{
		{name: "empty", filter: store.TransactionFilter{}, wantConds: []string{"TRUE"}},
		{
			name:       "statement and type",
			filter:     store.TransactionFilter{StatementID: "st-1", Type: domain.TransactionCredit},
			wantConds:  []string{"statement_id = @statement_id", "type = @type"},
			wantParams: 2,
		},
		{
			name:       "date amount search",
			filter:     store.TransactionFilter{DateFrom: &from, MinAmount: &min, Search: " Rent "},
			wantConds:  []string{"transaction_date >= @date_from", "amount >= @min_amount", "@search"},
			wantParams: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, params := transactionWhere(tt.filter)
			for _, c := range tt.wantConds {
				if !strings.Contains(where, c) {
					t.Errorf("where %q missing %q", where, c)
				}
			}
			if len(params) != tt.wantParams {
				t.Errorf("params = %d, want %d", len(params), tt.wantParams)
			}
			for _, p := range params {
				if p.Name == "search" && p.Value != "rent" {
					t.Errorf("search param = %v, want lower-cased and trimmed", p.Value)
				}
			}
		})
	}
}

func TestTransactionOrder(t *testing.T) {
	tests := []struct {
		filter store.TransactionFilter
		want   string
	}{
		{store.TransactionFilter{}, "statement_id, page_number, row_index"},
		{store.TransactionFilter{SortBy: store.SortByDate}, "transaction_date ASC NULLS LAST"},
		{store.TransactionFilter{SortBy: store.SortByAmount, SortDesc: true}, "amount DESC NULLS LAST"},
	}
	for _, tt := range tests {
		if got := transactionOrder(tt.filter); !strings.HasPrefix(got, tt.want) {
			t.Errorf("transactionOrder(%+v) = %q, want prefix %q", tt.filter, got, tt.want)
		}
	}
}

func TestStatementWhere(t *testing.T) {
	where, params := statementWhere(store.StatementFilter{Status: domain.StatusFailed, Search: "Bank"})
	if !strings.Contains(where, "status = @status") || !strings.Contains(where, "bank_name") {
		t.Errorf("where = %s", where)
	}
	if len(params) != 2 {
		t.Errorf("params = %d, want 2", len(params))
	}
}

func TestLiveStatementsSQL(t *testing.T) {
	sql := liveStatementsSQL(Dataset{Project: "p", Name: "d"})
	for _, want := range []string{"`p.d.statements`", "ORDER BY version DESC", "NOT deleted"} {
		if !strings.Contains(sql, want) {
			t.Errorf("live statements SQL missing %q", want)
		}
	}
}

func TestSummaryRow(t *testing.T) {
	row := summaryRow{Count: 3, CreditCount: 1, DebitCount: 2, Credit: big.NewRat(2000, 1), Debit: big.NewRat(321, 2)}
	s := row.summary()
	if !s.Net.Equal(decimal.RequireFromString("1839.5")) {
		t.Errorf("net = %s, want 1839.5", s.Net)
	}
}

func TestReadMigrations(t *testing.T) {
	dir := fstest.MapFS{
		"0002_second.sql":  {Data: []byte("SELECT 2 FROM `{{PROJECT_ID}}.{{DATASET_ID}}.t`")},
		"0001_first.sql":   {Data: []byte("SELECT 1")},
		"001_invalid.sql":  {Data: []byte("x")},
		"0003_missing_sql": {Data: []byte("x")},
	}
	ms, err := ReadMigrations(dir, Dataset{Project: "proj", Name: "ds"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("ReadMigrations() error = %v", err)
	}
	if len(ms) != 2 || ms[0].Version != 1 || ms[1].Name != "second" {
		t.Fatalf("migrations = %+v", ms)
	}
	if !strings.Contains(ms[1].SQL, "`proj.ds.t`") {
		t.Errorf("placeholders not replaced: %s", ms[1].SQL)
	}

	pending := PendingMigrations(ms, []AppliedMigration{{Version: 1}})
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	ms, err := ReadMigrations(Migrations(), Dataset{Project: "p", Name: "d"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("ReadMigrations() error = %v", err)
	}
	if len(ms) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, m := range ms {
		if strings.Contains(m.SQL, "{{") {
			t.Errorf("%s has unreplaced placeholders", m.Filename)
		}
	}
}
