package store

import (
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/shopspring/decimal"
)

func tx(page, row int, date string, amount string, typ domain.TransactionType, desc string) *domain.Transaction {
	t := &domain.Transaction{StatementID: "st", PageNumber: page, RowIndex: row, Type: typ, Description: desc,
		Data: map[string]interface{}{"memo": desc}}
	if date != "" {
		d, _ := civil.ParseDate(date)
		t.TransactionDate = &d
	}
	if amount != "" {
		a := decimal.RequireFromString(amount)
		t.Amount = &a
	}
	return t
}

func fixtures() []*domain.Transaction {
	return []*domain.Transaction{
		tx(1, 0, "2024-01-05", "100", domain.TransactionDebit, "ATM withdrawal"),
		tx(1, 1, "2024-01-10", "2000", domain.TransactionCredit, "Salary"),
		tx(2, 0, "2024-01-12", "1500.50", domain.TransactionDebit, "Rent"),
		tx(2, 1, "", "", "", "Balance forward"),
	}
}

func TestMatchTransaction(t *testing.T) {
	from := civil.Date{Year: 2024, Month: 1, Day: 6}
	to := civil.Date{Year: 2024, Month: 1, Day: 11}
	min := decimal.RequireFromString("150")

	tests := []struct {
		name   string
		filter TransactionFilter
		want   int
	}{
		{name: "no filter", filter: TransactionFilter{}, want: 4},
		{name: "debits", filter: TransactionFilter{Type: domain.TransactionDebit}, want: 2},
		{name: "date range", filter: TransactionFilter{DateFrom: &from, DateTo: &to}, want: 1},
		{name: "min amount", filter: TransactionFilter{MinAmount: &min}, want: 2},
		{name: "search description", filter: TransactionFilter{Search: "rent"}, want: 1},
		{name: "other statement", filter: TransactionFilter{StatementID: "x"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := 0
			for _, tr := range fixtures() {
				if MatchTransaction(tr, tt.filter) {
					got++
				}
			}
			if got != tt.want {
				t.Errorf("matched %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSortTransactions(t *testing.T) {
	txs := fixtures()
	SortTransactions(txs, TransactionFilter{SortBy: SortByAmount, SortDesc: true})
	want := []string{"Salary", "Rent", "ATM withdrawal", "Balance forward"}
	for i, w := range want {
		if txs[i].Description != w {
			t.Errorf("amount desc [%d] = %s, want %s", i, txs[i].Description, w)
		}
	}

	SortTransactions(txs, TransactionFilter{})
	for i, w := range []string{"ATM withdrawal", "Salary", "Rent", "Balance forward"} {
		if txs[i].Description != w {
			t.Errorf("page order [%d] = %s, want %s", i, txs[i].Description, w)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(fixtures())
	if s.Count != 4 || s.CreditCount != 1 || s.DebitCount != 2 {
		t.Errorf("counts = %+v", s)
	}
	if !s.Credit.Equal(decimal.RequireFromString("2000")) || !s.Debit.Equal(decimal.RequireFromString("1600.50")) {
		t.Errorf("totals = %s / %s", s.Credit, s.Debit)
	}
	if !s.Net.Equal(decimal.RequireFromString("399.50")) {
		t.Errorf("net = %s, want 399.50", s.Net)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		limit, offset int
		want          int
	}{
		{2, 0, 2},
		{2, 4, 1},
		{2, 10, 0},
		{0, 0, 5},
	}
	for _, tt := range tests {
		if got := len(Page(items, tt.limit, tt.offset)); got != tt.want {
			t.Errorf("Page(limit %d, offset %d) = %d items, want %d", tt.limit, tt.offset, got, tt.want)
		}
	}
}

func TestMatchStatement(t *testing.T) {
	s := &domain.Statement{
		Status:           domain.StatusCompleted,
		OriginalFilename: "jan.pdf",
		BankDetails:      domain.Details{"bank_name": "Dutch-Bangla Bank"},
		CustomerDetails:  domain.Details{"account_number": "1234"},
	}
	tests := []struct {
		filter StatementFilter
		want   bool
	}{
		{StatementFilter{}, true},
		{StatementFilter{Status: domain.StatusFailed}, false},
		{StatementFilter{Search: "dutch"}, true},
		{StatementFilter{Search: "123"}, true},
		{StatementFilter{Search: "feb"}, false},
	}
	for _, tt := range tests {
		if got := MatchStatement(s, tt.filter); got != tt.want {
			t.Errorf("MatchStatement(%+v) = %v, want %v", tt.filter, got, tt.want)
		}
	}
}
