// Package store defines statement persistence and the filtering helpers
// shared by its implementations.
package store

import (
	"context"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// Repository persists statements and their transactions. Every method is
// atomic per call; SaveResult replaces a statement and all of its
// transactions in one write.
type Repository interface {
	// CreateStatement inserts a new statement. It returns domain.ErrDuplicate
	// when another statement has the same file hash.
	CreateStatement(ctx context.Context, stmt *domain.Statement) error
	GetStatement(ctx context.Context, id string) (*domain.Statement, error)
	FindStatementByHash(ctx context.Context, hash string) (*domain.Statement, error)
	ListStatements(ctx context.Context, f StatementFilter) ([]*domain.Statement, int, error)
	// MarkProcessing stores the statement row of a run that has just started.
	// Existing transactions are left in place until SaveResult.
	MarkProcessing(ctx context.Context, stmt *domain.Statement) error
	// SaveResult stores the terminal statement and replaces its transactions.
	SaveResult(ctx context.Context, stmt *domain.Statement, txs []*domain.Transaction) error
	// UpdateColumnMetadata applies updates to the stored schema's
	// column_metadata in one read-modify-write and returns the new schema.
	UpdateColumnMetadata(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error)
	// DeleteStatement removes the statement and its transactions.
	DeleteStatement(ctx context.Context, id string) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*domain.Transaction, int, error)
	SummarizeTransactions(ctx context.Context, f TransactionFilter) (*Summary, error)
	Close() error
}

// StatementFilter selects statements, newest upload first.
type StatementFilter struct {
	Status domain.Status
	// Search matches filename, bank name and account number, case-insensitively.
	Search string
	Limit  int
	Offset int
}

// Sort orders for transactions.
const (
	SortByPage   = ""
	SortByDate   = "date"
	SortByAmount = "amount"
)

// TransactionFilter selects transactions. An empty StatementID searches all
// statements.
type TransactionFilter struct {
	StatementID string
	Type        domain.TransactionType
	DateFrom    *civil.Date
	DateTo      *civil.Date
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
	// Search matches the description and every text cell.
	Search   string
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// Summary totals a set of transactions.
type Summary struct {
	Count       int             `json:"count"`
	CreditCount int             `json:"credit_count"`
	DebitCount  int             `json:"debit_count"`
	Credit      decimal.Decimal `json:"credit"`
	Debit       decimal.Decimal `json:"debit"`
	Net         decimal.Decimal `json:"net"`
}

// NormalizeLimit applies the default and maximum page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// MatchStatement reports whether s passes f.
func MatchStatement(s *domain.Statement, f StatementFilter) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		fields := []string{
			s.OriginalFilename,
			s.BankDetails.String("bank_name"),
			s.CustomerDetails.String("account_number"),
			s.CustomerDetails.String("account_holder_name"),
		}
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}
	return true
}

// MatchTransaction reports whether t passes f.
func MatchTransaction(t *domain.Transaction, f TransactionFilter) bool {
	if f.StatementID != "" && t.StatementID != f.StatementID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.DateFrom != nil && (t.TransactionDate == nil || t.TransactionDate.Before(*f.DateFrom)) {
		return false
	}
	if f.DateTo != nil && (t.TransactionDate == nil || t.TransactionDate.After(*f.DateTo)) {
		return false
	}
	if f.MinAmount != nil && (t.Amount == nil || t.Amount.LessThan(*f.MinAmount)) {
		return false
	}
	if f.MaxAmount != nil && (t.Amount == nil || t.Amount.GreaterThan(*f.MaxAmount)) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if strings.Contains(strings.ToLower(t.Description), q) {
			return true
		}
		for _, v := range t.Data {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
		return false
	}
	return true
}

// SortTransactions orders txs by f.SortBy. Page order (statement, page, row)
// breaks ties and is the default.
func SortTransactions(txs []*domain.Transaction, f TransactionFilter) {
	pageOrder := func(a, b *domain.Transaction) bool {
		if a.StatementID != b.StatementID {
			return a.StatementID < b.StatementID
		}
		if a.PageNumber != b.PageNumber {
			return a.PageNumber < b.PageNumber
		}
		return a.RowIndex < b.RowIndex
	}
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		switch f.SortBy {
		case SortByDate:
			if c := compareDates(a.TransactionDate, b.TransactionDate); c != 0 {
				return (c < 0) != f.SortDesc
			}
		case SortByAmount:
			if c := compareAmounts(a.Amount, b.Amount); c != 0 {
				return (c < 0) != f.SortDesc
			}
		}
		return pageOrder(a, b)
	})
}

// compareDates sorts missing dates last.
func compareDates(a, b *civil.Date) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case a.After(*b):
		return 1
	}
	return 0
}

func compareAmounts(a, b *decimal.Decimal) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Cmp(*b)
}

// Page returns the slice of items selected by limit and offset.
func Page[T any](items []T, limit, offset int) []T {
	limit = NormalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// Summarize totals txs. Transactions without a type count toward Count only.
func Summarize(txs []*domain.Transaction) *Summary {
	s := &Summary{Credit: decimal.Zero, Debit: decimal.Zero}
	for _, t := range txs {
		s.Count++
		if t.Amount == nil {
			continue
		}
		switch t.Type {
		case domain.TransactionCredit:
			s.CreditCount++
			s.Credit = s.Credit.Add(*t.Amount)
		case domain.TransactionDebit:
			s.DebitCount++
			s.Debit = s.Debit.Add(*t.Amount)
		}
	}
	s.Net = s.Credit.Sub(s.Debit)
	return s
}
