// Package handlers implements the HTTP endpoints of the statement API.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/api/middleware"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/shopspring/decimal"
)

// StatementRepository is the part of store.Repository used by the API.
type StatementRepository interface {
	CreateStatement(ctx context.Context, stmt *domain.Statement) error
	GetStatement(ctx context.Context, id string) (*domain.Statement, error)
	FindStatementByHash(ctx context.Context, hash string) (*domain.Statement, error)
	ListStatements(ctx context.Context, f store.StatementFilter) ([]*domain.Statement, int, error)
	SaveResult(ctx context.Context, stmt *domain.Statement, txs []*domain.Transaction) error
	DeleteStatement(ctx context.Context, id string) error
	ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*domain.Transaction, int, error)
	SummarizeTransactions(ctx context.Context, f store.TransactionFilter) (*store.Summary, error)
}

// SchemaUpdater changes column metadata of a processed statement.
type SchemaUpdater interface {
	UpdateSchema(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error)
}

// pagination reads page (1-based) and limit.
type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func (p pagination) offset() int {
	return (p.Page - 1) * p.Limit
}

func parsePagination(r *http.Request) (pagination, error) {
	q := r.URL.Query()
	p := pagination{Page: 1}
	var err error
	if v := q.Get("page"); v != "" {
		if p.Page, err = strconv.Atoi(v); err != nil || p.Page < 1 {
			return p, fmt.Errorf("page must be a positive integer: %w", middleware.ErrBadRequest)
		}
	}
	if v := q.Get("limit"); v != "" {
		if p.Limit, err = strconv.Atoi(v); err != nil || p.Limit < 1 {
			return p, fmt.Errorf("limit must be a positive integer: %w", middleware.ErrBadRequest)
		}
	}
	p.Limit = store.NormalizeLimit(p.Limit)
	return p, nil
}

// parseTransactionFilter reads the transaction filters shared by the
// per-statement and global listings.
func parseTransactionFilter(r *http.Request) (store.TransactionFilter, pagination, error) {
	q := r.URL.Query()
	var f store.TransactionFilter

	p, err := parsePagination(r)
	if err != nil {
		return f, p, err
	}
	f.Limit, f.Offset = p.Limit, p.offset()

	switch t := domain.TransactionType(strings.ToLower(q.Get("type"))); t {
	case "", domain.TransactionCredit, domain.TransactionDebit:
		f.Type = t
	default:
		return f, p, fmt.Errorf("type must be credit or debit: %w", middleware.ErrBadRequest)
	}

	if f.DateFrom, err = dateParam(q.Get("date_from"), "date_from"); err != nil {
		return f, p, err
	}
	if f.DateTo, err = dateParam(q.Get("date_to"), "date_to"); err != nil {
		return f, p, err
	}
	if f.MinAmount, err = amountParam(q.Get("min_amount"), "min_amount"); err != nil {
		return f, p, err
	}
	if f.MaxAmount, err = amountParam(q.Get("max_amount"), "max_amount"); err != nil {
		return f, p, err
	}
	f.Search = strings.TrimSpace(q.Get("search"))

	switch s := q.Get("sort_by"); s {
	case "", "page":
		f.SortBy = store.SortByPage
	case store.SortByDate, store.SortByAmount:
		f.SortBy = s
	default:
		return f, p, fmt.Errorf("sort_by must be date or amount: %w", middleware.ErrBadRequest)
	}
	switch o := strings.ToLower(q.Get("sort_order")); o {
	case "", "asc":
	case "desc":
		f.SortDesc = true
	default:
		return f, p, fmt.Errorf("sort_order must be asc or desc: %w", middleware.ErrBadRequest)
	}
	return f, p, nil
}

func dateParam(v, name string) (*civil.Date, error) {
	if v == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD: %w", name, middleware.ErrBadRequest)
	}
	return &d, nil
}

func amountParam(v, name string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number: %w", name, middleware.ErrBadRequest)
	}
	return &d, nil
}

// allTransactions pages through every transaction matching f.
func allTransactions(ctx context.Context, repo StatementRepository, f store.TransactionFilter) ([]*domain.Transaction, error) {
	f.Limit, f.Offset = store.MaxLimit, 0
	var out []*domain.Transaction
	for {
		page, total, err := repo.ListTransactions(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total {
			return out, nil
		}
	}
}
