// Package postgres is a store.Repository on PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store implements store.Repository.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

var _ store.Repository = (*Store)(nil)

// Open connects to dsn. When migrate is set the tables are created or updated.
func Open(dsn string, migrate bool, log zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("Open: connecting to postgres: %w", err)
	}
	s := New(db, log)
	if migrate {
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open connection.
func New(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "postgres").Logger()}
}

// Migrate runs AutoMigrate for every model.
func (s *Store) Migrate() error {
	for _, m := range Models() {
		if err := s.db.AutoMigrate(m); err != nil {
			return fmt.Errorf("Migrate: %T: %w", m, err)
		}
	}
	s.log.Info().Int("models", len(Models())).Msg("Postgres tables migrated")
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateStatement(ctx context.Context, stmt *domain.Statement) error {
	m, err := newStatementModel(stmt)
	if err != nil {
		return fmt.Errorf("CreateStatement: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if stmt.FileHash != "" {
			var existing StatementModel
			err := tx.Select("id").Where("file_hash = ?", stmt.FileHash).Take(&existing).Error
			if err == nil {
				return fmt.Errorf("hash %s is statement %s: %w", stmt.FileHash, existing.ID, domain.ErrDuplicate)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if err := tx.Create(m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("statement %s: %w", stmt.ID, domain.ErrDuplicate)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("CreateStatement: %w", err)
	}
	return nil
}

func (s *Store) take(ctx context.Context, query string, arg string) (*domain.Statement, error) {
	var m StatementModel
	err := s.db.WithContext(ctx).Where(query, arg).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m.Statement()
}

func (s *Store) GetStatement(ctx context.Context, id string) (*domain.Statement, error) {
	stmt, err := s.take(ctx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("GetStatement: %w", err)
	}
	return stmt, nil
}

func (s *Store) FindStatementByHash(ctx context.Context, hash string) (*domain.Statement, error) {
	stmt, err := s.take(ctx, "file_hash = ?", hash)
	if err != nil {
		return nil, fmt.Errorf("FindStatementByHash: %w", err)
	}
	return stmt, nil
}

// statementScope applies the filter conditions of f.
func statementScope(f store.StatementFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		if q := strings.TrimSpace(f.Search); q != "" {
			like := "%" + escapeLike(q) + "%"
			db = db.Where(`original_filename ILIKE @q
				OR bank_details->>'bank_name' ILIKE @q
				OR customer_details->>'account_number' ILIKE @q
				OR customer_details->>'account_holder_name' ILIKE @q`, map[string]interface{}{"q": like})
		}
		return db
	}
}

func (s *Store) ListStatements(ctx context.Context, f store.StatementFilter) ([]*domain.Statement, int, error) {
	query := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&StatementModel{}).Scopes(statementScope(f))
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ListStatements: counting: %w", err)
	}

	var models []StatementModel
	err := query().Order("upload_date DESC").Order("id").
		Limit(store.NormalizeLimit(f.Limit)).Offset(max(f.Offset, 0)).
		Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("ListStatements: %w", err)
	}

	out := make([]*domain.Statement, 0, len(models))
	for i := range models {
		stmt, err := models[i].Statement()
		if err != nil {
			return nil, 0, fmt.Errorf("ListStatements: %w", err)
		}
		out = append(out, stmt)
	}
	return out, int(total), nil
}

// save overwrites the full statement row, failing when it does not exist.
func save(tx *gorm.DB, stmt *domain.Statement) error {
	m, err := newStatementModel(stmt)
	if err != nil {
		return err
	}
	res := tx.Model(&StatementModel{}).Where("id = ?", stmt.ID).Select("*").Omit("created_at").Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("statement %s: %w", stmt.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkProcessing(ctx context.Context, stmt *domain.Statement) error {
	if err := save(s.db.WithContext(ctx), stmt); err != nil {
		return fmt.Errorf("MarkProcessing: %w", err)
	}
	return nil
}

const insertBatchSize = 500

// SaveResult writes the statement and replaces its transactions in one
// database transaction.
func (s *Store) SaveResult(ctx context.Context, stmt *domain.Statement, txs []*domain.Transaction) error {
	models := make([]*TransactionModel, 0, len(txs))
	for _, t := range txs {
		m, err := newTransactionModel(t)
		if err != nil {
			return fmt.Errorf("SaveResult: %w", err)
		}
		models = append(models, m)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := save(tx, stmt); err != nil {
			return err
		}
		if err := tx.Where("statement_id = ?", stmt.ID).Delete(&TransactionModel{}).Error; err != nil {
			return fmt.Errorf("clearing transactions: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(models, insertBatchSize).Error; err != nil {
			return fmt.Errorf("inserting transactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("SaveResult: %w", err)
	}
	return nil
}

func (s *Store) UpdateColumnMetadata(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error) {
	var schema *domain.TransactionSchema
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m StatementModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("statement %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		stmt, err := m.Statement()
		if err != nil {
			return err
		}
		if stmt.TransactionSchema == nil {
			return fmt.Errorf("statement %s: %w", id, domain.ErrNoSchema)
		}
		if err := stmt.TransactionSchema.ApplyColumnMetadata(updates); err != nil {
			return err
		}
		data, err := toJSON(stmt.TransactionSchema)
		if err != nil {
			return err
		}
		schema = stmt.TransactionSchema
		return tx.Model(&StatementModel{}).Where("id = ?", id).Update("transaction_schema", data).Error
	})
	if err != nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: %w", err)
	}
	return schema, nil
}

func (s *Store) DeleteStatement(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("statement_id = ?", id).Delete(&TransactionModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&StatementModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("statement %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("DeleteStatement: %w", err)
	}
	return nil
}

// transactionScope applies the filter conditions of f.
func transactionScope(f store.TransactionFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.StatementID != "" {
			db = db.Where("statement_id = ?", f.StatementID)
		}
		if f.Type != "" {
			db = db.Where("type = ?", string(f.Type))
		}
		if f.DateFrom != nil {
			db = db.Where("transaction_date >= ?", f.DateFrom.String())
		}
		if f.DateTo != nil {
			db = db.Where("transaction_date <= ?", f.DateTo.String())
		}
		if f.MinAmount != nil {
			db = db.Where("amount >= ?", *f.MinAmount)
		}
		if f.MaxAmount != nil {
			db = db.Where("amount <= ?", *f.MaxAmount)
		}
		if q := strings.TrimSpace(f.Search); q != "" {
			like := "%" + escapeLike(q) + "%"
			db = db.Where("(description ILIKE ? OR data::text ILIKE ?)", like, like)
		}
		return db
	}
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

func (s *Store) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*domain.Transaction, int, error) {
	query := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&TransactionModel{}).Scopes(transactionScope(f))
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: counting: %w", err)
	}

	var models []TransactionModel
	err := query().Order(transactionOrder(f)).
		Limit(store.NormalizeLimit(f.Limit)).Offset(max(f.Offset, 0)).
		Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", err)
	}

	out := make([]*domain.Transaction, 0, len(models))
	for i := range models {
		t, err := models[i].Transaction()
		if err != nil {
			return nil, 0, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, t)
	}
	return out, int(total), nil
}

type summaryRow struct {
	Count       int
	CreditCount int
	DebitCount  int
	Credit      decimal.Decimal
	Debit       decimal.Decimal
}

const summarySelect = `COUNT(*) AS count,
	COUNT(*) FILTER (WHERE type = 'credit' AND amount IS NOT NULL) AS credit_count,
	COUNT(*) FILTER (WHERE type = 'debit' AND amount IS NOT NULL) AS debit_count,
	COALESCE(SUM(amount) FILTER (WHERE type = 'credit'), 0) AS credit,
	COALESCE(SUM(amount) FILTER (WHERE type = 'debit'), 0) AS debit`

func (s *Store) SummarizeTransactions(ctx context.Context, f store.TransactionFilter) (*store.Summary, error) {
	var row summaryRow
	err := s.db.WithContext(ctx).Model(&TransactionModel{}).
		Scopes(transactionScope(f)).
		Select(summarySelect).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("SummarizeTransactions: %w", err)
	}
	return &store.Summary{
		Count:       row.Count,
		CreditCount: row.CreditCount,
		DebitCount:  row.DebitCount,
		Credit:      row.Credit,
		Debit:       row.Debit,
		Net:         row.Credit.Sub(row.Debit),
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
