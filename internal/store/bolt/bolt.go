// Package bolt is a single-file store.Repository for local use.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"go.etcd.io/bbolt"
)

const (
	statementsBucket   = "statements"
	hashesBucket       = "statement_hashes"
	transactionsBucket = "transactions"
)

// Buckets lists the top-level buckets the store needs.
var Buckets = []string{statementsBucket, hashesBucket, transactionsBucket}

// Store implements store.Repository using BoltDB. Transactions of a statement
// live in a nested bucket keyed by page and row, so a statement's rows are
// replaced and deleted in one bolt transaction.
type Store struct {
	db *bbolt.DB
}

var _ store.Repository = (*Store)(nil)

// Open opens or creates the database file and its buckets.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("Open: opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range Buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowKey(page, row int) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(page))
	binary.BigEndian.PutUint64(k[8:], uint64(row))
	return k
}

func decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func getStatement(tx *bbolt.Tx, id string) (*domain.Statement, error) {
	data := tx.Bucket([]byte(statementsBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("statement %s: %w", id, domain.ErrNotFound)
	}
	var stmt domain.Statement
	if err := decode(data, &stmt); err != nil {
		return nil, fmt.Errorf("unmarshaling statement %s: %w", id, err)
	}
	return &stmt, nil
}

func putStatement(tx *bbolt.Tx, stmt *domain.Statement) error {
	data, err := json.Marshal(stmt)
	if err != nil {
		return fmt.Errorf("marshaling statement: %w", err)
	}
	return tx.Bucket([]byte(statementsBucket)).Put([]byte(stmt.ID), data)
}

func (s *Store) CreateStatement(ctx context.Context, stmt *domain.Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		hashes := tx.Bucket([]byte(hashesBucket))
		if stmt.FileHash != "" {
			if existing := hashes.Get([]byte(stmt.FileHash)); existing != nil {
				return fmt.Errorf("hash %s is statement %s: %w", stmt.FileHash, existing, domain.ErrDuplicate)
			}
		}
		if tx.Bucket([]byte(statementsBucket)).Get([]byte(stmt.ID)) != nil {
			return fmt.Errorf("statement %s exists: %w", stmt.ID, domain.ErrDuplicate)
		}
		if err := putStatement(tx, stmt); err != nil {
			return err
		}
		if stmt.FileHash != "" {
			return hashes.Put([]byte(stmt.FileHash), []byte(stmt.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("CreateStatement: %w", err)
	}
	return nil
}

func (s *Store) GetStatement(ctx context.Context, id string) (*domain.Statement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stmt *domain.Statement
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		stmt, err = getStatement(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetStatement: %w", err)
	}
	return stmt, nil
}

func (s *Store) FindStatementByHash(ctx context.Context, hash string) (*domain.Statement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stmt *domain.Statement
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(hashesBucket)).Get([]byte(hash))
		if id == nil {
			return fmt.Errorf("hash %s: %w", hash, domain.ErrNotFound)
		}
		var err error
		stmt, err = getStatement(tx, string(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("FindStatementByHash: %w", err)
	}
	return stmt, nil
}

func (s *Store) ListStatements(ctx context.Context, f store.StatementFilter) ([]*domain.Statement, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	matched := make([]*domain.Statement, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(statementsBucket)).ForEach(func(k, v []byte) error {
			var stmt domain.Statement
			if err := decode(v, &stmt); err != nil {
				return fmt.Errorf("unmarshaling statement %s: %w", k, err)
			}
			if store.MatchStatement(&stmt, f) {
				matched = append(matched, &stmt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("ListStatements: %w", err)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].UploadDate.Equal(matched[j].UploadDate) {
			return matched[i].UploadDate.After(matched[j].UploadDate)
		}
		return matched[i].ID < matched[j].ID
	})
	return store.Page(matched, f.Limit, f.Offset), len(matched), nil
}

// update rewrites an existing statement inside fn's transaction.
func (s *Store) update(id string, fn func(tx *bbolt.Tx, stmt *domain.Statement) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		stmt, err := getStatement(tx, id)
		if err != nil {
			return err
		}
		return fn(tx, stmt)
	})
}

func (s *Store) MarkProcessing(ctx context.Context, stmt *domain.Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(stmt.ID, func(tx *bbolt.Tx, _ *domain.Statement) error {
		return putStatement(tx, stmt)
	})
	if err != nil {
		return fmt.Errorf("MarkProcessing: %w", err)
	}
	return nil
}

func (s *Store) SaveResult(ctx context.Context, stmt *domain.Statement, txs []*domain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(stmt.ID, func(tx *bbolt.Tx, _ *domain.Statement) error {
		if err := putStatement(tx, stmt); err != nil {
			return err
		}
		parent := tx.Bucket([]byte(transactionsBucket))
		if parent.Bucket([]byte(stmt.ID)) != nil {
			if err := parent.DeleteBucket([]byte(stmt.ID)); err != nil {
				return fmt.Errorf("clearing transactions: %w", err)
			}
		}
		if len(txs) == 0 {
			return nil
		}
		bucket, err := parent.CreateBucket([]byte(stmt.ID))
		if err != nil {
			return fmt.Errorf("creating transactions bucket: %w", err)
		}
		for _, t := range txs {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshaling transaction: %w", err)
			}
			if err := bucket.Put(rowKey(t.PageNumber, t.RowIndex), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("SaveResult: %w", err)
	}
	return nil
}

func (s *Store) UpdateColumnMetadata(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var schema *domain.TransactionSchema
	err := s.update(id, func(tx *bbolt.Tx, stmt *domain.Statement) error {
		if stmt.TransactionSchema == nil {
			return fmt.Errorf("statement %s: %w", id, domain.ErrNoSchema)
		}
		if err := stmt.TransactionSchema.ApplyColumnMetadata(updates); err != nil {
			return err
		}
		schema = stmt.TransactionSchema
		return putStatement(tx, stmt)
	})
	if err != nil {
		return nil, fmt.Errorf("UpdateColumnMetadata: %w", err)
	}
	return schema, nil
}

func (s *Store) DeleteStatement(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(id, func(tx *bbolt.Tx, stmt *domain.Statement) error {
		if err := tx.Bucket([]byte(statementsBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		if stmt.FileHash != "" {
			if err := tx.Bucket([]byte(hashesBucket)).Delete([]byte(stmt.FileHash)); err != nil {
				return err
			}
		}
		parent := tx.Bucket([]byte(transactionsBucket))
		if parent.Bucket([]byte(id)) != nil {
			return parent.DeleteBucket([]byte(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("DeleteStatement: %w", err)
	}
	return nil
}

// matching collects the transactions passing f.
func (s *Store) matching(f store.TransactionFilter) ([]*domain.Transaction, error) {
	matched := make([]*domain.Transaction, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		parent := tx.Bucket([]byte(transactionsBucket))
		scan := func(b *bbolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				var t domain.Transaction
				if err := decode(v, &t); err != nil {
					return fmt.Errorf("unmarshaling transaction: %w", err)
				}
				if store.MatchTransaction(&t, f) {
					matched = append(matched, &t)
				}
				return nil
			})
		}
		if f.StatementID != "" {
			if b := parent.Bucket([]byte(f.StatementID)); b != nil {
				return scan(b)
			}
			return nil
		}
		return parent.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			return scan(parent.Bucket(k))
		})
	})
	return matched, err
}

func (s *Store) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*domain.Transaction, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	matched, err := s.matching(f)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", err)
	}
	store.SortTransactions(matched, f)
	return store.Page(matched, f.Limit, f.Offset), len(matched), nil
}

func (s *Store) SummarizeTransactions(ctx context.Context, f store.TransactionFilter) (*store.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched, err := s.matching(f)
	if err != nil {
		return nil, fmt.Errorf("SummarizeTransactions: %w", err)
	}
	return store.Summarize(matched), nil
}
