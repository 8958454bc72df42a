package domain

import (
	"fmt"
	"strings"
)

// ColumnType is the inferred kind of a transaction column.
type ColumnType string

const (
	ColumnDate     ColumnType = "date"
	ColumnCurrency ColumnType = "currency"
	ColumnText     ColumnType = "text"
	ColumnNumber   ColumnType = "number"
)

// Valid reports whether t is one of the four supported types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnDate, ColumnCurrency, ColumnText, ColumnNumber:
		return true
	}
	return false
}

// ColumnMeta is the user-visible description of a column.
type ColumnMeta struct {
	Type        ColumnType `json:"type" validate:"required,oneof=date currency text number"`
	DisplayName string     `json:"display_name" validate:"required,max=200"`
}

// Field is one (key, type) pair of a schema, in column order.
type Field struct {
	Key  string
	Type ColumnType
}

// TransactionSchema is the canonical column set of a statement.
type TransactionSchema struct {
	Columns            []string              `json:"columns"`
	ColumnMetadata     map[string]ColumnMeta `json:"column_metadata"`
	DetectedBankFormat *string               `json:"detected_bank_format"`
}

// NewTransactionSchema builds a schema from ordered fields and display names.
func NewTransactionSchema(fields []Field, displayNames map[string]string, bankFormat *string) (*TransactionSchema, error) {
	s := &TransactionSchema{
		Columns:            make([]string, 0, len(fields)),
		ColumnMetadata:     make(map[string]ColumnMeta, len(fields)),
		DetectedBankFormat: bankFormat,
	}
	for _, f := range fields {
		if f.Key == "" {
			return nil, fmt.Errorf("NewTransactionSchema: empty column key")
		}
		if _, dup := s.ColumnMetadata[f.Key]; dup {
			return nil, fmt.Errorf("NewTransactionSchema: duplicate column %q", f.Key)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("NewTransactionSchema: column %q: %w", f.Key, ErrInvalidColumnType)
		}
		name := displayNames[f.Key]
		if name == "" {
			name = f.Key
		}
		s.Columns = append(s.Columns, f.Key)
		s.ColumnMetadata[f.Key] = ColumnMeta{Type: f.Type, DisplayName: name}
	}
	return s, nil
}

// Fields returns the ordered (key, type) pairs.
func (s *TransactionSchema) Fields() []Field {
	fields := make([]Field, 0, len(s.Columns))
	for _, key := range s.Columns {
		fields = append(fields, Field{Key: key, Type: s.ColumnMetadata[key].Type})
	}
	return fields
}

// Has reports whether key is a schema column.
func (s *TransactionSchema) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ColumnMetadata[key]
	return ok
}

// TypeOf returns the type of key, or text for unknown keys.
func (s *TransactionSchema) TypeOf(key string) ColumnType {
	if meta, ok := s.ColumnMetadata[key]; ok {
		return meta.Type
	}
	return ColumnText
}

// ColumnsOfType returns the keys of the given type in column order.
func (s *TransactionSchema) ColumnsOfType(t ColumnType) []string {
	var keys []string
	for _, key := range s.Columns {
		if s.ColumnMetadata[key].Type == t {
			keys = append(keys, key)
		}
	}
	return keys
}

// Clone returns a deep copy.
func (s *TransactionSchema) Clone() *TransactionSchema {
	if s == nil {
		return nil
	}
	c := &TransactionSchema{
		Columns:        append([]string(nil), s.Columns...),
		ColumnMetadata: make(map[string]ColumnMeta, len(s.ColumnMetadata)),
	}
	for k, v := range s.ColumnMetadata {
		c.ColumnMetadata[k] = v
	}
	if s.DetectedBankFormat != nil {
		f := *s.DetectedBankFormat
		c.DetectedBankFormat = &f
	}
	return c
}

// ApplyColumnMetadata overwrites the metadata of the named columns.
// Column set, order and bank format are never touched. Nothing is applied
// unless every update is valid.
func (s *TransactionSchema) ApplyColumnMetadata(updates map[string]ColumnMeta) error {
	for key, meta := range updates {
		if !s.Has(key) {
			return fmt.Errorf("ApplyColumnMetadata: %q: %w", key, ErrUnknownColumn)
		}
		if !meta.Type.Valid() {
			return fmt.Errorf("ApplyColumnMetadata: %q type %q: %w", key, meta.Type, ErrInvalidColumnType)
		}
		if strings.TrimSpace(meta.DisplayName) == "" {
			return fmt.Errorf("ApplyColumnMetadata: %q: display name is required", key)
		}
	}
	for key, meta := range updates {
		meta.DisplayName = strings.TrimSpace(meta.DisplayName)
		s.ColumnMetadata[key] = meta
	}
	return nil
}
