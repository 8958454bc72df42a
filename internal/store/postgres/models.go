package postgres

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// StatementModel maps the statements table.
type StatementModel struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	OriginalFilename string    `gorm:"type:text;not null"`
	FileHash         string    `gorm:"type:varchar(64);uniqueIndex"`
	SourceURI        string    `gorm:"type:text"`
	FileSize         int64     `gorm:"not null;default:0"`
	UploadDate       time.Time `gorm:"index;not null"`

	Status                string `gorm:"type:varchar(16);index;not null"`
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ErrorMessage          string `gorm:"type:text"`
	PageCount             int

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	CustomerDetails   datatypes.JSON `gorm:"type:jsonb"`
	BankDetails       datatypes.JSON `gorm:"type:jsonb"`
	RawExtractionData datatypes.JSON `gorm:"type:jsonb"`
	ConfidenceScores  datatypes.JSON `gorm:"type:jsonb"`
	ProcessingLogs    datatypes.JSON `gorm:"type:jsonb"`
	ValidationErrors  datatypes.JSON `gorm:"type:jsonb"`
	TransactionSchema datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName sets the table name.
func (StatementModel) TableName() string {
	return "statements"
}

// TransactionModel maps the transactions table.
type TransactionModel struct {
	ID              string              `gorm:"primaryKey;type:varchar(64)"`
	StatementID     string              `gorm:"type:varchar(64);index:idx_transactions_position,priority:1;not null"`
	PageNumber      int                 `gorm:"index:idx_transactions_position,priority:2"`
	RowIndex        int                 `gorm:"index:idx_transactions_position,priority:3"`
	TransactionDate *time.Time          `gorm:"type:date;index"`
	Amount          decimal.NullDecimal `gorm:"type:numeric(20,4)"`
	Type            string              `gorm:"type:varchar(8);index"`
	Description     string              `gorm:"type:text"`
	Data            datatypes.JSON      `gorm:"type:jsonb"`
	CreatedAt       time.Time
}

// TableName sets the table name.
func (TransactionModel) TableName() string {
	return "transactions"
}

// Models lists every model for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&StatementModel{}, &TransactionModel{}}
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return datatypes.JSON(b), nil
}

func fromJSON(data datatypes.JSON, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func newStatementModel(s *domain.Statement) (*StatementModel, error) {
	m := &StatementModel{
		ID:                    s.ID,
		OriginalFilename:      s.OriginalFilename,
		FileHash:              s.FileHash,
		SourceURI:             s.SourceURI,
		FileSize:              s.FileSize,
		UploadDate:            s.UploadDate.UTC(),
		Status:                string(s.Status),
		ProcessingStartedAt:   s.ProcessingStartedAt,
		ProcessingCompletedAt: s.ProcessingCompletedAt,
		ErrorMessage:          s.ErrorMessage,
		PageCount:             s.PageCount,
		PromptTokens:          s.TokenUsage.PromptTokens,
		CompletionTokens:      s.TokenUsage.CompletionTokens,
		TotalTokens:           s.TokenUsage.TotalTokens,
	}

	fields := []struct {
		name string
		dst  *datatypes.JSON
		v    interface{}
	}{
		{"customer_details", &m.CustomerDetails, s.CustomerDetails},
		{"bank_details", &m.BankDetails, s.BankDetails},
		{"raw_extraction_data", &m.RawExtractionData, s.RawExtractionData},
		{"confidence_scores", &m.ConfidenceScores, s.ConfidenceScores},
		{"processing_logs", &m.ProcessingLogs, s.ProcessingLogs},
		{"validation_errors", &m.ValidationErrors, s.ValidationErrors},
		{"transaction_schema", &m.TransactionSchema, s.TransactionSchema},
	}
	for _, f := range fields {
		data, err := toJSON(f.v)
		if err != nil {
			return nil, fmt.Errorf("newStatementModel: encoding %s: %w", f.name, err)
		}
		*f.dst = data
	}
	return m, nil
}

// Statement converts the model back to its domain form.
func (m *StatementModel) Statement() (*domain.Statement, error) {
	s := &domain.Statement{
		ID:                    m.ID,
		OriginalFilename:      m.OriginalFilename,
		FileHash:              m.FileHash,
		SourceURI:             m.SourceURI,
		FileSize:              m.FileSize,
		UploadDate:            m.UploadDate,
		Status:                domain.Status(m.Status),
		ProcessingStartedAt:   m.ProcessingStartedAt,
		ProcessingCompletedAt: m.ProcessingCompletedAt,
		ErrorMessage:          m.ErrorMessage,
		PageCount:             m.PageCount,
		TokenUsage: domain.TokenUsage{
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.TotalTokens,
		},
	}

	fields := []struct {
		name string
		data datatypes.JSON
		dst  interface{}
	}{
		{"customer_details", m.CustomerDetails, &s.CustomerDetails},
		{"bank_details", m.BankDetails, &s.BankDetails},
		{"raw_extraction_data", m.RawExtractionData, &s.RawExtractionData},
		{"confidence_scores", m.ConfidenceScores, &s.ConfidenceScores},
		{"processing_logs", m.ProcessingLogs, &s.ProcessingLogs},
		{"validation_errors", m.ValidationErrors, &s.ValidationErrors},
		{"transaction_schema", m.TransactionSchema, &s.TransactionSchema},
	}
	for _, f := range fields {
		if err := fromJSON(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("Statement: decoding %s of %s: %w", f.name, m.ID, err)
		}
	}
	if s.CustomerDetails == nil {
		s.CustomerDetails = domain.Details{}
	}
	if s.BankDetails == nil {
		s.BankDetails = domain.Details{}
	}
	return s, nil
}

func newTransactionModel(t *domain.Transaction) (*TransactionModel, error) {
	data, err := toJSON(t.Data)
	if err != nil {
		return nil, fmt.Errorf("newTransactionModel: encoding data: %w", err)
	}
	m := &TransactionModel{
		ID:          t.ID,
		StatementID: t.StatementID,
		PageNumber:  t.PageNumber,
		RowIndex:    t.RowIndex,
		Type:        string(t.Type),
		Description: t.Description,
		Data:        data,
		CreatedAt:   t.CreatedAt,
	}
	if t.TransactionDate != nil {
		d := t.TransactionDate.In(time.UTC)
		m.TransactionDate = &d
	}
	if t.Amount != nil {
		m.Amount = decimal.NullDecimal{Decimal: *t.Amount, Valid: true}
	}
	return m, nil
}

// Transaction converts the model back to its domain form.
func (m *TransactionModel) Transaction() (*domain.Transaction, error) {
	t := &domain.Transaction{
		ID:          m.ID,
		StatementID: m.StatementID,
		PageNumber:  m.PageNumber,
		RowIndex:    m.RowIndex,
		Type:        domain.TransactionType(m.Type),
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		Data:        map[string]interface{}{},
	}
	if err := fromJSON(m.Data, &t.Data); err != nil {
		return nil, fmt.Errorf("Transaction: decoding data of %s: %w", m.ID, err)
	}
	if m.TransactionDate != nil {
		d := civil.DateOf(*m.TransactionDate)
		t.TransactionDate = &d
	}
	if m.Amount.Valid {
		a := m.Amount.Decimal
		t.Amount = &a
	}
	return t, nil
}
