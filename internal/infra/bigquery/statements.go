package bigquery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/domain"
)

// StatementRow is one version of a statement. Every write appends a row with
// a higher version; readers see the latest version of each statement_id.
type StatementRow struct {
	StatementID string `bigquery:"statement_id"` // REQUIRED
	Version     int64  `bigquery:"version"`      // REQUIRED
	Deleted     bool   `bigquery:"deleted"`

	OriginalFilename string    `bigquery:"original_filename"`
	FileHash         string    `bigquery:"file_hash"`
	SourceURI        string    `bigquery:"source_uri"`
	FileSize         int64     `bigquery:"file_size"`
	UploadTS         time.Time `bigquery:"upload_ts"` // REQUIRED

	Status                string                 `bigquery:"status"`
	ProcessingStartedTS   bigquery.NullTimestamp `bigquery:"processing_started_ts"`   // NULLABLE
	ProcessingCompletedTS bigquery.NullTimestamp `bigquery:"processing_completed_ts"` // NULLABLE
	ErrorMessage          string                 `bigquery:"error_message"`
	PageCount             int64                  `bigquery:"page_count"`

	// CurrentRunID names the run whose transactions are visible.
	CurrentRunID string `bigquery:"current_run_id"`

	PromptTokens     int64 `bigquery:"prompt_tokens"`
	CompletionTokens int64 `bigquery:"completion_tokens"`
	TotalTokens      int64 `bigquery:"total_tokens"`

	CustomerDetails   bigquery.NullJSON `bigquery:"customer_details"`
	BankDetails       bigquery.NullJSON `bigquery:"bank_details"`
	RawExtractionData bigquery.NullJSON `bigquery:"raw_extraction_data"`
	ConfidenceScores  bigquery.NullJSON `bigquery:"confidence_scores"`
	ProcessingLogs    bigquery.NullJSON `bigquery:"processing_logs"`
	ValidationErrors  bigquery.NullJSON `bigquery:"validation_errors"`
	TransactionSchema bigquery.NullJSON `bigquery:"transaction_schema"`

	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

func nullJSON(v interface{}) (bigquery.NullJSON, error) {
	if v == nil {
		return bigquery.NullJSON{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return bigquery.NullJSON{}, err
	}
	if string(b) == "null" {
		return bigquery.NullJSON{}, nil
	}
	return bigquery.NullJSON{JSONVal: string(b), Valid: true}, nil
}

func fromNullJSON(n bigquery.NullJSON, dst interface{}) error {
	if !n.Valid || n.JSONVal == "" {
		return nil
	}
	return decodeJSON(n.JSONVal, dst)
}

// decodeJSON keeps numbers as json.Number, as the extraction layer does.
func decodeJSON(s string, dst interface{}) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(dst)
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func fromNullTimestamp(n bigquery.NullTimestamp) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Timestamp.UTC()
	return &t
}

// newStatementRow converts a statement into a row version.
func newStatementRow(s *domain.Statement, runID string, version int64, now time.Time) (*StatementRow, error) {
	row := &StatementRow{
		StatementID:           s.ID,
		Version:               version,
		OriginalFilename:      s.OriginalFilename,
		FileHash:              s.FileHash,
		SourceURI:             s.SourceURI,
		FileSize:              s.FileSize,
		UploadTS:              s.UploadDate,
		Status:                string(s.Status),
		ProcessingStartedTS:   nullTimestamp(s.ProcessingStartedAt),
		ProcessingCompletedTS: nullTimestamp(s.ProcessingCompletedAt),
		ErrorMessage:          s.ErrorMessage,
		PageCount:             int64(s.PageCount),
		CurrentRunID:          runID,
		PromptTokens:          int64(s.TokenUsage.PromptTokens),
		CompletionTokens:      int64(s.TokenUsage.CompletionTokens),
		TotalTokens:           int64(s.TokenUsage.TotalTokens),
		UpdatedTS:             now,
	}

	fields := []struct {
		name string
		v    interface{}
		dst  *bigquery.NullJSON
	}{
		{"customer_details", s.CustomerDetails, &row.CustomerDetails},
		{"bank_details", s.BankDetails, &row.BankDetails},
		{"raw_extraction_data", s.RawExtractionData, &row.RawExtractionData},
		{"confidence_scores", s.ConfidenceScores, &row.ConfidenceScores},
		{"processing_logs", s.ProcessingLogs, &row.ProcessingLogs},
		{"validation_errors", s.ValidationErrors, &row.ValidationErrors},
		{"transaction_schema", s.TransactionSchema, &row.TransactionSchema},
	}
	for _, f := range fields {
		j, err := nullJSON(f.v)
		if err != nil {
			return nil, fmt.Errorf("newStatementRow: %s: %w", f.name, err)
		}
		*f.dst = j
	}
	return row, nil
}

// Statement converts the row back into the domain model.
func (r *StatementRow) Statement() (*domain.Statement, error) {
	s := &domain.Statement{
		ID:                    r.StatementID,
		OriginalFilename:      r.OriginalFilename,
		FileHash:              r.FileHash,
		SourceURI:             r.SourceURI,
		FileSize:              r.FileSize,
		UploadDate:            r.UploadTS.UTC(),
		Status:                domain.Status(r.Status),
		ProcessingStartedAt:   fromNullTimestamp(r.ProcessingStartedTS),
		ProcessingCompletedAt: fromNullTimestamp(r.ProcessingCompletedTS),
		ErrorMessage:          r.ErrorMessage,
		PageCount:             int(r.PageCount),
		TokenUsage: domain.TokenUsage{
			PromptTokens:     int(r.PromptTokens),
			CompletionTokens: int(r.CompletionTokens),
			TotalTokens:      int(r.TotalTokens),
		},
	}

	fields := []struct {
		name string
		src  bigquery.NullJSON
		dst  interface{}
	}{
		{"customer_details", r.CustomerDetails, &s.CustomerDetails},
		{"bank_details", r.BankDetails, &s.BankDetails},
		{"raw_extraction_data", r.RawExtractionData, &s.RawExtractionData},
		{"confidence_scores", r.ConfidenceScores, &s.ConfidenceScores},
		{"processing_logs", r.ProcessingLogs, &s.ProcessingLogs},
		{"validation_errors", r.ValidationErrors, &s.ValidationErrors},
		{"transaction_schema", r.TransactionSchema, &s.TransactionSchema},
	}
	for _, f := range fields {
		if err := fromNullJSON(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("StatementRow.Statement: %s: %w", f.name, err)
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
