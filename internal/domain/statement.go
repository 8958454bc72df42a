package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a statement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a processing run has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a statement may move from s to next.
// A terminal statement can only go back to processing (reprocess).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return next == StatusProcessing
	}
	return false
}

// Details is a free-form header mapping (customer or bank details).
type Details map[string]interface{}

// String returns the value under key when it is a non-empty string.
func (d Details) String(key string) string {
	if d == nil {
		return ""
	}
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

// TokenUsage counts model tokens.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// NewTokenUsage builds a usage record whose total is prompt + completion.
func NewTokenUsage(prompt, completion int) TokenUsage {
	return TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// ConfidenceScores are the model's self-reported sub-scores for one page, each in [0,1].
type ConfidenceScores struct {
	Overall         float64 `json:"overall"`
	CustomerDetails float64 `json:"customer_details"`
	BankDetails     float64 `json:"bank_details"`
	Transactions    float64 `json:"transactions"`
}

// PageConfidence ties confidence scores to a page.
type PageConfidence struct {
	Page int `json:"page"`
	ConfidenceScores
}

// ConfidenceSummary aggregates confidence across pages.
type ConfidenceSummary struct {
	Average    ConfidenceScores `json:"average"`
	ByPage     []PageConfidence `json:"by_page"`
	MinOverall float64          `json:"min_overall"`
	MaxOverall float64          `json:"max_overall"`
}

// LogStatus is the outcome recorded by a processing log entry.
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogSuccess   LogStatus = "success"
	LogRetry     LogStatus = "retry"
	LogError     LogStatus = "error"
	LogSkipped   LogStatus = "skipped"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
)

// ProcessingLog is one append-only audit entry.
type ProcessingLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Page       int       `json:"page,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Status     LogStatus `json:"status"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Error      string    `json:"error,omitempty"`
	Validated  *bool     `json:"validated,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// RawPageResponse is the unmodified model output for one page.
type RawPageResponse struct {
	Page     int             `json:"page"`
	Valid    bool            `json:"valid"`
	Response json.RawMessage `json:"response"`
}

// Statement is the persisted record of one uploaded bank statement.
type Statement struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	FileHash         string    `json:"file_hash"`
	SourceURI        string    `json:"source_uri"`
	FileSize         int64     `json:"file_size"`
	UploadDate       time.Time `json:"upload_date"`

	Status                Status     `json:"status"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`

	CustomerDetails Details `json:"customer_details"`
	BankDetails     Details `json:"bank_details"`
	PageCount       int     `json:"page_count"`

	RawExtractionData []RawPageResponse  `json:"raw_extraction_data,omitempty"`
	TokenUsage        TokenUsage         `json:"token_usage"`
	ConfidenceScores  *ConfidenceSummary `json:"confidence_scores,omitempty"`
	ProcessingLogs    []ProcessingLog    `json:"processing_logs"`
	ValidationErrors  map[string]string  `json:"validation_errors,omitempty"`
	TransactionSchema *TransactionSchema `json:"transaction_schema"`
}

// Transition moves the statement to next, enforcing the lifecycle.
func (s *Statement) Transition(next Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("Transition: %s -> %s: %w", s.Status, next, ErrInvalidTransition)
	}
	s.Status = next
	return nil
}

// AppendLog adds an audit entry.
func (s *Statement) AppendLog(entry ProcessingLog) {
	s.ProcessingLogs = append(s.ProcessingLogs, entry)
}

// CheckInvariants verifies the terminal-state guarantees of a statement.
func (s *Statement) CheckInvariants() error {
	switch s.Status {
	case StatusCompleted:
		if s.TransactionSchema == nil {
			return fmt.Errorf("CheckInvariants: completed statement %s has no transaction schema", s.ID)
		}
	case StatusFailed:
		if s.ErrorMessage == "" {
			return fmt.Errorf("CheckInvariants: failed statement %s has no error message", s.ID)
		}
	}
	return nil
}

// ProcessingDuration returns how long the last run took, or zero.
func (s *Statement) ProcessingDuration() time.Duration {
	if s.ProcessingStartedAt == nil || s.ProcessingCompletedAt == nil {
		return 0
	}
	return s.ProcessingCompletedAt.Sub(*s.ProcessingStartedAt)
}
