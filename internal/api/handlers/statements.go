package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dvloznov/statement-extractor/internal/api/middleware"
	"github.com/dvloznov/statement-extractor/internal/blobstore"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/export"
	"github.com/dvloznov/statement-extractor/internal/jobs"
	"github.com/dvloznov/statement-extractor/internal/logger"
	"github.com/dvloznov/statement-extractor/internal/normalize"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// StatementsConfig holds the upload and job settings of a StatementsHandler.
type StatementsConfig struct {
	MaxUploadBytes int64
	JobMaxRetries  int
}

// StatementsHandler handles statement-related endpoints.
type StatementsHandler struct {
	repo      StatementRepository
	blobs     blobstore.Store
	publisher jobs.Publisher
	schemas   SchemaUpdater
	validate  *validator.Validate
	cfg       StatementsConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewStatementsHandler creates a new statements handler.
func NewStatementsHandler(repo StatementRepository, blobs blobstore.Store, publisher jobs.Publisher, schemas SchemaUpdater, cfg StatementsConfig, log zerolog.Logger) *StatementsHandler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	return &StatementsHandler{
		repo:      repo,
		blobs:     blobs,
		publisher: publisher,
		schemas:   schemas,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		cfg:       cfg,
		log:       log.With().Str("component", "statements_api").Logger(),
		now:       time.Now,
	}
}

// Upload handles POST /api/upload
func (h *StatementsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds %d bytes", h.cfg.MaxUploadBytes))
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "A PDF must be sent in the 'file' form field")
		return
	}
	defer file.Close()

	filename := path.Base(strings.ReplaceAll(header.Filename, `\`, "/"))
	if !strings.EqualFold(path.Ext(filename), ".pdf") {
		middleware.WriteError(w, http.StatusBadRequest, "Only PDF files are accepted")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to read upload")
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		middleware.WriteError(w, http.StatusBadRequest, "File is not a PDF")
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if existing, err := h.repo.FindStatementByHash(ctx, hash); err == nil {
		writeDuplicate(w, existing.ID)
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		middleware.WriteErrorFrom(w, r, err, "Failed to check for duplicates")
		return
	}

	now := h.now().UTC()
	uri, err := h.blobs.Put(ctx, blobstore.UploadKey(hash, filename, now), bytes.NewReader(data))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to store file")
		return
	}

	stmt := &domain.Statement{
		ID:               uuid.NewString(),
		OriginalFilename: filename,
		FileHash:         hash,
		SourceURI:        uri,
		FileSize:         int64(len(data)),
		UploadDate:       now,
		Status:           domain.StatusPending,
		CustomerDetails:  domain.Details{},
		BankDetails:      domain.Details{},
		ProcessingLogs:   []domain.ProcessingLog{},
	}
	if err := h.repo.CreateStatement(ctx, stmt); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// Lost a race with an identical upload, which owns the stored object.
			if existing, ferr := h.repo.FindStatementByHash(ctx, hash); ferr == nil {
				writeDuplicate(w, existing.ID)
				return
			}
		} else {
			h.deleteBlob(ctx, uri)
		}
		middleware.WriteErrorFrom(w, r, err, "Failed to save statement")
		return
	}

	job, err := h.enqueue(ctx, stmt, false)
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue processing job")
		return
	}

	h.log.Info().
		Str("statement_id", stmt.ID).
		Str("job_id", job.JobID).
		Str("filename", filename).
		Int64("bytes", stmt.FileSize).
		Msg("Statement uploaded")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"statement_id": stmt.ID,
		"job_id":       job.JobID,
		"status":       string(stmt.Status),
	})
}

func writeDuplicate(w http.ResponseWriter, existingID string) {
	middleware.WriteJSON(w, http.StatusConflict, map[string]string{
		"error":                 "This statement has already been uploaded",
		"existing_statement_id": existingID,
	})
}

// enqueue publishes a processing job. When publishing fails a pending
// statement is marked failed so that it does not wait forever.
func (h *StatementsHandler) enqueue(ctx context.Context, stmt *domain.Statement, reprocess bool) (*jobs.ProcessStatementJob, error) {
	job := &jobs.ProcessStatementJob{
		StatementID: stmt.ID,
		Reprocess:   reprocess,
		MaxRetries:  h.cfg.JobMaxRetries,
	}
	err := h.publisher.PublishProcessStatement(ctx, job)
	if err == nil {
		return job, nil
	}

	h.log.Error().Err(err).Str("statement_id", stmt.ID).Msg("Failed to enqueue processing job")
	if stmt.Status == domain.StatusPending {
		stmt.Status = domain.StatusFailed
		stmt.ErrorMessage = fmt.Sprintf("could not enqueue processing: %v", err)
		if serr := h.repo.SaveResult(context.WithoutCancel(ctx), stmt, nil); serr != nil {
			h.log.Error().Err(serr).Str("statement_id", stmt.ID).Msg("Failed to mark statement failed")
		}
	}
	return nil, err
}

func (h *StatementsHandler) deleteBlob(ctx context.Context, uri string) {
	if err := h.blobs.Delete(context.WithoutCancel(ctx), uri); err != nil {
		h.log.Warn().Err(err).Str("uri", uri).Msg("Failed to delete stored file")
	}
}

// statementItem is the list view of a statement.
type statementItem struct {
	ID               string        `json:"id"`
	OriginalFilename string        `json:"original_filename"`
	UploadDate       time.Time     `json:"upload_date"`
	Status           domain.Status `json:"status"`
	PageCount        int           `json:"page_count"`
	FileSize         int64         `json:"file_size"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	BankName         string        `json:"bank_name,omitempty"`
	AccountNumber    string        `json:"account_number,omitempty"`
	AccountHolder    string        `json:"account_holder_name,omitempty"`
}

func newStatementItem(s *domain.Statement) statementItem {
	return statementItem{
		ID:               s.ID,
		OriginalFilename: s.OriginalFilename,
		UploadDate:       s.UploadDate,
		Status:           s.Status,
		PageCount:        s.PageCount,
		FileSize:         s.FileSize,
		ErrorMessage:     s.ErrorMessage,
		BankName:         s.BankDetails.String("bank_name"),
		AccountNumber:    s.CustomerDetails.String("account_number"),
		AccountHolder:    s.CustomerDetails.String("account_holder_name"),
	}
}

// ListStatements handles GET /api/statements
func (h *StatementsHandler) ListStatements(w http.ResponseWriter, r *http.Request) {
	p, err := parsePagination(r)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "")
		return
	}
	f := store.StatementFilter{
		Status: domain.Status(strings.ToLower(r.URL.Query().Get("status"))),
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:  p.Limit,
		Offset: p.offset(),
	}
	if f.Status != "" && !f.Status.Valid() {
		middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", f.Status))
		return
	}

	statements, total, err := h.repo.ListStatements(r.Context(), f)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to list statements")
		return
	}

	items := make([]statementItem, 0, len(statements))
	for _, s := range statements {
		items = append(items, newStatementItem(s))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"statements": items,
		"total":      total,
		"page":       p.Page,
		"limit":      p.Limit,
	})
}

// GetStatement handles GET /api/statements/{id}
func (h *StatementsHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	stmt, err := h.repo.GetStatement(r.Context(), r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stmt)
}

type processingTimes struct {
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
}

// GetMetadata handles GET /api/statements/{id}/metadata
func (h *StatementsHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	stmt, err := h.repo.GetStatement(r.Context(), r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}

	times := processingTimes{StartedAt: stmt.ProcessingStartedAt, CompletedAt: stmt.ProcessingCompletedAt}
	if d := stmt.ProcessingDuration(); d > 0 {
		secs := d.Seconds()
		times.DurationSeconds = &secs
	}
	raw := stmt.RawExtractionData
	if raw == nil {
		raw = []domain.RawPageResponse{}
	}
	logs := stmt.ProcessingLogs
	if logs == nil {
		logs = []domain.ProcessingLog{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"statement_id":        stmt.ID,
		"status":              stmt.Status,
		"error_message":       stmt.ErrorMessage,
		"page_count":          stmt.PageCount,
		"file_hash":           stmt.FileHash,
		"file_size":           stmt.FileSize,
		"raw_extraction_data": raw,
		"token_usage":         stmt.TokenUsage,
		"confidence_scores":   stmt.ConfidenceScores,
		"processing_logs":     logs,
		"validation_errors":   stmt.ValidationErrors,
		"transaction_schema":  stmt.TransactionSchema,
		"processing_times":    times,
	})
}

// GetSchema handles GET /api/statements/{id}/schema
func (h *StatementsHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	stmt, err := h.repo.GetStatement(r.Context(), r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	if stmt.TransactionSchema == nil {
		middleware.WriteError(w, http.StatusNotFound, "Statement has no transaction schema")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stmt.TransactionSchema)
}

type schemaUpdateRequest struct {
	ColumnMetadata map[string]domain.ColumnMeta `json:"column_metadata" validate:"required,min=1,dive,keys,required,endkeys"`
}

// UpdateSchema handles PUT /api/statements/{id}/schema
func (h *StatementsHandler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteErrorFrom(w, r, err, "")
		return
	}

	schema, err := h.schemas.UpdateSchema(r.Context(), r.PathValue("id"), req.ColumnMetadata)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to update schema")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, schema)
}

type statementSummary struct {
	StatementID    string          `json:"statement_id"`
	Status         domain.Status   `json:"status"`
	Total          int             `json:"total_transactions"`
	TotalCredit    decimal.Decimal `json:"total_credit"`
	TotalDebit     decimal.Decimal `json:"total_debit"`
	Net            decimal.Decimal `json:"net"`
	CreditCount    int             `json:"credit_count"`
	DebitCount     int             `json:"debit_count"`
	OpeningBalance *string         `json:"opening_balance"`
	ClosingBalance *string         `json:"closing_balance"`
	Currency       string          `json:"currency,omitempty"`
}

// GetSummary handles GET /api/statements/{id}/summary
func (h *StatementsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stmt, err := h.repo.GetStatement(ctx, r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	sum, err := h.repo.SummarizeTransactions(ctx, store.TransactionFilter{StatementID: stmt.ID})
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to summarize transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, statementSummary{
		StatementID:    stmt.ID,
		Status:         stmt.Status,
		Total:          sum.Count,
		TotalCredit:    sum.Credit,
		TotalDebit:     sum.Debit,
		Net:            sum.Net,
		CreditCount:    sum.CreditCount,
		DebitCount:     sum.DebitCount,
		OpeningBalance: balance(stmt.BankDetails, "opening_balance"),
		ClosingBalance: balance(stmt.BankDetails, "closing_balance"),
		Currency:       stmt.BankDetails.String("currency"),
	})
}

func balance(d domain.Details, key string) *string {
	a, ok := normalize.ParseAmount(d[key])
	if !ok {
		return nil
	}
	s := a.Value.String()
	return &s
}

// ListTransactions handles GET /api/statements/{id}/transactions
func (h *StatementsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, p, err := parseTransactionFilter(r)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "")
		return
	}
	stmt, err := h.repo.GetStatement(ctx, r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	f.StatementID = stmt.ID

	writeTransactions(w, r, h.repo, f, p, map[string]interface{}{
		"statement_id": stmt.ID,
		"schema":       stmt.TransactionSchema,
	})
}

// DownloadFile handles GET /api/statements/{id}/file
func (h *StatementsHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stmt, err := h.repo.GetStatement(ctx, r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	data, err := h.blobs.Get(ctx, stmt.SourceURI)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to read stored file")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", blobstore.SanitizeFilename(stmt.OriginalFilename)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to write file response")
	}
}

// Export handles GET /api/statements/{id}/export.xlsx
func (h *StatementsHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stmt, err := h.repo.GetStatement(ctx, r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	txs, err := allTransactions(ctx, h.repo, store.TransactionFilter{StatementID: stmt.ID})
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to list transactions")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, stmt, txs); err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to build workbook")
		return
	}

	name := strings.TrimSuffix(blobstore.SanitizeFilename(stmt.OriginalFilename), ".pdf") + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// Reprocess handles POST /api/statements/{id}/reprocess
func (h *StatementsHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stmt, err := h.repo.GetStatement(ctx, r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	if !stmt.Status.Terminal() {
		middleware.WriteError(w, http.StatusConflict, fmt.Sprintf("Statement is %s", stmt.Status))
		return
	}

	job, err := h.enqueue(ctx, stmt, true)
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue processing job")
		return
	}
	h.log.Info().Str("statement_id", stmt.ID).Str("job_id", job.JobID).Msg("Reprocessing enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"statement_id": stmt.ID,
		"job_id":       job.JobID,
		"status":       string(jobs.JobStatusPending),
	})
}

// DeleteStatement handles DELETE /api/statements/{id}
func (h *StatementsHandler) DeleteStatement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stmt, err := h.repo.GetStatement(ctx, r.PathValue("id"))
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to get statement")
		return
	}
	if stmt.Status == domain.StatusProcessing {
		middleware.WriteError(w, http.StatusConflict, "Statement is being processed")
		return
	}

	if err := h.repo.DeleteStatement(ctx, stmt.ID); err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to delete statement")
		return
	}
	h.deleteBlob(ctx, stmt.SourceURI)
	h.log.Info().Str("statement_id", stmt.ID).Msg("Statement deleted")

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"statement_id": stmt.ID,
		"status":       "deleted",
	})
}
