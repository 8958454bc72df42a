// Package assembler turns an orchestrator run into the final statement record
// and its transactions.
package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/dvloznov/statement-extractor/internal/normalize"
	"github.com/dvloznov/statement-extractor/internal/orchestrator"
	"github.com/dvloznov/statement-extractor/internal/reconcile"
	"github.com/rs/zerolog"
)

// ActionAssemble is the processing-log action for the final assembly step.
const ActionAssemble = "assemble"

// ErrNoSchema is returned by UpdateSchema for a statement that has not been
// assembled yet.
var ErrNoSchema = domain.ErrNoSchema

// SchemaStore is the storage needed by UpdateSchema. UpdateColumnMetadata
// must apply the updates atomically against the stored schema.
type SchemaStore interface {
	UpdateColumnMetadata(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error)
}

// Assembly is the terminal state of one processing run. Transactions is empty
// unless the statement completed.
type Assembly struct {
	Statement    *domain.Statement
	Transactions []*domain.Transaction
}

// Assembler builds statement records.
type Assembler struct {
	reconciler *reconcile.Reconciler
	store      SchemaStore
	log        zerolog.Logger
	now        func() time.Time
}

// New creates an Assembler. store may be nil when UpdateSchema is not used.
func New(reconciler *reconcile.Reconciler, store SchemaStore, log zerolog.Logger) *Assembler {
	if reconciler == nil {
		reconciler = reconcile.New(reconcile.DefaultRegistry(), 0)
	}
	return &Assembler{
		reconciler: reconciler,
		store:      store,
		log:        log.With().Str("component", "assembler").Logger(),
		now:        time.Now,
	}
}

// Assemble combines the page outcomes of run into a terminal copy of stmt,
// which must be processing. Data problems never surface as an error: they
// produce a failed statement with an error message. An error is returned only
// for a statement in the wrong state.
func (a *Assembler) Assemble(stmt *domain.Statement, run *orchestrator.Run) (*Assembly, error) {
	if stmt == nil || run == nil {
		return nil, fmt.Errorf("Assemble: statement and run are required")
	}
	if stmt.Status != domain.StatusProcessing {
		return nil, fmt.Errorf("Assemble: statement %s is %s: %w", stmt.ID, stmt.Status, domain.ErrInvalidTransition)
	}

	s := *stmt
	s.ProcessingLogs = append(append([]domain.ProcessingLog(nil), stmt.ProcessingLogs...), run.Logs...)
	s.TokenUsage = run.TokenUsage
	s.RawExtractionData = rawResponses(run)
	s.ValidationErrors = validationErrors(run)
	s.ConfidenceScores = summarizeConfidence(run)
	s.TransactionSchema = nil
	s.ErrorMessage = ""

	results := run.Results()
	if len(results) == 0 {
		return a.fail(&s, noPagesMessage(run)), nil
	}

	s.CustomerDetails = mergeDetails(results, func(r *extraction.Result) domain.Details { return r.CustomerDetails })
	s.BankDetails = mergeDetails(results, func(r *extraction.Result) domain.Details { return r.BankDetails })
	if raw := s.BankDetails.String("currency"); raw != "" {
		if code, ok := normalize.NormalizeCurrency(raw); ok {
			s.BankDetails["currency"] = code
		}
	}

	inputs := make([]reconcile.PageInput, 0, len(results))
	for _, r := range results {
		inputs = append(inputs, reconcile.PageInput{PageNumber: r.PageNumber, Columns: r.Columns, Rows: r.Transactions})
	}
	rec, err := a.reconciler.Reconcile(inputs)
	if err != nil {
		return a.fail(&s, fmt.Sprintf("schema reconciliation failed: %v", err)), nil
	}

	rows, dropped := dropBoundaryRepeats(rec.Rows)
	txs, err := buildTransactions(rec.Schema, s.ID, rows)
	if err != nil {
		return a.fail(&s, fmt.Sprintf("transaction assembly failed: %v", err)), nil
	}

	s.TransactionSchema = rec.Schema
	if err := s.Transition(domain.StatusCompleted); err != nil {
		return nil, fmt.Errorf("Assemble: %w", err)
	}
	now := a.now().UTC()
	s.ProcessingCompletedAt = &now

	msg := fmt.Sprintf("%d transactions from %d of %d pages", len(txs), run.Succeeded, len(run.Pages))
	if dropped > 0 {
		msg += fmt.Sprintf(", %d repeated page-boundary rows dropped", dropped)
	}
	// Page entries already carry the tokens; the total goes in the message
	// so summing tokens_used over the log still equals token_usage.
	msg += fmt.Sprintf(", %d tokens total", s.TokenUsage.TotalTokens)
	s.AppendLog(domain.ProcessingLog{
		Timestamp: now,
		Action:    ActionAssemble,
		Status:    domain.LogCompleted,
		Message:   msg,
	})
	if err := s.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("Assemble: %w", err)
	}

	a.log.Info().Str("statement_id", s.ID).Int("transactions", len(txs)).
		Int("failed_pages", run.Failed+run.Skipped).Msg("statement assembled")
	return &Assembly{Statement: &s, Transactions: txs}, nil
}

// Fail returns a failed copy of stmt with msg. Callers use it for errors
// raised before extraction, such as an unreadable PDF.
func (a *Assembler) Fail(stmt *domain.Statement, msg string) *Assembly {
	s := *stmt
	s.ProcessingLogs = append([]domain.ProcessingLog(nil), stmt.ProcessingLogs...)
	return a.fail(&s, msg)
}

func (a *Assembler) fail(s *domain.Statement, msg string) *Assembly {
	s.Status = domain.StatusFailed
	s.ErrorMessage = msg
	now := a.now().UTC()
	s.ProcessingCompletedAt = &now
	s.AppendLog(domain.ProcessingLog{
		Timestamp: now,
		Action:    ActionAssemble,
		Status:    domain.LogFailed,
		Error:     msg,
	})
	a.log.Error().Str("statement_id", s.ID).Str("reason", msg).Msg("statement failed")
	return &Assembly{Statement: s}
}

func noPagesMessage(run *orchestrator.Run) string {
	if run.QuotaErr != nil {
		return fmt.Sprintf("extraction stopped: model API quota exhausted or credentials rejected: %v", run.QuotaErr)
	}
	for _, p := range run.Pages {
		if p.Err != nil {
			return fmt.Sprintf("no page could be extracted: %v", p.Err)
		}
	}
	return "document produced no pages"
}

// mergeDetails takes, for every key, the first non-empty value in page order.
func mergeDetails(results []*extraction.Result, pick func(*extraction.Result) domain.Details) domain.Details {
	out := domain.Details{}
	for _, r := range results {
		for key, v := range pick(r) {
			if isBlank(v) {
				continue
			}
			if _, taken := out[key]; !taken {
				out[key] = v
			}
		}
	}
	return out
}

func isBlank(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func rawResponses(run *orchestrator.Run) []domain.RawPageResponse {
	var out []domain.RawPageResponse
	for _, p := range run.Pages {
		switch {
		case p.Result != nil:
			out = append(out, domain.RawPageResponse{Page: p.Page, Valid: true, Response: asJSON(p.Result.Raw)})
		case p.Raw != "":
			out = append(out, domain.RawPageResponse{Page: p.Page, Valid: false, Response: asJSON(p.Raw)})
		}
	}
	return out
}

// asJSON keeps valid JSON as-is and stores anything else as a JSON string.
func asJSON(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(raw)
	return b
}

func validationErrors(run *orchestrator.Run) map[string]string {
	out := map[string]string{}
	for _, p := range run.Pages {
		var verr *extraction.ValidationError
		if errors.As(p.Err, &verr) {
			out[fmt.Sprintf("page_%d", p.Page)] = strings.Join(verr.Problems, "; ")
		}
	}
	return out
}

func summarizeConfidence(run *orchestrator.Run) *domain.ConfidenceSummary {
	var sum domain.ConfidenceSummary
	n := 0
	for _, r := range run.Results() {
		c := r.Confidence
		if c == nil {
			continue
		}
		sum.ByPage = append(sum.ByPage, domain.PageConfidence{Page: r.PageNumber, ConfidenceScores: *c})
		sum.Average.Overall += c.Overall
		sum.Average.CustomerDetails += c.CustomerDetails
		sum.Average.BankDetails += c.BankDetails
		sum.Average.Transactions += c.Transactions
		if n == 0 || c.Overall < sum.MinOverall {
			sum.MinOverall = c.Overall
		}
		if n == 0 || c.Overall > sum.MaxOverall {
			sum.MaxOverall = c.Overall
		}
		n++
	}
	if n == 0 {
		return nil
	}
	f := float64(n)
	sum.Average.Overall /= f
	sum.Average.CustomerDetails /= f
	sum.Average.BankDetails /= f
	sum.Average.Transactions /= f
	return &sum
}

// UpdateSchema overwrites the metadata of the named columns of a statement's
// schema. Columns and transaction data are never changed.
func (a *Assembler) UpdateSchema(ctx context.Context, id string, updates map[string]domain.ColumnMeta) (*domain.TransactionSchema, error) {
	if a.store == nil {
		return nil, fmt.Errorf("UpdateSchema: no schema store configured")
	}
	schema, err := a.store.UpdateColumnMetadata(ctx, id, updates)
	if err != nil {
		return nil, fmt.Errorf("UpdateSchema: statement %s: %w", id, err)
	}
	a.log.Info().Str("statement_id", id).Int("columns", len(updates)).Msg("column metadata updated")
	return schema, nil
}
