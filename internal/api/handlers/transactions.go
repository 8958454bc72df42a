package handlers

import (
	"net/http"

	"github.com/dvloznov/statement-extractor/internal/api/middleware"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/rs/zerolog"
)

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	repo StatementRepository
	log  zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(repo StatementRepository, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		repo: repo,
		log:  log,
	}
}

// ListTransactions handles GET /api/transactions
// It searches across statements unless statement_id is given.
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseTransactionFilter(r)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "")
		return
	}
	f.StatementID = r.URL.Query().Get("statement_id")

	writeTransactions(w, r, h.repo, f, p, nil)
}

// writeTransactions writes one page of transactions with the summary of the
// whole filtered set.
func writeTransactions(w http.ResponseWriter, r *http.Request, repo StatementRepository, f store.TransactionFilter, p pagination, extra map[string]interface{}) {
	ctx := r.Context()

	txs, total, err := repo.ListTransactions(ctx, f)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to query transactions")
		return
	}
	sum, err := repo.SummarizeTransactions(ctx, f)
	if err != nil {
		middleware.WriteErrorFrom(w, r, err, "Failed to summarize transactions")
		return
	}

	// Return an empty array rather than null for frontend compatibility
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	resp := map[string]interface{}{
		"transactions": txs,
		"total":        total,
		"page":         p.Page,
		"limit":        p.Limit,
		"summary":      sum,
	}
	for k, v := range extra {
		resp[k] = v
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
