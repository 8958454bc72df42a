// Package api assembles the HTTP routes of the statement service.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/statement-extractor/internal/api/handlers"
	"github.com/dvloznov/statement-extractor/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Handlers groups the endpoint handlers served by NewRouter.
type Handlers struct {
	Statements   *handlers.StatementsHandler
	Transactions *handlers.TransactionsHandler
	Jobs         *handlers.JobsHandler
}

// NewRouter registers every route and applies the middleware chain.
func NewRouter(h Handlers, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Statements endpoints
	mux.HandleFunc("POST /api/upload", h.Statements.Upload)
	mux.HandleFunc("GET /api/statements", h.Statements.ListStatements)
	mux.HandleFunc("GET /api/statements/{id}", h.Statements.GetStatement)
	mux.HandleFunc("DELETE /api/statements/{id}", h.Statements.DeleteStatement)
	mux.HandleFunc("GET /api/statements/{id}/metadata", h.Statements.GetMetadata)
	mux.HandleFunc("GET /api/statements/{id}/schema", h.Statements.GetSchema)
	mux.HandleFunc("PUT /api/statements/{id}/schema", h.Statements.UpdateSchema)
	mux.HandleFunc("GET /api/statements/{id}/summary", h.Statements.GetSummary)
	mux.HandleFunc("GET /api/statements/{id}/transactions", h.Statements.ListTransactions)
	mux.HandleFunc("GET /api/statements/{id}/file", h.Statements.DownloadFile)
	mux.HandleFunc("GET /api/statements/{id}/export.xlsx", h.Statements.Export)
	mux.HandleFunc("POST /api/statements/{id}/reprocess", h.Statements.Reprocess)

	// Transactions endpoints
	mux.HandleFunc("GET /api/transactions", h.Transactions.ListTransactions)

	// Jobs endpoints
	mux.HandleFunc("GET /api/jobs", h.Jobs.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.Jobs.GetJob)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Chain(mux, log)
}
