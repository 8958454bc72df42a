package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dvloznov/statement-extractor/internal/api/handlers"
	"github.com/dvloznov/statement-extractor/internal/jobs/inmemory"
	"github.com/rs/zerolog"
)

func newTestRouter() http.Handler {
	return NewRouter(Handlers{
		Jobs: handlers.NewJobsHandler(inmemory.NewStore(), zerolog.Nop()),
	}, zerolog.Nop())
}

func TestRouter_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "healthy" {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("middleware chain not applied")
	}
}

func TestRouter_Routes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "job not found", method: http.MethodGet, path: "/api/jobs/missing", want: http.StatusNotFound},
		{name: "jobs list", method: http.MethodGet, path: "/api/jobs", want: http.StatusOK},
		{name: "wrong method", method: http.MethodPost, path: "/api/jobs", want: http.StatusMethodNotAllowed},
		{name: "unknown path", method: http.MethodGet, path: "/api/nothing", want: http.StatusNotFound},
	}

	router := newTestRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
