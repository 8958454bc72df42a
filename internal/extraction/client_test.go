package extraction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/rs/zerolog"
)

const minimalPage = `{"customer_details": {}, "bank_details": {"currency": "GBP"}, "transactions": [{"Date": "2024-01-01", "Amount": 5}]}`

type modelReply struct {
	text string
	err  error
	in   int
	out  int
}

// MockModel replays canned replies in order and records every request.
type MockModel struct {
	mu       sync.Mutex
	replies  []modelReply
	requests []*ModelRequest
}

func (m *MockModel) Name() string { return "mock" }

func (m *MockModel) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	if len(m.replies) == 0 {
		return nil, errors.New("no more replies")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &ModelResponse{Text: r.text, Usage: domain.NewTokenUsage(r.in, r.out)}, nil
}

func newTestClient(m Model) (*Client, *[]time.Duration) {
	c := NewClient(m, Config{MaxAttempts: 3, RetryDelay: time.Second, MaxRetryDelay: 3 * time.Second}, zerolog.Nop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestClient_Extract(t *testing.T) {
	rateLimit := &StatusError{StatusCode: 429, Message: "too many requests"}
	unavailable := &StatusError{StatusCode: 503, Message: "unavailable"}

	tests := []struct {
		name         string
		replies      []modelReply
		wantErr      string // "", "transient", "validation", "quota"
		wantStatuses []domain.LogStatus
		wantTokens   int
		wantSleeps   []time.Duration
		wantCalls    int
	}{
		{
			name:         "first call succeeds",
			replies:      []modelReply{{text: minimalPage, in: 100, out: 20}},
			wantStatuses: []domain.LogStatus{domain.LogSuccess},
			wantTokens:   120,
			wantCalls:    1,
		},
		{
			name: "transport retry then success",
			replies: []modelReply{
				{err: unavailable},
				{err: context.DeadlineExceeded},
				{text: minimalPage, in: 100, out: 20},
			},
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogRetry, domain.LogSuccess},
			wantTokens:   120,
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
			wantCalls:    3,
		},
		{
			name:         "retries exhausted",
			replies:      []modelReply{{err: unavailable}, {err: unavailable}, {err: unavailable}},
			wantErr:      "transient",
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogRetry, domain.LogError},
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
			wantCalls:    3,
		},
		{
			name:         "persistent rate limit fails only the page",
			replies:      []modelReply{{err: rateLimit}, {err: rateLimit}, {err: rateLimit}},
			wantErr:      "transient",
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogRetry, domain.LogError},
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
			wantCalls:    3,
		},
		{
			name:         "bad request is not retried",
			replies:      []modelReply{{err: &StatusError{StatusCode: 400, Message: "invalid image"}}},
			wantErr:      "transient",
			wantStatuses: []domain.LogStatus{domain.LogError},
			wantCalls:    1,
		},
		{
			name:         "request timeout is retried",
			replies:      []modelReply{{err: &StatusError{StatusCode: 408, Message: "timeout"}}, {text: minimalPage, in: 10, out: 2}},
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogSuccess},
			wantTokens:   12,
			wantSleeps:   []time.Duration{time.Second},
			wantCalls:    2,
		},
		{
			name:         "auth failure is not retried",
			replies:      []modelReply{{err: &StatusError{StatusCode: 403, Message: "forbidden"}}},
			wantErr:      "quota",
			wantStatuses: []domain.LogStatus{domain.LogError},
			wantCalls:    1,
		},
		{
			name:         "explicit quota is not retried",
			replies:      []modelReply{{err: &StatusError{StatusCode: 429, Message: "quota exceeded", Quota: true}}},
			wantErr:      "quota",
			wantStatuses: []domain.LogStatus{domain.LogError},
			wantCalls:    1,
		},
		{
			name: "invalid reply corrected",
			replies: []modelReply{
				{text: `{"customer_details": {}}`, in: 100, out: 5},
				{text: minimalPage, in: 150, out: 20},
			},
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogSuccess},
			wantTokens:   275,
			wantCalls:    2,
		},
		{
			name: "invalid twice",
			replies: []modelReply{
				{text: "not json", in: 100, out: 5},
				{text: `{"customer_details": {}}`, in: 150, out: 5},
			},
			wantErr:      "validation",
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogError},
			wantTokens:   260,
			wantCalls:    2,
		},
		{
			name: "correction call retried on transport error",
			replies: []modelReply{
				{text: "garbage", in: 10, out: 1},
				{err: unavailable},
				{text: minimalPage, in: 20, out: 2},
			},
			wantStatuses: []domain.LogStatus{domain.LogRetry, domain.LogRetry, domain.LogSuccess},
			wantTokens:   33,
			wantSleeps:   []time.Duration{time.Second},
			wantCalls:    3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &MockModel{replies: tt.replies}
			client, slept := newTestClient(model)

			var attempts []Attempt
			res, err := client.Extract(context.Background(), Request{
				PageNumber: 2,
				Image:      []byte("png"),
				OnAttempt:  func(a Attempt) { attempts = append(attempts, a) },
			})

			switch tt.wantErr {
			case "":
				if err != nil {
					t.Fatalf("Extract() error = %v", err)
				}
				if res.PageNumber != 2 {
					t.Errorf("PageNumber = %d, want 2", res.PageNumber)
				}
				if res.Usage.TotalTokens != tt.wantTokens {
					t.Errorf("Usage.TotalTokens = %d, want %d", res.Usage.TotalTokens, tt.wantTokens)
				}
				if res.Attempts != tt.wantCalls {
					t.Errorf("Attempts = %d, want %d", res.Attempts, tt.wantCalls)
				}
			case "transient":
				var te *TransientError
				if !errors.As(err, &te) {
					t.Fatalf("Extract() error = %v, want *TransientError", err)
				}
				if IsQuota(err) {
					t.Errorf("Extract() error = %v, must not be a quota error", err)
				}
			case "validation":
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("Extract() error = %v, want *ValidationError", err)
				}
				if ve.Page != 2 || len(ve.Problems) == 0 {
					t.Errorf("ValidationError = %+v", ve)
				}
			case "quota":
				if !IsQuota(err) {
					t.Fatalf("Extract() error = %v, want *QuotaError", err)
				}
			}

			if len(model.requests) != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", len(model.requests), tt.wantCalls)
			}
			if len(attempts) != len(tt.wantStatuses) {
				t.Fatalf("attempts = %d, want %d", len(attempts), len(tt.wantStatuses))
			}
			logged := 0
			for i, a := range attempts {
				if a.Status != tt.wantStatuses[i] {
					t.Errorf("attempt %d status = %s, want %s", i+1, a.Status, tt.wantStatuses[i])
				}
				if a.Number != i+1 || a.Page != 2 {
					t.Errorf("attempt %d = number %d page %d", i+1, a.Number, a.Page)
				}
				logged += a.Usage.TotalTokens
			}
			if logged != tt.wantTokens {
				t.Errorf("sum of attempt tokens = %d, want %d", logged, tt.wantTokens)
			}
			if len(*slept) != len(tt.wantSleeps) {
				t.Fatalf("sleeps = %v, want %v", *slept, tt.wantSleeps)
			}
			for i := range tt.wantSleeps {
				if (*slept)[i] != tt.wantSleeps[i] {
					t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], tt.wantSleeps[i])
				}
			}
		})
	}
}

func TestClient_CorrectionCarriesConversation(t *testing.T) {
	model := &MockModel{replies: []modelReply{
		{text: `{"customer_details": {}}`},
		{text: minimalPage},
	}}
	client, _ := newTestClient(model)

	res, err := client.Extract(context.Background(), Request{
		PageNumber: 1,
		Image:      []byte("png"),
		Hint:       &SchemaHint{Columns: []string{"Date"}},
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !res.Corrected {
		t.Error("Corrected = false, want true")
	}

	second := model.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("correction request has %d messages, want 3", len(second.Messages))
	}
	if second.Messages[0].MIMEType != "image/png" || len(second.Messages[0].Image) == 0 {
		t.Error("first turn lost the page image")
	}
	if second.Messages[1].Role != RoleModel || second.Messages[1].Text != `{"customer_details": {}}` {
		t.Errorf("second turn = %+v, want previous model reply", second.Messages[1])
	}
	if second.Messages[2].Role != RoleUser {
		t.Errorf("third turn role = %s, want user", second.Messages[2].Role)
	}
	if !second.JSON || second.MaxTokens != DefaultConfig().MaxTokens {
		t.Errorf("request options = json %v max tokens %d", second.JSON, second.MaxTokens)
	}
}

func TestClient_EmptyImage(t *testing.T) {
	client, _ := newTestClient(&MockModel{})
	if _, err := client.Extract(context.Background(), Request{PageNumber: 1}); err == nil {
		t.Fatal("Extract() expected error for empty image")
	}
}

func TestClient_Backoff(t *testing.T) {
	client, _ := newTestClient(&MockModel{})
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := client.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
