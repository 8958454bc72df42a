package orchestrator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/rs/zerolog"
)

type fakePage struct {
	n       int
	readErr error
}

func (p fakePage) PageNumber() int            { return p.n }
func (p fakePage) MIMEType() string           { return "image/png" }
func (p fakePage) ReadImage() ([]byte, error) { return []byte("png"), p.readErr }

func pagesOf(n int, renderErr map[int]error) iter.Seq2[PageImage, error] {
	return func(yield func(PageImage, error) bool) {
		for i := 1; i <= n; i++ {
			if !yield(fakePage{n: i}, renderErr[i]) {
				return
			}
		}
	}
}

// MockExtractor runs ExtractFunc and tracks the peak number of concurrent calls.
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, req extraction.Request) (*extraction.Result, error)

	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	calls    []int
}

func (m *MockExtractor) Extract(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, req.PageNumber)
	m.mu.Unlock()
	return m.ExtractFunc(ctx, req)
}

// succeed reports one successful attempt of the given size.
func succeed(req extraction.Request, tokens int) (*extraction.Result, error) {
	usage := domain.NewTokenUsage(tokens, 0)
	if req.OnAttempt != nil {
		req.OnAttempt(extraction.Attempt{Page: req.PageNumber, Number: 1, Status: domain.LogSuccess, Usage: usage})
	}
	return &extraction.Result{PageNumber: req.PageNumber, Usage: usage}, nil
}

func TestRun_PreservesPageOrder(t *testing.T) {
	ex := &MockExtractor{ExtractFunc: func(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
		// Later pages finish first.
		time.Sleep(time.Duration(6-req.PageNumber) * 5 * time.Millisecond)
		return succeed(req, 10*req.PageNumber)
	}}
	o := New(ex, Config{Concurrency: 5}, zerolog.Nop())

	run, err := o.Run(context.Background(), pagesOf(5, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, p := range run.Pages {
		if p.Page != i+1 {
			t.Errorf("Pages[%d].Page = %d", i, p.Page)
		}
	}
	for i, l := range run.Logs {
		if l.Page != i+1 {
			t.Errorf("Logs[%d].Page = %d", i, l.Page)
		}
	}
	if run.Succeeded != 5 || run.Failed != 0 {
		t.Errorf("Succeeded/Failed = %d/%d", run.Succeeded, run.Failed)
	}
	if got := len(run.Results()); got != 5 {
		t.Errorf("Results() = %d, want 5", got)
	}
}

func TestRun_PartialFailure(t *testing.T) {
	ex := &MockExtractor{ExtractFunc: func(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
		if req.PageNumber == 2 {
			for i := 1; i <= 3; i++ {
				status := domain.LogRetry
				if i == 3 {
					status = domain.LogError
				}
				req.OnAttempt(extraction.Attempt{Page: 2, Number: i, Status: status, Err: errors.New("timeout")})
			}
			return nil, &extraction.TransientError{Page: 2, Attempts: 3, Err: errors.New("timeout")}
		}
		return succeed(req, 100)
	}}
	o := New(ex, Config{}, zerolog.Nop())

	run, err := o.Run(context.Background(), pagesOf(3, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Succeeded != 2 || run.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 2/1", run.Succeeded, run.Failed)
	}
	var te *extraction.TransientError
	if !errors.As(run.Pages[1].Err, &te) {
		t.Errorf("page 2 error = %v, want *TransientError", run.Pages[1].Err)
	}

	var page2 []domain.LogStatus
	for _, l := range run.Logs {
		if l.Page == 2 {
			page2 = append(page2, l.Status)
		}
	}
	if len(page2) != 3 || page2[2] != domain.LogError {
		t.Errorf("page 2 log statuses = %v, want retry, retry, error", page2)
	}
	if run.QuotaErr != nil {
		t.Errorf("QuotaErr = %v, want nil", run.QuotaErr)
	}
}

func TestRun_QuotaSkipsRemainingPages(t *testing.T) {
	ex := &MockExtractor{ExtractFunc: func(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
		req.OnAttempt(extraction.Attempt{Page: req.PageNumber, Number: 1, Status: domain.LogError})
		return nil, &extraction.QuotaError{Page: req.PageNumber, Err: errors.New("quota exceeded")}
	}}
	o := New(ex, Config{Concurrency: 1}, zerolog.Nop())

	run, err := o.Run(context.Background(), pagesOf(3, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !extraction.IsQuota(run.QuotaErr) {
		t.Fatalf("QuotaErr = %v, want quota error", run.QuotaErr)
	}
	if len(ex.calls) != 1 {
		t.Errorf("extract calls = %v, want only page 1", ex.calls)
	}
	if run.Succeeded != 0 || run.Failed != 1 || run.Skipped != 2 {
		t.Errorf("Succeeded/Failed/Skipped = %d/%d/%d, want 0/1/2", run.Succeeded, run.Failed, run.Skipped)
	}
	for _, p := range run.Pages[1:] {
		if !p.Skipped || len(p.Logs) != 1 || p.Logs[0].Status != domain.LogSkipped {
			t.Errorf("page %d = %+v, want one skipped log", p.Page, p)
		}
	}
}

func TestRun_TokenUsageMatchesLogs(t *testing.T) {
	ex := &MockExtractor{ExtractFunc: func(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
		// An invalid first reply still costs tokens.
		req.OnAttempt(extraction.Attempt{Page: req.PageNumber, Number: 1, Status: domain.LogRetry, Usage: domain.NewTokenUsage(50, 5)})
		req.OnAttempt(extraction.Attempt{Page: req.PageNumber, Number: 2, Status: domain.LogSuccess, Usage: domain.NewTokenUsage(70, 7)})
		return &extraction.Result{PageNumber: req.PageNumber}, nil
	}}
	o := New(ex, Config{Concurrency: 3}, zerolog.Nop())

	run, err := o.Run(context.Background(), pagesOf(4, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	sum := 0
	for _, l := range run.Logs {
		sum += l.TokensUsed
	}
	if sum != run.TokenUsage.TotalTokens || sum != 4*132 {
		t.Errorf("log tokens = %d, TokenUsage = %d, want %d", sum, run.TokenUsage.TotalTokens, 4*132)
	}
}

func TestRun_ConcurrencyCap(t *testing.T) {
	ex := &MockExtractor{ExtractFunc: func(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return succeed(req, 1)
	}}
	o := New(ex, Config{Concurrency: 2}, zerolog.Nop())

	if _, err := o.Run(context.Background(), pagesOf(8, nil), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if peak := ex.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if len(ex.calls) != 8 {
		t.Errorf("calls = %d, want 8", len(ex.calls))
	}
}

func TestRun_RenderError(t *testing.T) {
	ex := &MockExtractor{ExtractFunc: func(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
		return succeed(req, 1)
	}}
	o := New(ex, Config{}, zerolog.Nop())

	run, err := o.Run(context.Background(), pagesOf(3, map[int]error{2: errors.New("bad page")}), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Pages[1].Err == nil || run.Pages[1].Logs[0].Action != ActionRenderPage {
		t.Errorf("page 2 = %+v, want render error", run.Pages[1])
	}
	if run.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", run.Succeeded)
	}
}

func TestRun_CancelledLetsInFlightFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	ex := &MockExtractor{ExtractFunc: func(c context.Context, req extraction.Request) (*extraction.Result, error) {
		if req.PageNumber == 1 {
			close(started)
			<-release
			if c.Err() != nil {
				return nil, c.Err()
			}
		}
		return succeed(req, 1)
	}}
	o := New(ex, Config{Concurrency: 1}, zerolog.Nop())

	go func() {
		<-started
		cancel()
		close(release)
	}()

	run, err := o.Run(ctx, pagesOf(3, nil), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !run.Pages[0].Succeeded() {
		t.Errorf("in-flight page 1 = %+v, want success", run.Pages[0])
	}
	for _, p := range ex.calls {
		if p == 3 {
			t.Error("page 3 started after cancellation")
		}
	}
}

func TestNew_ClampsConcurrency(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultConcurrency},
		{-1, DefaultConcurrency},
		{3, 3},
		{50, MaxConcurrency},
	}
	for _, tt := range tests {
		if got := New(nil, Config{Concurrency: tt.in}, zerolog.Nop()).cfg.Concurrency; got != tt.want {
			t.Errorf("Concurrency(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// rateLimitedModel rejects the first `limited` calls with a plain 429 and
// answers every later call.
type rateLimitedModel struct {
	mu      sync.Mutex
	limited int
	calls   int
}

func (m *rateLimitedModel) Name() string { return "rate-limited" }

func (m *rateLimitedModel) Generate(ctx context.Context, req *extraction.ModelRequest) (*extraction.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.limited {
		return nil, &extraction.StatusError{StatusCode: 429, Message: "too many requests"}
	}
	return &extraction.ModelResponse{
		Text:  `{"customer_details": {}, "bank_details": {}, "transactions": [{"Date": "2024-01-01", "Amount": 5}]}`,
		Usage: domain.NewTokenUsage(10, 2),
	}, nil
}

func TestRun_RateLimitFailsOnlyThatPage(t *testing.T) {
	model := &rateLimitedModel{limited: 3}
	client := extraction.NewClient(model, extraction.Config{MaxAttempts: 3, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}, zerolog.Nop())
	o := New(client, Config{Concurrency: 1}, zerolog.Nop())

	run, err := o.Run(context.Background(), pagesOf(3, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.QuotaErr != nil {
		t.Errorf("QuotaErr = %v, want nil", run.QuotaErr)
	}
	if run.Succeeded != 2 || run.Failed != 1 || run.Skipped != 0 {
		t.Errorf("Succeeded/Failed/Skipped = %d/%d/%d, want 2/1/0", run.Succeeded, run.Failed, run.Skipped)
	}
	var te *extraction.TransientError
	if !errors.As(run.Pages[0].Err, &te) {
		t.Errorf("page 1 error = %v, want *TransientError", run.Pages[0].Err)
	}
}
