// Package orchestrator runs page extraction for one statement with bounded
// parallelism and merges the outcomes back into page order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency = 4
	MaxConcurrency     = 8
)

// Log actions written by the orchestrator.
const (
	ActionExtractPage = "extract_page"
	ActionCorrectPage = "correct_page"
	ActionRenderPage  = "render_page"
)

// PageImage is one rendered page.
type PageImage interface {
	PageNumber() int
	ReadImage() ([]byte, error)
	MIMEType() string
}

// Extractor extracts a single page.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (*extraction.Result, error)
}

// Config controls parallelism and request pacing.
type Config struct {
	// Concurrency is the number of pages in flight, clamped to 1..MaxConcurrency.
	Concurrency int
	// RequestsPerSecond paces page starts. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// PageOutcome is the result for one page. Exactly one of Result and Err is
// set, unless the page was skipped.
type PageOutcome struct {
	Page    int
	Result  *extraction.Result
	Err     error
	Skipped bool
	// Raw is the last model reply when the page failed validation.
	Raw   string
	Usage domain.TokenUsage
	Logs  []domain.ProcessingLog
}

// Succeeded reports whether the page produced a result.
func (p *PageOutcome) Succeeded() bool { return p.Result != nil }

// Run is the merged outcome of all pages, ordered by page number.
type Run struct {
	Pages      []PageOutcome
	Logs       []domain.ProcessingLog
	TokenUsage domain.TokenUsage
	// QuotaErr is the first quota error; later pages were skipped.
	QuotaErr  error
	Succeeded int
	Failed    int
	Skipped   int
}

// Results returns the successful page results in page order.
func (r *Run) Results() []*extraction.Result {
	var out []*extraction.Result
	for i := range r.Pages {
		if r.Pages[i].Result != nil {
			out = append(out, r.Pages[i].Result)
		}
	}
	return out
}

// Orchestrator fans page extraction out to an Extractor.
type Orchestrator struct {
	ex      Extractor
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

// New creates an Orchestrator.
func New(ex Extractor, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	o := &Orchestrator{
		ex:  ex,
		cfg: cfg,
		log: log.With().Str("component", "orchestrator").Logger(),
		now: time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return o
}

// Run extracts every page yielded by pages. Pages are pulled lazily, so
// rendering the next page overlaps with extraction of earlier ones.
//
// A failed page does not stop the run. A quota error stops new pages from
// starting; those pages are recorded as skipped. When ctx is cancelled no new
// pages are started, pages already in flight run to completion under their
// own call timeouts, and Run returns the partial result with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, pages iter.Seq2[PageImage, error], hint *extraction.SchemaHint) (*Run, error) {
	var (
		outcomes []*PageOutcome
		quotaHit atomic.Bool
		quotaMu  sync.Mutex
		quotaErr error
	)
	work := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)

	for img, err := range pages {
		if ctx.Err() != nil {
			break
		}
		out := &PageOutcome{Page: len(outcomes) + 1}
		if img != nil && img.PageNumber() > 0 {
			out.Page = img.PageNumber()
		}
		outcomes = append(outcomes, out)

		if err != nil {
			out.Err = fmt.Errorf("Run: rendering page %d: %w", out.Page, err)
			out.Logs = append(out.Logs, domain.ProcessingLog{
				Timestamp: o.now(),
				Action:    ActionRenderPage,
				Page:      out.Page,
				Status:    domain.LogError,
				Error:     err.Error(),
			})
			o.log.Error().Err(err).Int("page", out.Page).Msg("page could not be rendered")
			continue
		}
		if quotaHit.Load() {
			o.skip(out)
			continue
		}

		g.Go(func() error {
			if quotaHit.Load() {
				o.skip(out)
				return nil
			}
			o.extractPage(work, img, hint, out)
			if extraction.IsQuota(out.Err) {
				quotaMu.Lock()
				if quotaErr == nil {
					quotaErr = out.Err
				}
				quotaMu.Unlock()
				quotaHit.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	run := merge(outcomes)
	run.QuotaErr = quotaErr
	if err := ctx.Err(); err != nil {
		o.log.Warn().Err(err).Int("pages_done", len(outcomes)).Msg("run cancelled")
		return run, err
	}
	return run, nil
}

func (o *Orchestrator) extractPage(ctx context.Context, img PageImage, hint *extraction.SchemaHint, out *PageOutcome) {
	data, err := img.ReadImage()
	if err != nil {
		out.Err = fmt.Errorf("extractPage: reading page %d: %w", out.Page, err)
		out.Logs = append(out.Logs, domain.ProcessingLog{
			Timestamp: o.now(), Action: ActionRenderPage, Page: out.Page,
			Status: domain.LogError, Error: err.Error(),
		})
		return
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			out.Err = fmt.Errorf("extractPage: rate limiter: %w", err)
			return
		}
	}

	res, err := o.ex.Extract(ctx, extraction.Request{
		PageNumber: out.Page,
		Image:      data,
		MIMEType:   img.MIMEType(),
		Hint:       hint,
		OnAttempt: func(a extraction.Attempt) {
			out.Usage = out.Usage.Add(a.Usage)
			out.Logs = append(out.Logs, attemptLog(a))
		},
	})
	if err != nil {
		out.Err = err
		var verr *extraction.ValidationError
		if errors.As(err, &verr) {
			out.Raw = verr.Raw
		}
		o.log.Warn().Err(err).Int("page", out.Page).Msg("page extraction failed")
		return
	}
	out.Result = res
	o.log.Info().Int("page", out.Page).Int("transactions", len(res.Transactions)).
		Int("tokens", res.Usage.TotalTokens).Msg("page extracted")
}

func (o *Orchestrator) skip(out *PageOutcome) {
	out.Skipped = true
	out.Logs = append(out.Logs, domain.ProcessingLog{
		Timestamp: o.now(),
		Action:    ActionExtractPage,
		Page:      out.Page,
		Status:    domain.LogSkipped,
		Message:   "skipped after model quota error",
	})
}

func attemptLog(a extraction.Attempt) domain.ProcessingLog {
	action := ActionExtractPage
	if a.Kind == extraction.AttemptCorrection {
		action = ActionCorrectPage
	}
	entry := domain.ProcessingLog{
		Timestamp:  a.StartedAt.Add(a.Duration),
		Action:     action,
		Page:       a.Page,
		Attempt:    a.Number,
		Status:     a.Status,
		TokensUsed: a.Usage.TotalTokens,
		Validated:  a.Validated,
	}
	if a.Err != nil {
		entry.Error = a.Err.Error()
	}
	return entry
}

func merge(outcomes []*PageOutcome) *Run {
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].Page < outcomes[j].Page })

	run := &Run{Pages: make([]PageOutcome, 0, len(outcomes))}
	for _, out := range outcomes {
		run.Pages = append(run.Pages, *out)
		run.Logs = append(run.Logs, out.Logs...)
		run.TokenUsage = run.TokenUsage.Add(out.Usage)
		switch {
		case out.Result != nil:
			run.Succeeded++
		case out.Skipped:
			run.Skipped++
		default:
			run.Failed++
		}
	}
	return run
}
