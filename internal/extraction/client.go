// Package extraction sends one statement page image to a vision model and
// turns the reply into a validated page result.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/rs/zerolog"
)

// Config controls retries, timeouts and generation parameters.
type Config struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// CallTimeout bounds a single model call.
	CallTimeout time.Duration
	MaxTokens   int
	Temperature float32
	FewShot     bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: 30 * time.Second,
		CallTimeout:   120 * time.Second,
		MaxTokens:     8192,
		Temperature:   0.1,
		FewShot:       true,
	}
}

// SchemaHint carries what earlier pages revealed about the statement layout.
type SchemaHint struct {
	Columns    []string
	BankFormat string
}

// AttemptKind distinguishes the first call from the corrective follow-up.
type AttemptKind string

const (
	AttemptCall       AttemptKind = "call"
	AttemptCorrection AttemptKind = "correction"
)

// Attempt describes one model call made for a page.
type Attempt struct {
	Page   int
	Number int
	Kind   AttemptKind
	// Status is success, retry (another call follows) or error (page failed).
	Status domain.LogStatus
	Usage  domain.TokenUsage
	Err    error
	// Validated is nil when no reply was received.
	Validated *bool
	StartedAt time.Time
	Duration  time.Duration
}

// Request is one page to extract.
type Request struct {
	PageNumber int
	Image      []byte
	MIMEType   string
	Hint       *SchemaHint
	// OnAttempt, when set, is called synchronously after every model call.
	OnAttempt func(Attempt)
}

// Client extracts pages through a Model.
type Client struct {
	model  Model
	cfg    Config
	system string
	log    zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient creates a Client. Zero config fields take their defaults.
func NewClient(model Model, cfg Config, log zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Client{
		model:  model,
		cfg:    cfg,
		system: buildSystemPrompt(cfg.FewShot),
		log:    log.With().Str("component", "extraction").Str("model", model.Name()).Logger(),
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Extract runs the model on one page. Transport failures are retried with
// exponential backoff; a reply that fails the schema check gets exactly one
// corrective follow-up. Errors are *TransientError, *ValidationError or
// *QuotaError.
func (c *Client) Extract(ctx context.Context, req Request) (*Result, error) {
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("Extract: page %d: empty image", req.PageNumber)
	}
	mime := req.MIMEType
	if mime == "" {
		mime = "image/png"
	}

	mreq := &ModelRequest{
		System: c.system,
		Messages: []Message{{
			Role:     RoleUser,
			Text:     buildPagePrompt(req.PageNumber, req.Hint),
			Image:    req.Image,
			MIMEType: mime,
		}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		JSON:        true,
	}

	var (
		usage    domain.TokenUsage
		attempts int
	)
	for _, kind := range []AttemptKind{AttemptCall, AttemptCorrection} {
		resp, started, err := c.call(ctx, req, mreq, kind, &attempts)
		if err != nil {
			return nil, err
		}
		usage = usage.Add(resp.Usage)

		var problems []string
		var raw string
		switch out := ParseResponse(resp.Text).(type) {
		case Parsed:
			c.report(req, Attempt{
				Number: attempts, Kind: kind, Status: domain.LogSuccess,
				Usage: resp.Usage, Validated: boolPtr(true),
				StartedAt: started, Duration: c.now().Sub(started),
			})
			res := out.Result
			res.PageNumber = req.PageNumber
			res.Usage = usage
			res.Attempts = attempts
			res.Corrected = kind == AttemptCorrection
			return res, nil
		case SchemaInvalid:
			problems, raw = out.Problems, out.Raw
		case Unparseable:
			problems, raw = []string{fmt.Sprintf("reply is not valid JSON: %v", out.Err)}, out.Raw
		}

		verr := &ValidationError{Page: req.PageNumber, Problems: problems, Raw: raw}
		status := domain.LogRetry
		if kind == AttemptCorrection {
			status = domain.LogError
		}
		c.report(req, Attempt{
			Number: attempts, Kind: kind, Status: status,
			Usage: resp.Usage, Err: verr, Validated: boolPtr(false),
			StartedAt: started, Duration: c.now().Sub(started),
		})
		if kind == AttemptCorrection {
			return nil, verr
		}

		c.log.Warn().Int("page", req.PageNumber).Strs("problems", problems).Msg("reply failed validation, sending correction")
		mreq.Messages = append(mreq.Messages,
			Message{Role: RoleModel, Text: resp.Text},
			Message{Role: RoleUser, Text: buildCorrectivePrompt(problems)},
		)
	}
	// unreachable: the correction branch always returns
	return nil, fmt.Errorf("Extract: page %d: no reply", req.PageNumber)
}

// call performs one logical model call, retrying transport failures.
// Failed transport attempts are reported here; the successful one is
// reported by the caller after parsing.
func (c *Client) call(ctx context.Context, req Request, mreq *ModelRequest, kind AttemptKind, attempts *int) (*ModelResponse, time.Time, error) {
	var lastErr error
	for n := 1; n <= c.cfg.MaxAttempts; n++ {
		*attempts++
		started := c.now()

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		resp, err := c.model.Generate(callCtx, mreq)
		cancel()
		if err == nil {
			return resp, started, nil
		}
		lastErr = err

		if classify(err) == classQuota {
			qerr := &QuotaError{Page: req.PageNumber, Err: err}
			c.report(req, Attempt{
				Number: *attempts, Kind: kind, Status: domain.LogError, Err: qerr,
				StartedAt: started, Duration: c.now().Sub(started),
			})
			return nil, started, qerr
		}

		final := n == c.cfg.MaxAttempts || ctx.Err() != nil || classify(err) == classRejected
		status := domain.LogRetry
		if final {
			status = domain.LogError
		}
		attempt := Attempt{
			Number: *attempts, Kind: kind, Status: status, Err: err,
			StartedAt: started, Duration: c.now().Sub(started),
		}
		if final {
			attempt.Err = c.terminalError(req.PageNumber, n, err)
			c.report(req, attempt)
			return nil, started, attempt.Err
		}
		c.report(req, attempt)

		delay := c.backoff(n)
		c.log.Warn().Err(err).Int("page", req.PageNumber).Int("attempt", n).Dur("delay", delay).Msg("model call failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			terr := c.terminalError(req.PageNumber, n, errors.Join(lastErr, err))
			return nil, started, terr
		}
	}
	return nil, time.Time{}, c.terminalError(req.PageNumber, c.cfg.MaxAttempts, lastErr)
}

// terminalError turns the last transport failure into the page error.
func (c *Client) terminalError(page, attempts int, err error) error {
	return &TransientError{Page: page, Attempts: attempts, Err: err}
}

func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.RetryDelay << (n - 1)
	if d <= 0 || d > c.cfg.MaxRetryDelay {
		d = c.cfg.MaxRetryDelay
	}
	return d
}

func (c *Client) report(req Request, a Attempt) {
	a.Page = req.PageNumber
	ev := c.log.Debug()
	if a.Status == domain.LogError {
		ev = c.log.Error().Err(a.Err)
	}
	ev.Int("page", a.Page).Int("attempt", a.Number).Str("kind", string(a.Kind)).
		Str("status", string(a.Status)).Int("tokens", a.Usage.TotalTokens).Msg("model call")
	if req.OnAttempt != nil {
		req.OnAttempt(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func boolPtr(b bool) *bool { return &b }
