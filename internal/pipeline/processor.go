// Package pipeline runs one statement from stored PDF to committed record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/statement-extractor/internal/rasterizer"
	"github.com/rs/zerolog"
)

// DefaultStatementTimeout bounds one statement run.
const DefaultStatementTimeout = 15 * time.Minute

// Deps are the collaborators of a Processor.
type Deps struct {
	Store     StatementStore
	Blobs     BlobStore
	Source    PageSource
	Runner    PageRunner
	Assembler RecordAssembler
}

// Processor processes statements by id.
type Processor struct {
	pipeline  *Pipeline
	store     StatementStore
	assembler RecordAssembler
	timeout   time.Duration
	log       zerolog.Logger
}

// NewProcessor wires the standard step sequence. A zero timeout uses
// DefaultStatementTimeout.
func NewProcessor(deps Deps, timeout time.Duration, log zerolog.Logger) *Processor {
	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}
	return &Processor{
		pipeline: NewPipeline(
			&LoadStatementStep{Store: deps.Store},
			&FetchPDFStep{Blobs: deps.Blobs},
			&RasterizeStep{Source: deps.Source},
			&ExtractPagesStep{Runner: deps.Runner},
			&AssembleStep{Assembler: deps.Assembler},
			&CommitStep{Store: deps.Store},
		),
		store:     deps.Store,
		assembler: deps.Assembler,
		timeout:   timeout,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// Process runs the statement to a terminal state and stores it. Extraction
// and data problems are recorded on the statement as a failed status. An
// error is returned when the statement cannot be started (unknown id, already
// processing) or when its terminal state cannot be stored.
func (p *Processor) Process(ctx context.Context, statementID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.log.With().Str("statement_id", statementID).Logger()
	state := &PipelineState{StatementID: statementID}
	defer func() {
		if state.Document != nil {
			if err := state.Document.Close(); err != nil {
				log.Warn().Err(err).Msg("closing document")
			}
		}
	}()

	start := time.Now()
	err := p.pipeline.Execute(ctx, state)
	if err == nil {
		log.Info().Str("status", string(state.Assembly.Statement.Status)).
			Int("transactions", len(state.Assembly.Transactions)).
			Dur("elapsed", time.Since(start)).Msg("statement processed")
		return nil
	}
	if !state.Started {
		return fmt.Errorf("Process: %w", err)
	}

	msg := p.failureMessage(err)
	if state.Assembly != nil && !state.Committed {
		msg = fmt.Sprintf("storing result failed: %v", err)
	}
	if state.Run != nil && state.Assembly == nil {
		state.Statement.ProcessingLogs = append(state.Statement.ProcessingLogs, state.Run.Logs...)
		state.Statement.TokenUsage = state.Run.TokenUsage
	}
	failed := p.assembler.Fail(state.Statement, msg)

	// ctx may already be done; the failure must still be recorded.
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer saveCancel()
	if serr := p.store.SaveResult(saveCtx, failed.Statement, nil); serr != nil {
		log.Error().Err(serr).Msg("storing failed statement")
		return fmt.Errorf("Process: %w", errors.Join(err, serr))
	}
	log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("statement failed")
	return nil
}

func (p *Processor) failureMessage(err error) string {
	var unreadable *rasterizer.UnreadablePDFError
	switch {
	case errors.As(err, &unreadable):
		return unreadable.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("processing timed out after %s", p.timeout)
	case errors.Is(err, context.Canceled):
		return "processing cancelled"
	}
	return err.Error()
}
