package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/statement-extractor/internal/assembler"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/dvloznov/statement-extractor/internal/orchestrator"
)

// Processing-log actions written by the pipeline itself.
const (
	ActionProcess   = "process"
	ActionRasterize = "rasterize"
)

// PipelineStep represents a single step in the statement pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	StatementID string
	Statement   *domain.Statement
	// Started is set once the statement has been moved to processing and
	// stored; only then may a failure be written back.
	Started   bool
	PDF       []byte
	Document  PageDocument
	Hint      *extraction.SchemaHint
	Run       *orchestrator.Run
	Assembly  *assembler.Assembly
	Committed bool
}

// Step 1: LoadStatementStep loads the statement and marks it processing.
type LoadStatementStep struct {
	Store StatementStore
	Now   func() time.Time
}

func (s *LoadStatementStep) Execute(ctx context.Context, state *PipelineState) error {
	stmt, err := s.Store.GetStatement(ctx, state.StatementID)
	if err != nil {
		return fmt.Errorf("LoadStatementStep: %w", err)
	}
	if err := stmt.Transition(domain.StatusProcessing); err != nil {
		return fmt.Errorf("LoadStatementStep: %w", err)
	}

	now := s.now()
	stmt.ProcessingStartedAt = &now
	stmt.ProcessingCompletedAt = nil
	stmt.ErrorMessage = ""
	stmt.AppendLog(domain.ProcessingLog{Timestamp: now, Action: ActionProcess, Status: domain.LogStarted})
	state.Hint = hintFrom(stmt.TransactionSchema)

	if err := s.Store.MarkProcessing(ctx, stmt); err != nil {
		return fmt.Errorf("LoadStatementStep: mark processing: %w", err)
	}
	state.Statement = stmt
	state.Started = true
	return nil
}

func (s *LoadStatementStep) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// hintFrom turns the schema of a previous run into an extraction hint, so a
// reprocessed statement keeps its column names.
func hintFrom(schema *domain.TransactionSchema) *extraction.SchemaHint {
	if schema == nil || len(schema.Columns) == 0 {
		return nil
	}
	hint := &extraction.SchemaHint{}
	for _, key := range schema.Columns {
		name := schema.ColumnMetadata[key].DisplayName
		if name == "" {
			name = key
		}
		hint.Columns = append(hint.Columns, name)
	}
	if schema.DetectedBankFormat != nil {
		hint.BankFormat = *schema.DetectedBankFormat
	}
	return hint
}

// Step 2: FetchPDFStep fetches the PDF bytes from the blob store.
type FetchPDFStep struct {
	Blobs BlobStore
}

func (s *FetchPDFStep) Execute(ctx context.Context, state *PipelineState) error {
	pdf, err := s.Blobs.Get(ctx, state.Statement.SourceURI)
	if err != nil {
		return fmt.Errorf("FetchPDFStep: %s: %w", state.Statement.SourceURI, err)
	}
	state.PDF = pdf
	return nil
}

// Step 3: RasterizeStep opens the PDF for page rendering.
type RasterizeStep struct {
	Source PageSource
	Now    func() time.Time
}

func (s *RasterizeStep) Execute(ctx context.Context, state *PipelineState) error {
	doc, err := s.Source.Open(state.PDF)
	if err != nil {
		return fmt.Errorf("RasterizeStep: %w", err)
	}
	state.Document = doc
	state.PDF = nil
	state.Statement.PageCount = doc.PageCount()

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	state.Statement.AppendLog(domain.ProcessingLog{
		Timestamp: now.UTC(),
		Action:    ActionRasterize,
		Status:    domain.LogSuccess,
		Message:   fmt.Sprintf("%d pages", doc.PageCount()),
	})
	return nil
}

// Step 4: ExtractPagesStep runs extraction over every page.
type ExtractPagesStep struct {
	Runner PageRunner
}

func (s *ExtractPagesStep) Execute(ctx context.Context, state *PipelineState) error {
	run, err := s.Runner.Run(ctx, state.Document.Pages(), state.Hint)
	state.Run = run
	if err != nil {
		return fmt.Errorf("ExtractPagesStep: %w", err)
	}
	return nil
}

// Step 5: AssembleStep builds the terminal statement.
type AssembleStep struct {
	Assembler RecordAssembler
}

func (s *AssembleStep) Execute(ctx context.Context, state *PipelineState) error {
	asm, err := s.Assembler.Assemble(state.Statement, state.Run)
	if err != nil {
		return fmt.Errorf("AssembleStep: %w", err)
	}
	state.Assembly = asm
	return nil
}

// Step 6: CommitStep writes the statement and its transactions in one call.
type CommitStep struct {
	Store StatementStore
}

func (s *CommitStep) Execute(ctx context.Context, state *PipelineState) error {
	asm := state.Assembly
	if err := s.Store.SaveResult(ctx, asm.Statement, asm.Transactions); err != nil {
		return fmt.Errorf("CommitStep: %w", err)
	}
	state.Committed = true
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
