package pipeline

import (
	"context"
	"iter"

	"github.com/dvloznov/statement-extractor/internal/assembler"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/dvloznov/statement-extractor/internal/orchestrator"
	"github.com/dvloznov/statement-extractor/internal/rasterizer"
)

// StatementStore is the part of store.Repository the pipeline writes to.
type StatementStore interface {
	GetStatement(ctx context.Context, id string) (*domain.Statement, error)
	MarkProcessing(ctx context.Context, stmt *domain.Statement) error
	SaveResult(ctx context.Context, stmt *domain.Statement, txs []*domain.Transaction) error
}

// BlobStore fetches the uploaded PDF.
type BlobStore interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

// PageDocument is an opened PDF whose pages are rendered lazily.
type PageDocument interface {
	PageCount() int
	Pages() iter.Seq2[orchestrator.PageImage, error]
	Close() error
}

// PageSource opens PDFs for rendering.
type PageSource interface {
	Open(pdf []byte) (PageDocument, error)
}

// PageRunner extracts a sequence of pages.
type PageRunner interface {
	Run(ctx context.Context, pages iter.Seq2[orchestrator.PageImage, error], hint *extraction.SchemaHint) (*orchestrator.Run, error)
}

// RecordAssembler turns a run into the terminal statement.
type RecordAssembler interface {
	Assemble(stmt *domain.Statement, run *orchestrator.Run) (*assembler.Assembly, error)
	Fail(stmt *domain.Statement, msg string) *assembler.Assembly
}

// RasterSource adapts a rasterizer.Rasterizer to PageSource.
type RasterSource struct {
	Rasterizer *rasterizer.Rasterizer
}

// Open implements PageSource.
func (s RasterSource) Open(pdf []byte) (PageDocument, error) {
	doc, err := s.Rasterizer.Open(pdf)
	if err != nil {
		return nil, err
	}
	return rasterDocument{doc}, nil
}

type rasterDocument struct {
	*rasterizer.Document
}

func (d rasterDocument) Pages() iter.Seq2[orchestrator.PageImage, error] {
	return func(yield func(orchestrator.PageImage, error) bool) {
		for page, err := range d.Document.Pages() {
			var img orchestrator.PageImage
			if page != nil {
				img = page
			}
			if !yield(img, err) {
				return
			}
		}
	}
}
