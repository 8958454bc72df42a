// Package rasterizer turns a statement PDF into an ordered sequence of page images.
package rasterizer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"iter"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
)

const (
	DefaultDPI      = 300
	DefaultMaxPages = 100
)

// Options controls rendering.
type Options struct {
	// DPI used to render each page.
	DPI float64
	// MaxPages rejects longer documents.
	MaxPages int
	// MaxDimension down-fits pages whose longest side exceeds it. Zero keeps the rendered size.
	MaxDimension int
	// Grayscale drops colour before encoding.
	Grayscale bool
	// WorkDir is the parent of the per-document temp directory. Empty means os.TempDir().
	WorkDir string
}

// UnreadablePDFError is returned when the input cannot be rendered at all.
type UnreadablePDFError struct {
	Reason string
	Err    error
}

func (e *UnreadablePDFError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unreadable PDF: %s: %v", e.Reason, e.Err)
	}
	return "unreadable PDF: " + e.Reason
}

func (e *UnreadablePDFError) Unwrap() error {
	return e.Err
}

// Rasterizer opens PDFs for page rendering.
type Rasterizer struct {
	opts Options
}

// New creates a Rasterizer, filling zero options with defaults.
func New(opts Options) *Rasterizer {
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	return &Rasterizer{opts: opts}
}

// Page is one rendered page image on disk.
type Page struct {
	Number int
	Path   string
	Width  int
	Height int
}

// PageNumber returns the 1-based page index.
func (p *Page) PageNumber() int { return p.Number }

// MIMEType of the encoded image.
func (p *Page) MIMEType() string { return "image/png" }

// ReadImage returns the encoded image bytes.
func (p *Page) ReadImage() ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("ReadImage: page %d: %w", p.Number, err)
	}
	return data, nil
}

// Document is an opened PDF plus the temp directory holding its page images.
// Close must be called on every path.
type Document struct {
	doc   *fitz.Document
	dir   string
	pages int
	opts  Options
}

// Open validates pdf and prepares it for rendering.
func (r *Rasterizer) Open(pdf []byte) (*Document, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(pdf, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, &UnreadablePDFError{Reason: "missing %PDF header"}
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, &UnreadablePDFError{Reason: "document is password protected", Err: err}
		}
		return nil, &UnreadablePDFError{Reason: "cannot open document", Err: err}
	}

	n := doc.NumPage()
	if n <= 0 {
		doc.Close()
		return nil, &UnreadablePDFError{Reason: "document has no pages"}
	}
	if n > r.opts.MaxPages {
		doc.Close()
		return nil, &UnreadablePDFError{Reason: fmt.Sprintf("document has %d pages, limit is %d", n, r.opts.MaxPages)}
	}

	dir, err := os.MkdirTemp(r.opts.WorkDir, "statement-*")
	if err != nil {
		doc.Close()
		return nil, fmt.Errorf("Open: creating temp dir: %w", err)
	}

	return &Document{doc: doc, dir: dir, pages: n, opts: r.opts}, nil
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.pages
}

// Dir returns the temp directory holding rendered pages.
func (d *Document) Dir() string {
	return d.dir
}

// Pages renders pages lazily in order. A page that fails to render is yielded
// with its number set and a non-nil error; iteration continues unless the
// consumer stops.
func (d *Document) Pages() iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for i := 0; i < d.pages; i++ {
			page, err := d.render(i)
			if err != nil {
				page = &Page{Number: i + 1}
			}
			if !yield(page, err) {
				return
			}
		}
	}
}

func (d *Document) render(index int) (*Page, error) {
	img, err := d.doc.ImageDPI(index, d.opts.DPI)
	if err != nil {
		return nil, fmt.Errorf("render: page %d: %w", index+1, err)
	}

	var out image.Image = img
	if d.opts.Grayscale {
		out = imaging.Grayscale(out)
	}
	if limit := d.opts.MaxDimension; limit > 0 {
		b := out.Bounds()
		if b.Dx() > limit || b.Dy() > limit {
			out = imaging.Fit(out, limit, limit, imaging.Lanczos)
		}
	}

	path := filepath.Join(d.dir, fmt.Sprintf("page_%d.png", index+1))
	if err := imaging.Save(out, path); err != nil {
		return nil, fmt.Errorf("render: saving page %d: %w", index+1, err)
	}

	b := out.Bounds()
	return &Page{Number: index + 1, Path: path, Width: b.Dx(), Height: b.Dy()}, nil
}

// Close releases the document and removes rendered pages.
func (d *Document) Close() error {
	var errs []error
	if d.doc != nil {
		if err := d.doc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("Close: closing document: %w", err))
		}
		d.doc = nil
	}
	if d.dir != "" {
		if err := os.RemoveAll(d.dir); err != nil {
			errs = append(errs, fmt.Errorf("Close: removing %s: %w", d.dir, err))
		}
		d.dir = ""
	}
	return errors.Join(errs...)
}
