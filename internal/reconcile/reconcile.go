// Package reconcile merges the per-page column sets returned by the model
// into one canonical transaction schema.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/extraction"
	"github.com/dvloznov/statement-extractor/internal/normalize"
)

// DefaultSampleSize is the number of non-empty values inspected per column.
const DefaultSampleSize = 50

// PageInput is the raw table of one page.
type PageInput struct {
	PageNumber int
	// Columns are the headers the model declared, as printed.
	Columns []string
	Rows    []extraction.Row
}

// Row is one transaction keyed by canonical column. Data holds every schema
// column; missing cells are nil.
type Row struct {
	Page  int
	Index int
	Data  map[string]interface{}
}

// Result is the canonical schema and the re-keyed rows in page order.
type Result struct {
	Schema *domain.TransactionSchema
	Rows   []Row
}

// Reconciler builds canonical schemas. It holds no per-run state.
type Reconciler struct {
	registry   *Registry
	sampleSize int
}

// New creates a Reconciler. A nil registry disables layout detection.
func New(registry *Registry, sampleSize int) *Reconciler {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Reconciler{registry: registry, sampleSize: sampleSize}
}

type column struct {
	key     string
	display string
	samples []interface{}
}

// Reconcile unifies column names across pages, infers column types and
// re-keys every row. The same input always yields the same schema.
func (r *Reconciler) Reconcile(pages []PageInput) (*Result, error) {
	ordered := append([]PageInput(nil), pages...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].PageNumber < ordered[j].PageNumber })

	var cols []*column
	byKey := make(map[string]*column)
	register := func(raw string, pos int) string {
		key := normalize.ColumnKey(raw)
		if key == "" {
			key = fmt.Sprintf("column_%d", pos+1)
		}
		if _, ok := byKey[key]; !ok {
			display := strings.Join(strings.Fields(raw), " ")
			if display == "" {
				display = fmt.Sprintf("Column %d", pos+1)
			}
			c := &column{key: key, display: display}
			byKey[key] = c
			cols = append(cols, c)
		}
		return key
	}

	var rows []Row
	for _, p := range ordered {
		for i, raw := range p.Columns {
			register(raw, i)
		}
		for idx, src := range p.Rows {
			data := make(map[string]interface{}, len(src.Keys))
			for i, raw := range src.Keys {
				key := register(raw, i)
				v := src.Values[raw]
				if cur, seen := data[key]; seen && !isEmpty(cur) {
					continue
				}
				data[key] = v
			}
			rows = append(rows, Row{Page: p.PageNumber, Index: idx, Data: data})
		}
	}

	for _, row := range rows {
		for key, v := range row.Data {
			c := byKey[key]
			if len(c.samples) < r.sampleSize && !isEmpty(v) {
				c.samples = append(c.samples, v)
			}
		}
	}

	fields := make([]domain.Field, 0, len(cols))
	names := make(map[string]string, len(cols))
	keys := make([]string, 0, len(cols))
	for _, c := range cols {
		fields = append(fields, domain.Field{Key: c.key, Type: InferType(c.key, c.display, c.samples)})
		names[c.key] = c.display
		keys = append(keys, c.key)
	}

	schema, err := domain.NewTransactionSchema(fields, names, r.registry.Detect(keys))
	if err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}

	for i := range rows {
		for _, key := range keys {
			if _, ok := rows[i].Data[key]; !ok {
				rows[i].Data[key] = nil
			}
		}
	}
	return &Result{Schema: schema, Rows: rows}, nil
}

// InferType classifies a column from its sampled non-empty values. Mixed or
// missing evidence gives text.
func InferType(key, display string, samples []interface{}) domain.ColumnType {
	if len(samples) == 0 {
		return domain.ColumnText
	}

	allDates := true
	for _, v := range samples {
		if _, ok := normalize.ParseDate(v); !ok {
			allDates = false
			break
		}
	}
	if allDates {
		return domain.ColumnDate
	}

	moneyName := normalize.IsMonetaryName(key) || normalize.IsMonetaryName(display)
	moneyValue := false
	withinCents := true
	for _, v := range samples {
		a, ok := normalize.ParseAmount(v)
		if !ok {
			return domain.ColumnText
		}
		if a.Monetary {
			moneyValue = true
		}
		if a.Scale > 2 {
			withinCents = false
		}
	}
	if withinCents && (moneyName || moneyValue) {
		return domain.ColumnCurrency
	}
	return domain.ColumnNumber
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}
