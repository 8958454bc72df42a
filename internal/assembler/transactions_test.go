package assembler

import (
	"testing"

	"github.com/dvloznov/statement-extractor/internal/reconcile"
)

func TestDropBoundaryRepeats(t *testing.T) {
	row := func(page, index int, desc string) reconcile.Row {
		return reconcile.Row{Page: page, Index: index, Data: map[string]interface{}{"details": desc, "amount": 10.0}}
	}

	tests := []struct {
		name        string
		rows        []reconcile.Row
		wantDropped int
		wantDescs   []string
	}{
		{
			name:        "repeat at top of next page",
			rows:        []reconcile.Row{row(1, 0, "a"), row(1, 1, "b"), row(2, 0, "b"), row(2, 1, "c")},
			wantDropped: 1,
			wantDescs:   []string{"a", "b", "c"},
		},
		{
			name:        "second identical row on the next page is kept",
			rows:        []reconcile.Row{row(1, 0, "a"), row(1, 1, "fee"), row(2, 0, "fee"), row(2, 1, "fee"), row(2, 2, "c")},
			wantDropped: 1,
			wantDescs:   []string{"a", "fee", "fee", "c"},
		},
		{
			name:        "identical rows within a page are kept",
			rows:        []reconcile.Row{row(1, 0, "fee"), row(1, 1, "fee")},
			wantDropped: 0,
			wantDescs:   []string{"fee", "fee"},
		},
		{
			name:        "repeat further down the page is kept",
			rows:        []reconcile.Row{row(1, 0, "b"), row(2, 0, "a"), row(2, 1, "b")},
			wantDropped: 0,
			wantDescs:   []string{"b", "a", "b"},
		},
		{
			name:        "each page boundary checked",
			rows:        []reconcile.Row{row(1, 0, "a"), row(2, 0, "a"), row(2, 1, "b"), row(3, 0, "b")},
			wantDropped: 2,
			wantDescs:   []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dropped := dropBoundaryRepeats(tt.rows)
			if dropped != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", dropped, tt.wantDropped)
			}
			if len(got) != len(tt.wantDescs) {
				t.Fatalf("got %d rows, want %d", len(got), len(tt.wantDescs))
			}
			for i, r := range got {
				if r.Data["details"] != tt.wantDescs[i] {
					t.Errorf("row %d = %v, want %s", i, r.Data["details"], tt.wantDescs[i])
				}
			}
		})
	}
}
