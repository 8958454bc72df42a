package domain

import (
	"errors"
	"testing"
)

func testSchema(t *testing.T) *TransactionSchema {
	t.Helper()
	s, err := NewTransactionSchema([]Field{
		{Key: "date", Type: ColumnDate},
		{Key: "description", Type: ColumnText},
		{Key: "amt", Type: ColumnCurrency},
	}, map[string]string{"date": "Date", "description": "Description", "amt": "Amt"}, nil)
	if err != nil {
		t.Fatalf("NewTransactionSchema() error = %v", err)
	}
	return s
}

func TestNewTransaction(t *testing.T) {
	schema := testSchema(t)

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr error
	}{
		{
			name: "all keys known",
			data: map[string]interface{}{"date": "2024-01-05", "description": "Coffee", "amt": "3.50"},
		},
		{
			name: "missing keys are filled",
			data: map[string]interface{}{"description": "Coffee"},
		},
		{
			name:    "orphan key rejected",
			data:    map[string]interface{}{"date": "2024-01-05", "memo": "x"},
			wantErr: ErrUnknownColumn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := NewTransaction(schema, "stmt-1", 1, 0, tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewTransaction() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTransaction() unexpected error: %v", err)
			}
			if len(tx.Data) != len(schema.Columns) {
				t.Errorf("len(Data) = %d, want %d", len(tx.Data), len(schema.Columns))
			}
			for key := range tx.Data {
				if !schema.Has(key) {
					t.Errorf("Data has orphan key %q", key)
				}
			}
		})
	}
}

func TestApplyColumnMetadata(t *testing.T) {
	tests := []struct {
		name    string
		updates map[string]ColumnMeta
		wantErr error
	}{
		{
			name:    "single column",
			updates: map[string]ColumnMeta{"amt": {Type: ColumnCurrency, DisplayName: "Amount"}},
		},
		{
			name:    "unknown column",
			updates: map[string]ColumnMeta{"balance": {Type: ColumnCurrency, DisplayName: "Balance"}},
			wantErr: ErrUnknownColumn,
		},
		{
			name:    "bad type",
			updates: map[string]ColumnMeta{"amt": {Type: "money", DisplayName: "Amount"}},
			wantErr: ErrInvalidColumnType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := testSchema(t)
			before := schema.Clone()

			err := schema.ApplyColumnMetadata(tt.updates)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ApplyColumnMetadata() error = %v, want %v", err, tt.wantErr)
				}
				if schema.ColumnMetadata["amt"] != before.ColumnMetadata["amt"] {
					t.Error("failed update must not modify metadata")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyColumnMetadata() unexpected error: %v", err)
			}
			if got := schema.ColumnMetadata["amt"].DisplayName; got != "Amount" {
				t.Errorf("amt display name = %q, want Amount", got)
			}
			if schema.ColumnMetadata["date"] != before.ColumnMetadata["date"] {
				t.Error("untouched column changed")
			}
			if len(schema.Columns) != len(before.Columns) {
				t.Error("column list changed")
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusCompleted, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := &Statement{Status: tt.from}
			err := s.Transition(tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("Transition() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestCheckInvariants(t *testing.T) {
	if err := (&Statement{Status: StatusFailed}).CheckInvariants(); err == nil {
		t.Error("failed statement without message should be rejected")
	}
	if err := (&Statement{Status: StatusCompleted}).CheckInvariants(); err == nil {
		t.Error("completed statement without schema should be rejected")
	}
	if err := (&Statement{Status: StatusCompleted, TransactionSchema: &TransactionSchema{}}).CheckInvariants(); err != nil {
		t.Errorf("zero-column completed statement rejected: %v", err)
	}
}
