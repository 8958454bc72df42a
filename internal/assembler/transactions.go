package assembler

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/normalize"
	"github.com/dvloznov/statement-extractor/internal/reconcile"
	"github.com/shopspring/decimal"
)

// rowPlan says which schema columns feed the normalized transaction fields.
type rowPlan struct {
	date        string
	description string
	debit       string
	credit      string
	signed      string
	indicator   string
	fallback    string
}

var indicatorKeys = map[string]bool{
	"dr_cr": true, "cr_dr": true, "drcr": true, "crdr": true, "type": true, "transaction_type": true, "txn_type": true,
}

func planRows(schema *domain.TransactionSchema) rowPlan {
	var p rowPlan
	if dates := schema.ColumnsOfType(domain.ColumnDate); len(dates) > 0 {
		p.date = dates[0]
	} else if len(schema.Columns) > 0 {
		p.date = schema.Columns[0]
	}

	for _, key := range schema.Columns {
		typ := schema.TypeOf(key)
		switch {
		case typ == domain.ColumnDate || normalize.IsBalanceColumn(key):
			// never an amount
		case normalize.IsDebitColumn(key):
			if p.debit == "" {
				p.debit = key
			}
		case normalize.IsCreditColumn(key):
			if p.credit == "" {
				p.credit = key
			}
		case typ == domain.ColumnText:
			if p.description == "" && normalize.IsDescriptionColumn(key) {
				p.description = key
			} else if p.indicator == "" && indicatorKeys[key] {
				p.indicator = key
			}
		case p.signed == "" && normalize.IsMonetaryName(key):
			p.signed = key
		case p.fallback == "" && typ == domain.ColumnCurrency:
			p.fallback = key
		}
	}
	if p.description == "" {
		for _, key := range schema.ColumnsOfType(domain.ColumnText) {
			if key != p.indicator {
				p.description = key
				break
			}
		}
	}
	return p
}

// apply fills the normalized fields of t from its raw data.
func (p rowPlan) apply(t *domain.Transaction) {
	if p.date != "" {
		if d, ok := normalize.ParseDate(t.Data[p.date]); ok {
			t.TransactionDate = &d
		}
	}
	if p.description != "" {
		if s, ok := t.Data[p.description].(string); ok {
			t.Description = strings.Join(strings.Fields(s), " ")
		}
	}

	explicit := normalize.IndicatorNone
	if p.indicator != "" {
		explicit = indicatorOf(t.Data[p.indicator])
	}

	if p.debit != "" || p.credit != "" {
		if a, ok := nonZeroAmount(t.Data[p.debit]); ok {
			setAmount(t, a.Abs(), domain.TransactionDebit)
			return
		}
		if a, ok := nonZeroAmount(t.Data[p.credit]); ok {
			setAmount(t, a.Abs(), domain.TransactionCredit)
			return
		}
	}

	if p.signed != "" {
		if a, ok := normalize.ParseAmount(t.Data[p.signed]); ok {
			ind := a.Indicator
			if ind == normalize.IndicatorNone {
				ind = explicit
			}
			switch {
			case ind == normalize.IndicatorDebit:
				setAmount(t, a.Abs(), domain.TransactionDebit)
			case ind == normalize.IndicatorCredit:
				setAmount(t, a.Abs(), domain.TransactionCredit)
			case a.Value.IsNegative():
				setAmount(t, a.Abs(), domain.TransactionDebit)
			default:
				setAmount(t, a.Abs(), domain.TransactionCredit)
			}
			return
		}
	}

	if p.fallback != "" {
		if a, ok := normalize.ParseAmount(t.Data[p.fallback]); ok {
			var typ domain.TransactionType
			switch ind := a.Indicator; {
			case ind == normalize.IndicatorDebit || (ind == normalize.IndicatorNone && explicit == normalize.IndicatorDebit):
				typ = domain.TransactionDebit
			case ind == normalize.IndicatorCredit || (ind == normalize.IndicatorNone && explicit == normalize.IndicatorCredit):
				typ = domain.TransactionCredit
			}
			setAmount(t, a.Abs(), typ)
		}
	}
}

func setAmount(t *domain.Transaction, d decimal.Decimal, typ domain.TransactionType) {
	t.Amount = &d
	t.Type = typ
}

func nonZeroAmount(v interface{}) (normalize.Amount, bool) {
	a, ok := normalize.ParseAmount(v)
	if !ok || a.Value.IsZero() {
		return normalize.Amount{}, false
	}
	return a, true
}

func indicatorOf(v interface{}) normalize.Indicator {
	s, ok := v.(string)
	if !ok {
		return normalize.IndicatorNone
	}
	switch strings.ToUpper(strings.Trim(strings.TrimSpace(s), ".")) {
	case "DR", "D", "DEBIT", "WITHDRAWAL":
		return normalize.IndicatorDebit
	case "CR", "C", "CREDIT", "DEPOSIT":
		return normalize.IndicatorCredit
	}
	return normalize.IndicatorNone
}

// dropBoundaryRepeats removes rows at the top of a page that repeat the last
// row of the previous page, as happens when a statement carries a row over.
func dropBoundaryRepeats(rows []reconcile.Row) ([]reconcile.Row, int) {
	out := make([]reconcile.Row, 0, len(rows))
	dropped := 0
	var prevLast *reconcile.Row
	currentPage := 0
	atTop := false
	for i := range rows {
		row := rows[i]
		if row.Page != currentPage {
			if n := len(out); n > 0 {
				last := out[n-1]
				prevLast = &last
			}
			currentPage = row.Page
			atTop = true
		}
		if atTop && prevLast != nil && prevLast.Page != row.Page && reflect.DeepEqual(prevLast.Data, row.Data) {
			// Only the first row of a page can be a carried-over repeat.
			dropped++
			atTop = false
			continue
		}
		atTop = false
		out = append(out, row)
	}
	return out, dropped
}

func buildTransactions(schema *domain.TransactionSchema, statementID string, rows []reconcile.Row) ([]*domain.Transaction, error) {
	plan := planRows(schema)
	txs := make([]*domain.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := domain.NewTransaction(schema, statementID, row.Page, row.Index, row.Data)
		if err != nil {
			return nil, fmt.Errorf("buildTransactions: %w", err)
		}
		plan.apply(t)
		txs = append(txs, t)
	}
	return txs, nil
}
