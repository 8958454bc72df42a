// Package export writes statements as spreadsheets.
package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/normalize"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/xuri/excelize/v2"
)

const (
	TransactionsSheet = "Transactions"
	SummarySheet      = "Summary"

	// Built-in number formats.
	numFmtDate   = 14
	numFmtAmount = 4
)

type styles struct {
	header, date, amount int
}

func newStyles(f *excelize.File) (styles, error) {
	var (
		s   styles
		err error
	)
	if s.header, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		return s, err
	}
	if s.date, err = f.NewStyle(&excelize.Style{NumFmt: numFmtDate}); err != nil {
		return s, err
	}
	if s.amount, err = f.NewStyle(&excelize.Style{NumFmt: numFmtAmount}); err != nil {
		return s, err
	}
	return s, nil
}

// WriteXLSX writes a workbook with the statement's transactions in schema
// column order and a summary sheet.
func WriteXLSX(w io.Writer, stmt *domain.Statement, txs []*domain.Transaction) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", TransactionsSheet); err != nil {
		return fmt.Errorf("WriteXLSX: %w", err)
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("WriteXLSX: %w", err)
	}
	st, err := newStyles(f)
	if err != nil {
		return fmt.Errorf("WriteXLSX: creating styles: %w", err)
	}

	if err := writeTransactions(f, st, stmt.TransactionSchema, txs); err != nil {
		return fmt.Errorf("WriteXLSX: transactions: %w", err)
	}
	if err := writeSummary(f, st, stmt, txs); err != nil {
		return fmt.Errorf("WriteXLSX: summary: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("WriteXLSX: writing workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func writeTransactions(f *excelize.File, st styles, schema *domain.TransactionSchema, txs []*domain.Transaction) error {
	var fields []domain.Field
	if schema != nil {
		fields = schema.Fields()
	}

	header := make([]interface{}, 0, len(fields)+1)
	for _, fd := range fields {
		header = append(header, schema.ColumnMetadata[fd.Key].DisplayName)
	}
	header = append(header, "Page")
	if err := setRow(f, TransactionsSheet, 1, header...); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(TransactionsSheet, "A1", last, st.header); err != nil {
		return err
	}

	for i, t := range txs {
		row := i + 2
		for j, fd := range fields {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			value, style := cellValue(fd.Type, t.Data[fd.Key], st)
			if err := f.SetCellValue(TransactionsSheet, cell, value); err != nil {
				return err
			}
			if style != 0 {
				if err := f.SetCellStyle(TransactionsSheet, cell, cell, style); err != nil {
					return err
				}
			}
		}
		cell, _ := excelize.CoordinatesToCellName(len(fields)+1, row)
		if err := f.SetCellValue(TransactionsSheet, cell, t.PageNumber); err != nil {
			return err
		}
	}

	return f.SetPanes(TransactionsSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	})
}

// cellValue converts a raw cell to a typed spreadsheet value. Values that do
// not parse as their column type are written as text.
func cellValue(typ domain.ColumnType, v interface{}, st styles) (interface{}, int) {
	if v == nil {
		return nil, 0
	}
	switch typ {
	case domain.ColumnCurrency, domain.ColumnNumber:
		if a, ok := normalize.ParseAmount(v); ok {
			if typ == domain.ColumnCurrency {
				return a.Value.InexactFloat64(), st.amount
			}
			return a.Value.InexactFloat64(), 0
		}
	case domain.ColumnDate:
		if d, ok := normalize.ParseDate(v); ok {
			return d.In(time.UTC), st.date
		}
	}
	return fmt.Sprint(v), 0
}

func writeSummary(f *excelize.File, st styles, stmt *domain.Statement, txs []*domain.Transaction) error {
	sum := store.Summarize(txs)
	rows := [][]interface{}{
		{"Statement", stmt.ID},
		{"File", stmt.OriginalFilename},
		{"Status", string(stmt.Status)},
		{"Pages", stmt.PageCount},
		{"Transactions", sum.Count},
		{"Credits", sum.Credit.InexactFloat64()},
		{"Debits", sum.Debit.InexactFloat64()},
		{"Net", sum.Net.InexactFloat64()},
	}
	rows = append(rows, detailRows("Bank", stmt.BankDetails)...)
	rows = append(rows, detailRows("Customer", stmt.CustomerDetails)...)

	for i, r := range rows {
		if err := setRow(f, SummarySheet, i+1, r...); err != nil {
			return err
		}
		label, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetCellStyle(SummarySheet, label, label, st.header); err != nil {
			return err
		}
	}
	// Credits, debits and net.
	return f.SetCellStyle(SummarySheet, "B6", "B8", st.amount)
}

func detailRows(prefix string, d domain.Details) [][]interface{} {
	keys := make([]string, 0, len(d))
	for k, v := range d {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := make([][]interface{}, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []interface{}{prefix + " " + k, fmt.Sprint(d[k])})
	}
	return rows
}
