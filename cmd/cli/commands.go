package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dvloznov/statement-extractor/internal/app"
	"github.com/dvloznov/statement-extractor/internal/blobstore"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/export"
	"github.com/dvloznov/statement-extractor/internal/store"
	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
)

func (c *cli) flagSet(name string) *ff.FlagSet {
	return ff.NewFlagSet(name).SetParent(c.root)
}

func (c *cli) processCmd() *ff.Command {
	fs := c.flagSet("process")
	file := fs.StringLong("file", "", "Path to the statement PDF")
	return &ff.Command{
		Name:      "process",
		Usage:     "statements process --file statement.pdf",
		ShortHelp: "Store a PDF and extract it synchronously",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(*file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", *file, err)
			}

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sum := sha256.Sum256(data)
			hash := hex.EncodeToString(sum[:])
			if existing, err := a.Repo.FindStatementByHash(ctx, hash); err == nil {
				return fmt.Errorf("already uploaded as statement %s, use reprocess", existing.ID)
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}

			now := time.Now().UTC()
			name := filepath.Base(*file)
			uri, err := a.Blobs.Put(ctx, blobstore.UploadKey(hash, name, now), bytes.NewReader(data))
			if err != nil {
				return err
			}
			stmt := &domain.Statement{
				ID:               uuid.NewString(),
				OriginalFilename: name,
				FileHash:         hash,
				SourceURI:        uri,
				FileSize:         int64(len(data)),
				UploadDate:       now,
				Status:           domain.StatusPending,
				CustomerDetails:  domain.Details{},
				BankDetails:      domain.Details{},
				ProcessingLogs:   []domain.ProcessingLog{},
			}
			if err := a.Repo.CreateStatement(ctx, stmt); err != nil {
				return err
			}
			c.log.Info().Str("statement_id", stmt.ID).Str("uri", uri).Msg("Statement stored")

			return runPipeline(ctx, a, stmt.ID)
		},
	}
}

func (c *cli) reprocessCmd() *ff.Command {
	fs := c.flagSet("reprocess")
	id := fs.StringLong("id", "", "Statement ID")
	return &ff.Command{
		Name:      "reprocess",
		Usage:     "statements reprocess --id ID",
		ShortHelp: "Extract a stored statement again",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *id == "" {
				return fmt.Errorf("--id is required")
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return runPipeline(ctx, a, *id)
		},
	}
}

// runPipeline processes a statement and prints its outcome.
func runPipeline(ctx context.Context, a *app.App, id string) error {
	p, err := a.Processor(ctx)
	if err != nil {
		return err
	}
	if err := p.Process(ctx, id); err != nil {
		return err
	}
	stmt, err := a.Repo.GetStatement(ctx, id)
	if err != nil {
		return err
	}
	sum, err := a.Repo.SummarizeTransactions(ctx, store.TransactionFilter{StatementID: id})
	if err != nil {
		return err
	}

	fmt.Printf("Statement %s: %s\n", stmt.ID, stmt.Status)
	if stmt.ErrorMessage != "" {
		fmt.Printf("Error:        %s\n", stmt.ErrorMessage)
	}
	fmt.Printf("Pages:        %d\n", stmt.PageCount)
	fmt.Printf("Transactions: %d (credit %s, debit %s)\n", sum.Count, sum.Credit.StringFixed(2), sum.Debit.StringFixed(2))
	fmt.Printf("Tokens:       %d\n", stmt.TokenUsage.TotalTokens)
	if stmt.Status == domain.StatusFailed {
		return fmt.Errorf("statement %s failed", stmt.ID)
	}
	return nil
}

func (c *cli) listCmd() *ff.Command {
	fs := c.flagSet("list")
	status := fs.StringLong("status", "", "Only statements with this status")
	search := fs.StringLong("search", "", "Match filename, bank name or account number")
	limit := fs.IntLong("limit", store.DefaultLimit, "Maximum statements to show")
	return &ff.Command{
		Name:      "list",
		Usage:     "statements list [--status S] [--search Q]",
		ShortHelp: "List statements, newest first",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stmts, total, err := a.Repo.ListStatements(ctx, store.StatementFilter{
				Status: domain.Status(*status),
				Search: *search,
				Limit:  *limit,
			})
			if err != nil {
				return err
			}
			writeStatements(os.Stdout, stmts)
			fmt.Printf("\n%d of %d statements\n", len(stmts), total)
			return nil
		},
	}
}

func writeStatements(w io.Writer, stmts []*domain.Statement) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPLOADED\tSTATUS\tPAGES\tBANK\tFILE")
	for _, s := range stmts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.UploadDate.Format("2006-01-02 15:04"), s.Status, s.PageCount,
			s.BankDetails.String("bank_name"), s.OriginalFilename)
	}
	tw.Flush()
}

func (c *cli) inspectCmd() *ff.Command {
	fs := c.flagSet("inspect")
	id := fs.StringLong("id", "", "Statement ID")
	logs := fs.BoolLong("logs", "Also print processing logs")
	return &ff.Command{
		Name:      "inspect",
		Usage:     "statements inspect --id ID",
		ShortHelp: "Show a statement and its transactions",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *id == "" {
				return fmt.Errorf("--id is required")
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stmt, err := a.Repo.GetStatement(ctx, *id)
			if err != nil {
				return err
			}
			txs, err := statementTransactions(ctx, a.Repo, stmt.ID)
			if err != nil {
				return err
			}
			inspect(os.Stdout, stmt, txs, *logs)
			return nil
		},
	}
}

// statementTransactions pages through every transaction of a statement.
func statementTransactions(ctx context.Context, repo store.Repository, id string) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	f := store.TransactionFilter{StatementID: id, Limit: store.MaxLimit}
	for {
		page, total, err := repo.ListTransactions(ctx, f)
		if err != nil {
			return nil, err
		}
		txs = append(txs, page...)
		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total {
			return txs, nil
		}
	}
}

func inspect(w io.Writer, stmt *domain.Statement, txs []*domain.Transaction, withLogs bool) {
	fmt.Fprintln(w, "\n=== Statement Details ===")
	fmt.Fprintf(w, "ID:       %s\n", stmt.ID)
	fmt.Fprintf(w, "File:     %s\n", stmt.OriginalFilename)
	fmt.Fprintf(w, "Source:   %s\n", stmt.SourceURI)
	fmt.Fprintf(w, "Uploaded: %s\n", stmt.UploadDate.Format(time.RFC3339))
	fmt.Fprintf(w, "Status:   %s\n", stmt.Status)
	if stmt.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:    %s\n", stmt.ErrorMessage)
	}
	if d := stmt.ProcessingDuration(); d > 0 {
		fmt.Fprintf(w, "Duration: %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Tokens:   %d prompt, %d completion\n", stmt.TokenUsage.PromptTokens, stmt.TokenUsage.CompletionTokens)
	printDetails(w, "Bank", stmt.BankDetails)
	printDetails(w, "Customer", stmt.CustomerDetails)

	if schema := stmt.TransactionSchema; schema != nil {
		fmt.Fprintln(w, "\n=== Columns ===")
		for _, f := range schema.Fields() {
			fmt.Fprintf(w, "  %-20s %-9s %s\n", f.Key, f.Type, schema.ColumnMetadata[f.Key].DisplayName)
		}
	}

	fmt.Fprintf(w, "\n=== Transactions (%d) ===\n", len(txs))
	for i, t := range txs {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, t.Description)
		if t.TransactionDate != nil {
			fmt.Fprintf(w, "   Date:   %s\n", t.TransactionDate)
		}
		if t.Amount != nil {
			fmt.Fprintf(w, "   Amount: %s %s\n", t.Amount.StringFixed(2), t.Type)
		}
		fmt.Fprintf(w, "   Page:   %d row %d\n", t.PageNumber, t.RowIndex)
	}

	if withLogs {
		fmt.Fprintln(w, "\n=== Processing Logs ===")
		for _, l := range stmt.ProcessingLogs {
			fmt.Fprintf(w, "%s %-10s page=%d attempt=%d %s %s%s\n",
				l.Timestamp.Format(time.RFC3339), l.Status, l.Page, l.Attempt, l.Action, l.Message, l.Error)
		}
	}
	fmt.Fprintln(w)
}

func printDetails(w io.Writer, title string, d domain.Details) {
	if len(d) == 0 {
		return
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n=== %s ===\n", title)
	for _, k := range keys {
		if d[k] != nil {
			fmt.Fprintf(w, "  %-24s %v\n", k, d[k])
		}
	}
}

func (c *cli) schemaCmd() *ff.Command {
	fs := c.flagSet("schema")
	id := fs.StringLong("id", "", "Statement ID")
	sets := fs.StringListLong("set", "Column update key=type[:Display Name], repeatable")
	return &ff.Command{
		Name:      "schema",
		Usage:     "statements schema --id ID [--set amount=currency:Amount ...]",
		ShortHelp: "Show or change the column types and names of a statement",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *id == "" {
				return fmt.Errorf("--id is required")
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stmt, err := a.Repo.GetStatement(ctx, *id)
			if err != nil {
				return err
			}
			schema := stmt.TransactionSchema
			if len(*sets) > 0 {
				updates, err := parseColumnUpdates(*sets, schema)
				if err != nil {
					return err
				}
				if schema, err = a.Assembler.UpdateSchema(ctx, *id, updates); err != nil {
					return err
				}
			}
			if schema == nil {
				return fmt.Errorf("statement %s has no transaction schema", *id)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tTYPE\tDISPLAY NAME")
			for _, f := range schema.Fields() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Key, f.Type, schema.ColumnMetadata[f.Key].DisplayName)
			}
			return tw.Flush()
		},
	}
}

// parseColumnUpdates parses key=type[:Display Name] values. A missing
// display name keeps the current one.
func parseColumnUpdates(values []string, schema *domain.TransactionSchema) (map[string]domain.ColumnMeta, error) {
	updates := make(map[string]domain.ColumnMeta, len(values))
	for _, v := range values {
		key, rest, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=type[:Display Name]", v)
		}
		typ, display, _ := strings.Cut(rest, ":")
		meta := domain.ColumnMeta{
			Type:        domain.ColumnType(strings.ToLower(strings.TrimSpace(typ))),
			DisplayName: strings.TrimSpace(display),
		}
		if !meta.Type.Valid() {
			return nil, fmt.Errorf("column %s: %q: %w", key, typ, domain.ErrInvalidColumnType)
		}
		if meta.DisplayName == "" && schema != nil {
			meta.DisplayName = schema.ColumnMetadata[key].DisplayName
		}
		if meta.DisplayName == "" {
			meta.DisplayName = key
		}
		updates[key] = meta
	}
	return updates, nil
}

func (c *cli) exportCmd() *ff.Command {
	fs := c.flagSet("export")
	id := fs.StringLong("id", "", "Statement ID")
	out := fs.StringLong("out", "", "Output .xlsx path (default <file>.xlsx)")
	return &ff.Command{
		Name:      "export",
		Usage:     "statements export --id ID [--out file.xlsx]",
		ShortHelp: "Write a statement's transactions to a spreadsheet",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *id == "" {
				return fmt.Errorf("--id is required")
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stmt, err := a.Repo.GetStatement(ctx, *id)
			if err != nil {
				return err
			}
			txs, err := statementTransactions(ctx, a.Repo, stmt.ID)
			if err != nil {
				return err
			}

			path := *out
			if path == "" {
				path = strings.TrimSuffix(blobstore.SanitizeFilename(stmt.OriginalFilename), ".pdf") + ".xlsx"
			}
			file, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := export.WriteXLSX(file, stmt, txs); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Printf("Wrote %d transactions to %s\n", len(txs), path)
			return nil
		},
	}
}

func (c *cli) deleteCmd() *ff.Command {
	fs := c.flagSet("delete")
	id := fs.StringLong("id", "", "Statement ID")
	return &ff.Command{
		Name:      "delete",
		Usage:     "statements delete --id ID",
		ShortHelp: "Delete a statement, its transactions and its stored PDF",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *id == "" {
				return fmt.Errorf("--id is required")
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stmt, err := a.Repo.GetStatement(ctx, *id)
			if err != nil {
				return err
			}
			if err := a.Repo.DeleteStatement(ctx, stmt.ID); err != nil {
				return err
			}
			if err := a.Blobs.Delete(ctx, stmt.SourceURI); err != nil {
				c.log.Warn().Err(err).Str("uri", stmt.SourceURI).Msg("Failed to delete stored file")
			}
			fmt.Printf("Deleted statement %s\n", stmt.ID)
			return nil
		},
	}
}
