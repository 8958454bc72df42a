package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

func TestBolt(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bolt Store Suite")
}

func newStatement(id, hash string, uploaded time.Time) *domain.Statement {
	return &domain.Statement{
		ID:               id,
		OriginalFilename: id + ".pdf",
		FileHash:         hash,
		UploadDate:       uploaded,
		Status:           domain.StatusPending,
		CustomerDetails:  domain.Details{},
		BankDetails:      domain.Details{"bank_name": "State Bank"},
	}
}

func newTransaction(stmtID string, page, row int, amount string, typ domain.TransactionType) *domain.Transaction {
	a := decimal.RequireFromString(amount)
	d := civil.Date{Year: 2024, Month: 1, Day: page*10 + row}
	return &domain.Transaction{
		ID:              stmtID + "-tx",
		StatementID:     stmtID,
		PageNumber:      page,
		RowIndex:        row,
		TransactionDate: &d,
		Amount:          &a,
		Type:            typ,
		Description:     "row",
		Data:            map[string]interface{}{"amount": amount},
	}
}

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		db  *Store
		t0  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		var err error
		db, err = Open(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("CreateStatement", func() {
		It("stores the statement and indexes its hash", func() {
			Expect(db.CreateStatement(ctx, newStatement("a", "h1", t0))).To(Succeed())

			got, err := db.FindStatementByHash(ctx, "h1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal("a"))
		})

		When("the hash already exists", func() {
			It("returns ErrDuplicate", func() {
				Expect(db.CreateStatement(ctx, newStatement("a", "h1", t0))).To(Succeed())
				err := db.CreateStatement(ctx, newStatement("b", "h1", t0))
				Expect(err).To(MatchError(domain.ErrDuplicate))
			})
		})
	})

	Describe("GetStatement", func() {
		It("returns ErrNotFound for an unknown id", func() {
			_, err := db.GetStatement(ctx, "missing")
			Expect(err).To(MatchError(domain.ErrNotFound))
		})
	})

	Describe("ListStatements", func() {
		BeforeEach(func() {
			for i, id := range []string{"a", "b", "c"} {
				s := newStatement(id, "h"+id, t0.Add(time.Duration(i)*time.Hour))
				Expect(db.CreateStatement(ctx, s)).To(Succeed())
			}
		})

		It("returns newest uploads first with the total", func() {
			got, total, err := db.ListStatements(ctx, store.StatementFilter{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(got).To(HaveLen(2))
			Expect(got[0].ID).To(Equal("c"))
			Expect(got[1].ID).To(Equal("b"))
		})

		It("filters by search", func() {
			got, total, err := db.ListStatements(ctx, store.StatementFilter{Search: "b.pdf"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(got[0].ID).To(Equal("b"))
		})
	})

	Describe("SaveResult", func() {
		var stmt *domain.Statement

		BeforeEach(func() {
			stmt = newStatement("a", "h1", t0)
			Expect(db.CreateStatement(ctx, stmt)).To(Succeed())
			stmt.Status = domain.StatusCompleted
			stmt.TransactionSchema = &domain.TransactionSchema{
				Columns:        []string{"amount"},
				ColumnMetadata: map[string]domain.ColumnMeta{"amount": {Type: domain.ColumnCurrency, DisplayName: "Amount"}},
			}
			Expect(db.SaveResult(ctx, stmt, []*domain.Transaction{
				newTransaction("a", 1, 0, "10.50", domain.TransactionDebit),
				newTransaction("a", 1, 1, "100", domain.TransactionCredit),
				newTransaction("a", 2, 0, "5", domain.TransactionDebit),
			})).To(Succeed())
		})

		It("stores the statement and its transactions in page order", func() {
			got, err := db.GetStatement(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(domain.StatusCompleted))

			txs, total, err := db.ListTransactions(ctx, store.TransactionFilter{StatementID: "a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(txs[0].PageNumber).To(Equal(1))
			Expect(txs[2].PageNumber).To(Equal(2))
			Expect(txs[0].Amount.Equal(decimal.RequireFromString("10.5"))).To(BeTrue())
		})

		It("replaces the transactions of an earlier run", func() {
			stmt.Status = domain.StatusFailed
			stmt.ErrorMessage = "quota"
			Expect(db.SaveResult(ctx, stmt, nil)).To(Succeed())

			_, total, err := db.ListTransactions(ctx, store.TransactionFilter{StatementID: "a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
		})

		It("summarizes the filtered set", func() {
			sum, err := db.SummarizeTransactions(ctx, store.TransactionFilter{StatementID: "a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Count).To(Equal(3))
			Expect(sum.Debit.String()).To(Equal("15.5"))
			Expect(sum.Net.String()).To(Equal("84.5"))
		})

		It("updates column metadata", func() {
			meta := map[string]domain.ColumnMeta{"amount": {Type: domain.ColumnNumber, DisplayName: "Value"}}
			schema, err := db.UpdateColumnMetadata(ctx, "a", meta)
			Expect(err).NotTo(HaveOccurred())
			Expect(schema.ColumnMetadata["amount"].DisplayName).To(Equal("Value"))

			got, err := db.GetStatement(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.TransactionSchema.ColumnMetadata["amount"].DisplayName).To(Equal("Value"))
			Expect(got.TransactionSchema.Columns).To(Equal([]string{"amount"}))
		})

		It("rejects metadata for unknown columns without writing", func() {
			_, err := db.UpdateColumnMetadata(ctx, "a", map[string]domain.ColumnMeta{
				"amount": {Type: domain.ColumnNumber, DisplayName: "Value"},
				"nope":   {Type: domain.ColumnText, DisplayName: "Nope"},
			})
			Expect(err).To(MatchError(domain.ErrUnknownColumn))

			got, err := db.GetStatement(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.TransactionSchema.ColumnMetadata["amount"].Type).NotTo(Equal(domain.ColumnNumber))
		})

		Describe("DeleteStatement", func() {
			It("removes the statement, its hash and its transactions", func() {
				Expect(db.DeleteStatement(ctx, "a")).To(Succeed())

				_, err := db.GetStatement(ctx, "a")
				Expect(err).To(MatchError(domain.ErrNotFound))
				_, err = db.FindStatementByHash(ctx, "h1")
				Expect(err).To(MatchError(domain.ErrNotFound))
				_, total, err := db.ListTransactions(ctx, store.TransactionFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(total).To(BeZero())

				Expect(db.CreateStatement(ctx, newStatement("b", "h1", t0))).To(Succeed())
			})
		})
	})

	Describe("MarkProcessing", func() {
		It("fails for an unknown statement", func() {
			err := db.MarkProcessing(ctx, newStatement("nope", "", t0))
			Expect(err).To(MatchError(domain.ErrNotFound))
		})
	})
})
