package extraction

import (
	"fmt"
	"strings"
)

const systemInstruction = `You are a financial document analysis assistant that extracts data from bank statement page images.

- Preserve the exact column names, values and structure printed on the page.
- Handle statement layouts from any bank or country.
- Return only one JSON object. No Markdown fences, no commentary.
- Use null for unclear, missing or unreadable values. Never guess.`

const responseSchema = `Extract all data from this bank statement page into this JSON structure:

{
  "customer_details": {
    "account_holder_name": "string or null",
    "account_number": "string or null",
    "address": "string or null"
  },
  "bank_details": {
    "bank_name": "string or null",
    "branch_name": "string or null",
    "statement_period_start": "YYYY-MM-DD or null",
    "statement_period_end": "YYYY-MM-DD or null",
    "opening_balance": number or null,
    "closing_balance": number or null,
    "currency": "currency as printed (e.g. 'Taka', 'BDT', 'USD', '$') or null"
  },
  "transaction_columns": ["exact", "column", "headers"],
  "transactions": [
    {"Column A": "value", "Column B": 123.45, "Column C": null}
  ],
  "page_info": {
    "appears_to_be_first_page": boolean,
    "appears_to_be_last_page": boolean,
    "has_header_info": boolean,
    "has_transactions": boolean
  },
  "confidence_scores": {
    "overall": 0.0-1.0,
    "customer_details": 0.0-1.0,
    "bank_details": 0.0-1.0,
    "transactions": 0.0-1.0
  }
}

RULES:
1. transaction_columns lists the transaction table headers exactly as printed (case and spacing kept).
2. Every transaction object uses only keys from transaction_columns. Extract ALL visible rows.
   Use numbers for amounts and null for empty cells. Keep date cells as printed.
   Keep Dr/Cr or +/- markers when the statement shows them.
3. currency is the text printed on the statement (symbol, name or ISO code). Do not convert it.
4. statement_period_start/end are converted to YYYY-MM-DD. If only one date is shown use it for both.
5. If the page has no transaction table, return "transactions": [] and "transaction_columns": [].
6. confidence_scores are your own estimate between 0.0 and 1.0.`

var fewShotExamples = []string{
	`Debit/Credit layout:
{"customer_details":{"account_holder_name":"John Doe","account_number":"1234567890"},"bank_details":{"bank_name":"State Bank","statement_period_start":"2024-01-01","statement_period_end":"2024-01-31","opening_balance":5000.00,"closing_balance":4850.50,"currency":"USD"},"transaction_columns":["Date","Description","Debit","Credit","Balance"],"transactions":[{"Date":"2024-01-05","Description":"ATM Withdrawal","Debit":100.00,"Credit":null,"Balance":4900.00},{"Date":"2024-01-10","Description":"Salary Credit","Debit":null,"Credit":2000.00,"Balance":6900.00}],"page_info":{"appears_to_be_first_page":true,"appears_to_be_last_page":false,"has_header_info":true,"has_transactions":true},"confidence_scores":{"overall":0.97,"customer_details":0.99,"bank_details":0.96,"transactions":0.98}}`,
	`Withdrawals/Deposits layout:
{"customer_details":{"account_holder_name":"Jane Smith","account_number":"9876543210"},"bank_details":{"bank_name":"National Bank","statement_period_start":"2024-02-01","statement_period_end":"2024-02-29","opening_balance":10000.00,"closing_balance":9500.00,"currency":"EUR"},"transaction_columns":["Transaction Date","Particulars","Withdrawals","Deposits","Running Balance"],"transactions":[{"Transaction Date":"01-Feb-2024","Particulars":"Online Transfer","Withdrawals":500.00,"Deposits":null,"Running Balance":9500.00}],"page_info":{"appears_to_be_first_page":true,"appears_to_be_last_page":true,"has_header_info":true,"has_transactions":true},"confidence_scores":{"overall":0.94,"customer_details":0.97,"bank_details":0.93,"transactions":0.95}}`,
	`Continuation page without header block:
{"customer_details":{"account_holder_name":null,"account_number":null},"bank_details":{"bank_name":null,"statement_period_start":null,"statement_period_end":null,"opening_balance":null,"closing_balance":null,"currency":null},"transaction_columns":["Date","Description","Withdrawal","Deposit","Balance"],"transactions":[{"Date":"15-Jan-2024","Description":"Salary Credit","Withdrawal":null,"Deposit":30000.00,"Balance":75000.00}],"page_info":{"appears_to_be_first_page":false,"appears_to_be_last_page":true,"has_header_info":false,"has_transactions":true},"confidence_scores":{"overall":0.92,"customer_details":0.5,"bank_details":0.5,"transactions":0.95}}`,
}

// buildSystemPrompt returns the fixed instruction plus, when enabled, the
// worked examples.
func buildSystemPrompt(fewShot bool) string {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\n")
	b.WriteString(responseSchema)
	if fewShot {
		b.WriteString("\n\nEXAMPLES:\n")
		for i, ex := range fewShotExamples {
			fmt.Fprintf(&b, "\nExample %d - %s\n", i+1, ex)
		}
	}
	return b.String()
}

// buildPagePrompt is the user turn sent alongside the page image.
func buildPagePrompt(page int, hint *SchemaHint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is page %d of the statement. Extract it using the JSON structure above.\n", page)
	if hint != nil {
		if len(hint.Columns) > 0 {
			b.WriteString("Earlier pages of this statement used these transaction columns: ")
			b.WriteString(strings.Join(quoteAll(hint.Columns), ", "))
			b.WriteString(". Reuse the same spelling if this page shows the same table.\n")
		}
		if hint.BankFormat != "" {
			fmt.Fprintf(&b, "The layout looks like %s.\n", hint.BankFormat)
		}
	}
	b.WriteString("Return ONLY the JSON object.")
	return b.String()
}

// buildCorrectivePrompt asks the model to fix its previous reply.
func buildCorrectivePrompt(problems []string) string {
	var b strings.Builder
	b.WriteString("Your previous reply could not be accepted:\n")
	for _, p := range problems {
		b.WriteString("- " + p + "\n")
	}
	b.WriteString("Reply again with one JSON object that follows the required structure exactly. ")
	b.WriteString("customer_details and bank_details must be objects, transactions must be an array, ")
	b.WriteString("dates must be YYYY-MM-DD and confidence scores must be between 0 and 1. ")
	b.WriteString("No Markdown and no explanation.")
	return b.String()
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
