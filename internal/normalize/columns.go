package normalize

import (
	"strings"
	"unicode"
)

// ColumnKey turns a raw column header into a canonical key: lower case, every
// run of non-alphanumeric characters becomes a single underscore.
// "Transaction Date" and "transaction-date " both map to "transaction_date".
func ColumnKey(raw string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func keyTokens(key string) []string {
	return strings.Split(ColumnKey(key), "_")
}

func hasToken(key string, set map[string]bool) bool {
	for _, tok := range keyTokens(key) {
		if set[tok] {
			return true
		}
	}
	return false
}

var monetaryTokens = map[string]bool{
	"amount": true, "amt": true, "debit": true, "debits": true, "credit": true, "credits": true,
	"dr": true, "cr": true, "balance": true, "bal": true, "withdrawal": true, "withdrawals": true,
	"withdraw": true, "deposit": true, "deposits": true, "paid": true, "payment": true,
	"payments": true, "money": true, "charge": true, "charges": true, "fee": true, "fees": true,
	"total": true, "price": true, "cost": true, "value": true,
}

var debitTokens = map[string]bool{
	"debit": true, "debits": true, "dr": true, "withdrawal": true, "withdrawals": true, "withdraw": true,
}

var creditTokens = map[string]bool{
	"credit": true, "credits": true, "cr": true, "deposit": true, "deposits": true,
}

var balanceTokens = map[string]bool{"balance": true, "bal": true}

var descriptionTokens = map[string]bool{
	"description": true, "particulars": true, "details": true, "narration": true,
	"narrative": true, "memo": true, "remarks": true, "payee": true,
}

// IsMonetaryName reports whether a column name suggests a money field.
func IsMonetaryName(key string) bool {
	return hasToken(key, monetaryTokens)
}

// IsBalanceColumn reports whether a column holds a running balance.
func IsBalanceColumn(key string) bool {
	return hasToken(key, balanceTokens)
}

// IsDebitColumn reports whether a column holds outgoing amounts
// (debit, dr, withdrawal, paid_out, money_out).
func IsDebitColumn(key string) bool {
	k := ColumnKey(key)
	if IsBalanceColumn(k) {
		return false
	}
	if strings.HasSuffix(k, "paid_out") || strings.HasSuffix(k, "money_out") {
		return true
	}
	return hasToken(k, debitTokens) && !hasToken(k, creditTokens)
}

// IsCreditColumn reports whether a column holds incoming amounts
// (credit, cr, deposit, paid_in, money_in).
func IsCreditColumn(key string) bool {
	k := ColumnKey(key)
	if IsBalanceColumn(k) {
		return false
	}
	if strings.HasSuffix(k, "paid_in") || strings.HasSuffix(k, "money_in") {
		return true
	}
	return hasToken(k, creditTokens) && !hasToken(k, debitTokens)
}

// IsDescriptionColumn reports whether a column holds the narrative text.
func IsDescriptionColumn(key string) bool {
	return hasToken(key, descriptionTokens)
}
