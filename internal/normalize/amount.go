// Package normalize parses the loosely formatted cell values found on bank
// statements: amounts, dates, currencies and column names.
package normalize

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Indicator is an explicit debit/credit marker attached to an amount.
type Indicator int

const (
	IndicatorNone Indicator = iota
	IndicatorDebit
	IndicatorCredit
)

// Amount is a parsed monetary or numeric cell.
type Amount struct {
	// Value is signed: parentheses, a leading or trailing minus make it negative.
	Value decimal.Decimal
	// Scale is the number of fraction digits as written.
	Scale     int
	Indicator Indicator
	// Monetary is set when the text carried a currency symbol or code,
	// thousands separators or a Dr/Cr marker.
	Monetary bool
}

// Abs returns the magnitude.
func (a Amount) Abs() decimal.Decimal {
	return a.Value.Abs()
}

var amountPattern = regexp.MustCompile(`^([+-]?)(\d{1,3}(?:,\d{3})+|\d{1,2}(?:,\d{2})+,\d{3}|\d+)(?:\.(\d+))?(-?)$`)

// ParseAmount parses v as a number. Strings may carry currency symbols or
// ISO codes, thousands separators (western or lakh grouping), parentheses for
// negatives and Dr/Cr markers. Anything else is rejected rather than coerced.
func ParseAmount(v interface{}) (Amount, bool) {
	switch n := v.(type) {
	case nil:
		return Amount{}, false
	case float64:
		d := decimal.NewFromFloat(n)
		return Amount{Value: d, Scale: scaleOf(d)}, true
	case float32:
		d := decimal.NewFromFloat32(n)
		return Amount{Value: d, Scale: scaleOf(d)}, true
	case int:
		return Amount{Value: decimal.NewFromInt(int64(n))}, true
	case int64:
		return Amount{Value: decimal.NewFromInt(n)}, true
	case json.Number:
		return parseAmountString(n.String())
	case decimal.Decimal:
		return Amount{Value: n, Scale: scaleOf(n)}, true
	case string:
		return parseAmountString(n)
	}
	return Amount{}, false
}

func scaleOf(d decimal.Decimal) int {
	if exp := d.Exponent(); exp < 0 {
		return int(-exp)
	}
	return 0
}

func parseAmountString(raw string) (Amount, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Amount{}, false
	}

	var out Amount
	s, out.Indicator = stripIndicator(s)
	if out.Indicator != IndicatorNone {
		out.Monetary = true
	}

	// Currency symbols (Unicode category Sc).
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Sc, r) {
			out.Monetary = true
			continue
		}
		b.WriteRune(r)
	}
	s = strings.TrimSpace(b.String())

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s, code, ok := stripCurrencyCode(s)
	if !ok {
		return Amount{}, false
	}
	if code {
		out.Monetary = true
	}
	if !negative && strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return Amount{}, false
	}

	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return Amount{}, false
	}
	if m[1] != "" && m[4] != "" {
		return Amount{}, false
	}
	if strings.Contains(m[2], ",") {
		out.Monetary = true
	}

	digits := strings.ReplaceAll(m[2], ",", "")
	if m[3] != "" {
		digits += "." + m[3]
		out.Scale = len(m[3])
	}
	d, err := decimal.NewFromString(digits)
	if err != nil {
		return Amount{}, false
	}
	if m[1] == "-" || m[4] == "-" {
		negative = !negative
	}
	if negative {
		d = d.Neg()
	}
	out.Value = d
	return out, true
}

// stripIndicator removes a leading or trailing Dr/Cr marker.
func stripIndicator(s string) (string, Indicator) {
	upper := strings.ToUpper(s)
	for _, m := range []struct {
		token string
		ind   Indicator
	}{
		{"DR.", IndicatorDebit}, {"DR", IndicatorDebit},
		{"CR.", IndicatorCredit}, {"CR", IndicatorCredit},
	} {
		if strings.HasSuffix(upper, m.token) {
			rest := strings.TrimSpace(s[:len(s)-len(m.token)])
			if rest != "" && !endsWithLetter(rest) {
				return rest, m.ind
			}
		}
		if strings.HasPrefix(upper, m.token+" ") {
			return strings.TrimSpace(s[len(m.token):]), m.ind
		}
	}
	return s, IndicatorNone
}

func endsWithLetter(s string) bool {
	r := []rune(s)
	return len(r) > 0 && unicode.IsLetter(r[len(r)-1])
}

// stripCurrencyCode removes a leading or trailing run of letters when it is a
// recognized currency token. Unrecognized letters make the value non-numeric.
func stripCurrencyCode(s string) (rest string, found bool, ok bool) {
	runes := []rune(s)
	start := 0
	for start < len(runes) && unicode.IsLetter(runes[start]) {
		start++
	}
	if start > 0 && start < len(runes) && runes[start] == '.' {
		start++
	}
	end := len(runes)
	for end > start && unicode.IsLetter(runes[end-1]) {
		end--
	}
	if start > 0 {
		if !knownCurrency(string(runes[:start])) {
			return "", false, false
		}
	}
	if end < len(runes) {
		if !knownCurrency(string(runes[end:])) {
			return "", false, false
		}
	}
	found = start > 0 || end < len(runes)
	return strings.TrimSpace(string(runes[start:end])), found, true
}
