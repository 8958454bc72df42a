package normalize

import "strings"

var currencyAliases = map[string]string{
	"BDT": "BDT", "TK": "BDT", "TAKA": "BDT", "৳": "BDT",
	"USD": "USD", "US$": "USD", "$": "USD", "DOLLAR": "USD", "DOLLARS": "USD", "US DOLLAR": "USD",
	"EUR": "EUR", "€": "EUR", "EURO": "EUR", "EUROS": "EUR",
	"GBP": "GBP", "£": "GBP", "POUND": "GBP", "POUNDS": "GBP", "STERLING": "GBP", "POUND STERLING": "GBP",
	"INR": "INR", "₹": "INR", "RS": "INR", "RUPEE": "INR", "RUPEES": "INR",
	"JPY": "JPY", "¥": "JPY", "YEN": "JPY",
	"CNY": "CNY", "RMB": "CNY", "YUAN": "CNY",
	"CAD": "CAD", "C$": "CAD",
	"AUD": "AUD", "A$": "AUD",
	"SGD": "SGD", "S$": "SGD",
	"AED": "AED", "DIRHAM": "AED",
	"SAR": "SAR", "RIYAL": "SAR",
	"CHF": "CHF", "FRANC": "CHF",
	"PKR": "PKR", "LKR": "LKR", "NPR": "NPR", "MYR": "MYR", "RM": "MYR",
}

// NormalizeCurrency maps a currency name, symbol or code to its ISO-4217 code.
// Any other three-letter alphabetic token is accepted as a code as written.
func NormalizeCurrency(raw string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.TrimSuffix(key, ".")
	if key == "" {
		return "", false
	}
	if code, ok := currencyAliases[key]; ok {
		return code, true
	}
	if len(key) == 3 && isASCIIAlpha(key) {
		return key, true
	}
	return "", false
}

// knownCurrency reports whether token is a listed currency name, symbol or code.
func knownCurrency(token string) bool {
	key := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(token)), ".")
	_, ok := currencyAliases[key]
	return ok
}

func isASCIIAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
