package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"github.com/dvloznov/statement-extractor/internal/normalize"
	"github.com/go-playground/validator/v10"
)

// Row is one transaction object as returned by the model, with its keys in
// the order they were written.
type Row struct {
	Keys   []string
	Values map[string]interface{}
}

// UnmarshalJSON decodes a JSON object keeping key order.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("transaction must be an object, got %v", tok)
	}
	r.Keys = nil
	r.Values = make(map[string]interface{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if _, seen := r.Values[key]; !seen {
			r.Keys = append(r.Keys, key)
		}
		r.Values[key] = plainNumbers(v)
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the row with its original key order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.Values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// plainNumbers converts json.Number leaves to float64 so cell values look the
// same as anything else decoded with encoding/json.
func plainNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []interface{}:
		for i := range x {
			x[i] = plainNumbers(x[i])
		}
	case map[string]interface{}:
		for k := range x {
			x[k] = plainNumbers(x[k])
		}
	}
	return v
}

// Result is one successfully extracted page.
type Result struct {
	PageNumber      int
	CustomerDetails domain.Details
	BankDetails     domain.Details
	Columns         []string
	Transactions    []Row
	PageInfo        map[string]interface{}
	Confidence      *domain.ConfidenceScores
	// Raw is the accepted model output after fence stripping.
	Raw string
	// Usage sums every attempt made for this page.
	Usage     domain.TokenUsage
	Attempts  int
	Corrected bool
}

// Outcome is the result of checking one model reply. It is exactly one of
// Parsed, SchemaInvalid or Unparseable.
type Outcome interface {
	outcome()
}

// Parsed carries a reply that passed the schema check.
type Parsed struct {
	Result *Result
}

// SchemaInvalid is well-formed JSON that does not match the page schema.
type SchemaInvalid struct {
	Raw      string
	Problems []string
}

// Unparseable is a reply that is not JSON at all.
type Unparseable struct {
	Raw string
	Err error
}

func (Parsed) outcome()        {}
func (SchemaInvalid) outcome() {}
func (Unparseable) outcome()   {}

type customerDetails struct {
	AccountHolderName *string `json:"account_holder_name"`
	AccountNumber     *string `json:"account_number"`
	Address           *string `json:"address"`
}

type bankDetails struct {
	BankName             *string  `json:"bank_name"`
	BranchName           *string  `json:"branch_name"`
	StatementPeriodStart *string  `json:"statement_period_start" validate:"omitempty,datetime=2006-01-02"`
	StatementPeriodEnd   *string  `json:"statement_period_end" validate:"omitempty,datetime=2006-01-02"`
	OpeningBalance       *balance `json:"opening_balance"`
	ClosingBalance       *balance `json:"closing_balance"`
	Currency             *string  `json:"currency" validate:"omitempty,max=20"`
}

// balance accepts a JSON number or a numeric string such as "1,234.50".
type balance struct {
	normalize.Amount
}

func (b *balance) UnmarshalJSON(data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	a, ok := normalize.ParseAmount(v)
	if !ok {
		return fmt.Errorf("balance %s is not a number", data)
	}
	b.Amount = a
	return nil
}

type confidenceScores struct {
	Overall         float64 `json:"overall" validate:"gte=0,lte=1"`
	CustomerDetails float64 `json:"customer_details" validate:"gte=0,lte=1"`
	BankDetails     float64 `json:"bank_details" validate:"gte=0,lte=1"`
	Transactions    float64 `json:"transactions" validate:"gte=0,lte=1"`
}

// pageResponse is the strict shape every page reply must have.
type pageResponse struct {
	CustomerDetails    *customerDetails       `json:"customer_details" validate:"required"`
	BankDetails        *bankDetails           `json:"bank_details" validate:"required"`
	TransactionColumns []string               `json:"transaction_columns" validate:"omitempty,dive,max=200"`
	Transactions       []Row                  `json:"transactions" validate:"required"`
	PageInfo           map[string]interface{} `json:"page_info"`
	ConfidenceScores   *confidenceScores      `json:"confidence_scores" validate:"omitempty"`
}

// headerMaps keeps every header key, including ones the typed view ignores.
type headerMaps struct {
	CustomerDetails map[string]interface{} `json:"customer_details"`
	BankDetails     map[string]interface{} `json:"bank_details"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseResponse checks a raw model reply against the page schema.
func ParseResponse(raw string) Outcome {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return Unparseable{Raw: raw, Err: errors.New("empty response")}
	}
	if !json.Valid([]byte(clean)) {
		var v interface{}
		err := json.Unmarshal([]byte(clean), &v)
		return Unparseable{Raw: raw, Err: err}
	}

	var resp pageResponse
	if err := json.Unmarshal([]byte(clean), &resp); err != nil {
		return SchemaInvalid{Raw: clean, Problems: []string{err.Error()}}
	}
	if err := validate.Struct(&resp); err != nil {
		return SchemaInvalid{Raw: clean, Problems: validationProblems(err)}
	}

	var headers headerMaps
	if err := json.Unmarshal([]byte(clean), &headers); err != nil {
		return SchemaInvalid{Raw: clean, Problems: []string{err.Error()}}
	}

	result := &Result{
		CustomerDetails: domain.Details(headers.CustomerDetails),
		BankDetails:     domain.Details(headers.BankDetails),
		PageInfo:        resp.PageInfo,
		Raw:             clean,
	}
	for _, col := range resp.TransactionColumns {
		if col = strings.TrimSpace(col); col != "" {
			result.Columns = append(result.Columns, col)
		}
	}
	for _, row := range resp.Transactions {
		if len(row.Keys) > 0 {
			result.Transactions = append(result.Transactions, row)
		}
	}
	if c := resp.ConfidenceScores; c != nil {
		result.Confidence = &domain.ConfidenceScores{
			Overall:         c.Overall,
			CustomerDetails: c.CustomerDetails,
			BankDetails:     c.BankDetails,
			Transactions:    c.Transactions,
		}
	}
	return Parsed{Result: result}
}

func validationProblems(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return problems
}

// cleanModelJSON strips Markdown fences and any prose around the JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return ""
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}
