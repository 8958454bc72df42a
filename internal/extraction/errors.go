package extraction

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError is returned when the model kept failing at the transport
// level after the retry budget was spent.
type TransientError struct {
	Page     int
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("page %d: model call failed after %d attempts: %v", e.Page, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is returned when the model's output failed the schema
// check twice (original call plus one corrective retry).
type ValidationError struct {
	Page     int
	Problems []string
	Raw      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("page %d: response failed schema validation: %s", e.Page, strings.Join(e.Problems, "; "))
}

// QuotaError is returned for authentication failures and exhausted quota.
// It is fatal for the remaining pages of a statement.
type QuotaError struct {
	Page int
	Err  error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("page %d: model quota or credentials rejected: %v", e.Page, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// StatusError is returned by model backends for a non-success API response.
type StatusError struct {
	StatusCode int
	Message    string
	// Quota marks responses the provider explicitly flags as out of quota.
	Quota bool
	Err   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model API status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

type errorClass int

const (
	classTransient errorClass = iota
	classRejected
	classQuota
)

// classify decides how a backend error is retried. Auth and explicit quota
// responses are fatal for the statement. Other 4xx responses, except 408
// and 429, fail the page without a retry. Network errors, timeouts, 408,
// 429 and 5xx are retried within the budget.
func classify(err error) errorClass {
	var se *StatusError
	if !errors.As(err, &se) {
		return classTransient
	}
	switch {
	case se.Quota || se.StatusCode == 401 || se.StatusCode == 403:
		return classQuota
	case se.StatusCode == 408 || se.StatusCode == 429:
		return classTransient
	case se.StatusCode >= 400 && se.StatusCode < 500:
		return classRejected
	}
	return classTransient
}

// IsQuota reports whether err is or wraps a *QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
