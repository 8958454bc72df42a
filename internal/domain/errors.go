package domain

import "errors"

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a statement with the same file hash already exists.
	ErrDuplicate = errors.New("duplicate statement")

	// ErrUnknownColumn is returned when a key is not part of the statement's schema.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrInvalidColumnType is returned for a column type outside date/currency/text/number.
	ErrInvalidColumnType = errors.New("invalid column type")

	// ErrNoSchema is returned when column metadata is edited on a statement
	// that has not been assembled yet.
	ErrNoSchema = errors.New("statement has no transaction schema")

	// ErrInvalidTransition is returned for a forbidden status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)
