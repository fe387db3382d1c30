// Package errors provides standardized error types for catalog operations.
package errors

import (
	"errors"
	"fmt"
)

// Error constants for catalog operations
var (
	// ErrTableNotFound is returned when a requested table cannot be found
	ErrTableNotFound = &CatalogError{code: "table_not_found", msg: "table not found"}

	// ErrTableAlreadyExists is returned when trying to create a table that already exists
	ErrTableAlreadyExists = &CatalogError{code: "table_already_exists", msg: "table already exists"}

	// ErrIndexNotFound is returned when a requested index cannot be found
	ErrIndexNotFound = &CatalogError{code: "index_not_found", msg: "index not found"}

	// ErrIndexAlreadyExists is returned when an index name is already taken
	ErrIndexAlreadyExists = &CatalogError{code: "index_already_exists", msg: "index already exists"}

	// ErrColumnNotFound is returned when a requested column cannot be found
	ErrColumnNotFound = &CatalogError{code: "column_not_found", msg: "column not found"}

	// ErrInvalidColumnType is returned when a column has an invalid type
	ErrInvalidColumnType = &CatalogError{code: "invalid_column_type", msg: "invalid column type"}

	// ErrInvalidPrivilege is returned for privileges the catalog does not know
	ErrInvalidPrivilege = &CatalogError{code: "invalid_privilege", msg: "invalid privilege"}
)

// CatalogError represents a catalog-specific error
type CatalogError struct {
	code string
	msg  string
	err  error // wrapped error
}

// Error implements the error interface
func (e *CatalogError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

// Code returns the error code
func (e *CatalogError) Code() string {
	return e.code
}

// Unwrap returns the wrapped error
func (e *CatalogError) Unwrap() error {
	return e.err
}

// Is checks if the error matches the target
func (e *CatalogError) Is(target error) bool {
	if t, ok := target.(*CatalogError); ok {
		return e.code == t.code
	}
	return false
}

// New creates a new CatalogError with a formatted message
func New(code, format string, args ...interface{}) *CatalogError {
	return &CatalogError{
		code: code,
		msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with a catalog error
func Wrap(err error, code, format string, args ...interface{}) *CatalogError {
	return &CatalogError{
		code: code,
		msg:  fmt.Sprintf(format, args...),
		err:  err,
	}
}

// NotFound builds a table_not_found error naming the table.
func NotFound(table string) *CatalogError {
	return &CatalogError{code: ErrTableNotFound.code, msg: fmt.Sprintf("table %q not found", table)}
}

// IsTableNotFoundError checks if an error indicates a table not found
func IsTableNotFoundError(err error) bool {
	return errors.Is(err, ErrTableNotFound)
}

// IsTableAlreadyExistsError checks if an error indicates a table already exists
func IsTableAlreadyExistsError(err error) bool {
	return errors.Is(err, ErrTableAlreadyExists)
}

// IsIndexNotFoundError checks if an error indicates an index not found
func IsIndexNotFoundError(err error) bool {
	return errors.Is(err, ErrIndexNotFound)
}
