// Package errors provides the classified error type returned by the query core.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guileen/querycore/logger"
)

// Kind classifies an error by the stage that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindSyntax
	KindPlanning
	KindExecution
	KindResource
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindSyntax:
		return "SyntaxError"
	case KindPlanning:
		return "PlanningError"
	case KindExecution:
		return "ExecutionError"
	case KindResource:
		return "ResourceError"
	case KindCancelled:
		return "CancelledError"
	default:
		return "UnknownError"
	}
}

// Error codes for different types of errors
const (
	ErrCodeUnknown          = "unknown_error"
	ErrCodeValidation       = "validation_error"
	ErrCodeSyntax           = "syntax_error"
	ErrCodeUnresolved       = "unresolved_reference"
	ErrCodeUnsupported      = "unsupported_construct"
	ErrCodeTypeMismatch     = "type_mismatch"
	ErrCodeDivisionByZero   = "division_by_zero"
	ErrCodeConstraint       = "constraint_violation"
	ErrCodeStorage          = "storage_error"
	ErrCodeMemoryExhausted  = "memory_exhausted"
	ErrCodeSpillExhausted   = "spill_exhausted"
	ErrCodeCancelled        = "query_cancelled"
	ErrCodeDeadlineExceeded = "deadline_exceeded"
	ErrCodeInternal         = "internal_error"
)

// QueryError is the error type surfaced by every stage of query processing.
type QueryError struct {
	Kind    Kind
	Code    string
	Message string
	Op      string
	// Stage names the validation stage that rejected the input.
	Stage string
	// Partial is set when execution had already started producing rows
	// before the failure; callers must not treat any rows seen as complete.
	Partial bool
	Err     error
}

// Error implements the error interface
func (e *QueryError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage %s)", msg, e.Stage)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap implements the unwrap interface for error chaining
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is matches another *QueryError with the same kind and code.
func (e *QueryError) Is(target error) bool {
	if t, ok := target.(*QueryError); ok {
		return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
	}
	return false
}

// Log logs the error with the provided level
func (e *QueryError) Log(ctx context.Context, level slog.Level) {
	fields := []any{
		"error_kind", e.Kind.String(),
		"error_code", e.Code,
		"operation", e.Op,
		"message", e.Message,
	}
	if e.Stage != "" {
		fields = append(fields, "stage", e.Stage)
	}
	if e.Partial {
		fields = append(fields, "partial", true)
	}
	if e.Err != nil {
		fields = append(fields, "cause", e.Err.Error())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger.LogContext(ctx, level, "query error", fields...)
}

// New creates a new QueryError
func New(kind Kind, code, message string) *QueryError {
	return &QueryError{Kind: kind, Code: code, Message: message}
}

// Errorf creates a new QueryError with formatted message
func Errorf(kind Kind, code, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error. A *QueryError already in the chain keeps its kind.
func Wrap(err error, kind Kind, code, op string) *QueryError {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		kind, code = qe.Kind, qe.Code
	}
	return &QueryError{Kind: kind, Code: code, Message: err.Error(), Op: op, Err: err}
}

// Wrapf wraps an existing error with formatted context
func Wrapf(err error, kind Kind, code, op, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Op: op, Err: err}
}

func NewValidationError(stage, msg string) *QueryError {
	return &QueryError{Kind: KindValidation, Code: ErrCodeValidation, Message: msg, Op: "validate", Stage: stage}
}

func NewValidationErrorf(stage, format string, args ...interface{}) *QueryError {
	return NewValidationError(stage, fmt.Sprintf(format, args...))
}

func NewSyntaxError(op, msg string) *QueryError {
	return &QueryError{Kind: KindSyntax, Code: ErrCodeSyntax, Message: msg, Op: op}
}

func NewPlanningError(op, msg string) *QueryError {
	return &QueryError{Kind: KindPlanning, Code: ErrCodeUnresolved, Message: msg, Op: op}
}

func NewPlanningErrorf(op, format string, args ...interface{}) *QueryError {
	return NewPlanningError(op, fmt.Sprintf(format, args...))
}

func NewUnsupportedError(op, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: KindPlanning, Code: ErrCodeUnsupported, Message: fmt.Sprintf(format, args...), Op: op}
}

func NewExecutionError(op, msg string) *QueryError {
	return &QueryError{Kind: KindExecution, Code: ErrCodeInternal, Message: msg, Op: op}
}

func NewExecutionErrorf(op, format string, args ...interface{}) *QueryError {
	return NewExecutionError(op, fmt.Sprintf(format, args...))
}

func NewTypeError(op, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: KindExecution, Code: ErrCodeTypeMismatch, Message: fmt.Sprintf(format, args...), Op: op}
}

func NewDivisionByZero(op string) *QueryError {
	return &QueryError{Kind: KindExecution, Code: ErrCodeDivisionByZero, Message: "division by zero", Op: op}
}

func NewResourceError(op, msg string) *QueryError {
	return &QueryError{Kind: KindResource, Code: ErrCodeMemoryExhausted, Message: msg, Op: op}
}

func NewResourceErrorf(op, format string, args ...interface{}) *QueryError {
	return NewResourceError(op, fmt.Sprintf(format, args...))
}

// FromContext converts a context error into a CancelledError. It returns nil
// when err is not a context error.
func FromContext(err error, op string) *QueryError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &QueryError{Kind: KindCancelled, Code: ErrCodeDeadlineExceeded, Message: "query deadline exceeded", Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return &QueryError{Kind: KindCancelled, Code: ErrCodeCancelled, Message: "query cancelled", Op: op, Err: err}
	}
	return nil
}

// MarkPartial flags err as having happened after rows were produced.
func MarkPartial(err error) error {
	var qe *QueryError
	if errors.As(err, &qe) {
		qe.Partial = true
		return err
	}
	return &QueryError{Kind: KindExecution, Code: ErrCodeInternal, Message: err.Error(), Partial: true, Err: err}
}

// KindOf returns the kind of the first *QueryError in err's chain.
func KindOf(err error) Kind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnknown
}

func isKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsValidationError(err error) bool { return isKind(err, KindValidation) }
func IsSyntaxError(err error) bool     { return isKind(err, KindSyntax) }
func IsPlanningError(err error) bool   { return isKind(err, KindPlanning) }
func IsExecutionError(err error) bool  { return isKind(err, KindExecution) }
func IsResourceError(err error) bool   { return isKind(err, KindResource) }
func IsCancelledError(err error) bool  { return isKind(err, KindCancelled) }
