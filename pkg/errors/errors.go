// Package errors defines the typed error taxonomy used by the ingestion
// pipeline. Every error that can abort the processing of a file is an
// *IngestError carrying a category, a stable code, a human readable message,
// an optional suggestion and free-form context. The category decides the CLI
// exit code and lets callers tell a structural failure from a persistence
// failure without string matching.
//
// Row level problems (validation failures and duplicate keys) are collected
// into review artifacts and never surface as an *IngestError on their own.
package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryInput         ErrorCategory = "input"
	CategoryStructural    ErrorCategory = "structural"
	CategoryInference     ErrorCategory = "inference"
	CategoryValidation    ErrorCategory = "validation"
	CategoryDuplicate     ErrorCategory = "duplicate"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Input errors
	CodeFileNotFound      ErrorCode = "file_not_found"
	CodeUnsupportedFormat ErrorCode = "unsupported_format"
	CodeUnreadable        ErrorCode = "unreadable"
	CodeEncodingError     ErrorCode = "encoding_error"

	// Structural errors
	CodeEmptyTable       ErrorCode = "empty_table"
	CodeNoDataRows       ErrorCode = "no_data_rows"
	CodeExcessiveMissing ErrorCode = "excessive_missing"

	// Inference errors
	CodeRoleNotFound    ErrorCode = "role_not_found"
	CodeTooManyOutliers ErrorCode = "too_many_outliers"
	CodeBudgetExhausted ErrorCode = "budget_exhausted"
	CodeUnknownDetector ErrorCode = "unknown_detector"

	// Validation errors
	CodeNoValidRows       ErrorCode = "no_valid_rows"
	CodeInvalidIdentifier ErrorCode = "invalid_identifier"

	// Duplicate errors
	CodeDuplicateKey ErrorCode = "duplicate_key"

	// Persistence errors
	CodeQueryFailed  ErrorCode = "query_failed"
	CodeInsertFailed ErrorCode = "insert_failed"
	CodeJobUpdate    ErrorCode = "job_update_failed"
	CodeConnection   ErrorCode = "connection_failed"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
	CodePanic           ErrorCode = "panic"
)

// IngestError is the base error type for all application errors
type IngestError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface. The cause, when present, is appended
// so the message stored as a job's error summary is self-contained.
func (e *IngestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *IngestError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *IngestError) GetExitCode() int {
	switch e.Category {
	case CategoryInput:
		return 2
	case CategoryStructural, CategoryInference, CategoryValidation, CategoryDuplicate:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryPersistence:
		return 5
	case CategoryInternal:
		return 6
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *IngestError) WithContext(key string, value interface{}) *IngestError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *IngestError) WithSuggestion(suggestion string) *IngestError {
	e.Suggestion = suggestion
	return e
}

// New creates a new IngestError
func New(category ErrorCategory, code ErrorCode, message string) *IngestError {
	return &IngestError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Newf creates a new IngestError with a formatted message
func Newf(category ErrorCategory, code ErrorCode, format string, args ...interface{}) *IngestError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with IngestError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *IngestError {
	if err == nil {
		return nil
	}

	return &IngestError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// InputFormatError reports an unreadable or unsupported input file.
func InputFormatError(code ErrorCode, path string, err error) *IngestError {
	var message, suggestion string
	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check the file path and that the file still exists"
	case CodeUnsupportedFormat:
		message = fmt.Sprintf("unsupported file format: %s", path)
		suggestion = "submit the report as .csv, .tsv, .txt or .xlsx"
	case CodeEncodingError:
		message = fmt.Sprintf("cannot decode file: %s", path)
		suggestion = "save the file as UTF-8 or set the fallback encoding"
	default:
		message = fmt.Sprintf("cannot read file: %s", path)
		suggestion = "verify the file is not corrupted"
	}

	var result *IngestError
	if err != nil {
		result = Wrap(err, CategoryInput, code, message)
	} else {
		result = New(CategoryInput, code, message)
	}
	return result.WithSuggestion(suggestion).WithContext("file_path", path)
}

// StructuralError reports a table that cannot be isolated from the raw data.
func StructuralError(code ErrorCode, reason string) *IngestError {
	return New(CategoryStructural, code, reason).
		WithSuggestion("the file layout is too damaged to process automatically; review it manually")
}

// InferenceFailure reports a required column role that could not be located,
// or a run whose degraded outcomes exceeded the allowed budget.
func InferenceFailure(code ErrorCode, detector string, reason string) *IngestError {
	return New(CategoryInference, code, reason).
		WithContext("detector", detector).
		WithSuggestion("check that the file contains the expected columns for this provider")
}

// PersistenceError reports a failed store operation.
func PersistenceError(code ErrorCode, operation string, err error) *IngestError {
	message := fmt.Sprintf("persistence failure during %s", operation)
	var result *IngestError
	if err != nil {
		result = Wrap(err, CategoryPersistence, code, message)
	} else {
		result = New(CategoryPersistence, code, message)
	}
	return result.
		WithContext("operation", operation).
		WithSuggestion("check database connectivity; no rows from this file were kept")
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *IngestError {
	var message string
	switch code {
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
	default:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
	}

	var result *IngestError
	if err != nil {
		result = Wrap(err, CategoryConfiguration, code, message)
	} else {
		result = New(CategoryConfiguration, code, message)
	}
	return result.
		WithSuggestion("check the configuration file and INGESTOR_ environment variables").
		WithContext("setting", setting).
		WithContext("value", value)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *IngestError {
	message := fmt.Sprintf("unexpected error during %s", operation)
	if code == CodePanic {
		message = fmt.Sprintf("panic during %s", operation)
	}

	var result *IngestError
	if err != nil {
		result = Wrap(err, CategoryInternal, code, message)
	} else {
		result = New(CategoryInternal, code, message)
	}
	return result.
		WithSuggestion("this is likely a bug; report it with the log output").
		WithContext("operation", operation)
}

// ErrorSummary aggregates the terminal errors of a batch run.
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	Errors     []*IngestError        `json:"errors"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*IngestError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		Errors:     errs,
	}
	for _, err := range errs {
		summary.ByCategory[err.Category]++
	}
	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	switch es.Total {
	case 0:
		return "no errors"
	case 1:
		return es.Errors[0].Error()
	}

	categories := make([]string, 0, len(es.ByCategory))
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}
	sort.Strings(categories)

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}
	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}
	return maxCode
}

// AsIngestError extracts an IngestError from an error chain
func AsIngestError(err error) (*IngestError, bool) {
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		return ingestErr, true
	}
	return nil, false
}

// IsCategory reports whether err carries an IngestError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	ie, ok := AsIngestError(err)
	return ok && ie.Category == category
}

// WrapIfNeeded wraps an error if it's not already an IngestError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *IngestError {
	if err == nil {
		return nil
	}
	if ingestErr, ok := AsIngestError(err); ok {
		return ingestErr
	}
	return Wrap(err, category, code, message)
}
