package kdbview

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidQuery invalid_query
	ErrInvalidQuery = errors.New("invalid_query")
	// ErrUnsupportedType unsupported_type
	ErrUnsupportedType = errors.New("unsupported_type")
	// ErrTransport transport_error
	ErrTransport = errors.New("transport_error")
	// ErrView view_error
	ErrView = errors.New("view_error")
	// ErrSessionCancelled session_cancelled
	ErrSessionCancelled = errors.New("session_cancelled")
	// ErrBulkIncomplete bulk_incomplete
	ErrBulkIncomplete = errors.New("bulk_incomplete")
	// ErrInvalidSchema invalid_schema
	ErrInvalidSchema = errors.New("invalid_schema")

	// MessageInvalidQuery error message for ErrInvalidQuery
	MessageInvalidQuery = "query options violate view consistency rules"
	// MessageUnsupportedType error message for ErrUnsupportedType
	MessageUnsupportedType = "column type can not be evaluated"
	// MessageTransport error message for ErrTransport
	MessageTransport = "request to the document store failed"
	// MessageView error message for ErrView
	MessageView = "view returned an error"
	// MessageSessionCancelled error message for ErrSessionCancelled
	MessageSessionCancelled = "session cancelled"
	// MessageBulkIncomplete error message for ErrBulkIncomplete
	MessageBulkIncomplete = "bulk operation incomplete"
)

// ServerError is the {"error","reason"} body returned by the document store.
type ServerError struct {
	StatusCode int
	Type       string `json:"error"`
	Reason     string `json:"reason"`
}

func (e *ServerError) Error() string {
	return "couchdb: " + e.Type + " (" + e.Reason + ")"
}

// ErrorType returns the short form error type (e.g. not_found) when err
// originated from the document store, otherwise an empty string.
func ErrorType(err error) string {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.Type
	}
	return ""
}

// StatusCode returns the HTTP status carried by err, 0 when there is none.
func StatusCode(err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.StatusCode
	}
	return 0
}

func invalidQuery(format string, a ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), ErrInvalidQuery)
}

func unsupportedType(column string, t CellType) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf("column %q has type %q", column, t), ErrUnsupportedType)
}

func transportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func viewError(serr *ServerError) error {
	return fmt.Errorf("%w: %w", ErrView, serr)
}

func getErrorDescription(err error) string {
	e := errors.Unwrap(err)
	if e == nil {
		return err.Error()
	}
	return strings.Trim(strings.TrimRight(strings.ReplaceAll(err.Error(), e.Error(), ""), " "), ":")
}

// Describe returns the short error code and a readable reason for err.
func Describe(err error) (code, reason string) {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return ErrInvalidQuery.Error(), getErrorDescription(err)
	case errors.Is(err, ErrUnsupportedType):
		return ErrUnsupportedType.Error(), getErrorDescription(err)
	case errors.Is(err, ErrView):
		if t := ErrorType(err); t != "" {
			return t, reasonOf(err, MessageView)
		}
		return ErrView.Error(), MessageView
	case errors.Is(err, ErrTransport):
		if t := ErrorType(err); t != "" {
			return t, reasonOf(err, MessageTransport)
		}
		return ErrTransport.Error(), MessageTransport
	case errors.Is(err, ErrSessionCancelled):
		return ErrSessionCancelled.Error(), MessageSessionCancelled
	case errors.Is(err, ErrBulkIncomplete):
		return ErrBulkIncomplete.Error(), MessageBulkIncomplete
	default:
		return "internal_error", err.Error()
	}
}

func reasonOf(err error, fallback string) string {
	var sErr *ServerError
	if errors.As(err, &sErr) && sErr.Reason != "" {
		return sErr.Reason
	}
	return fallback
}
