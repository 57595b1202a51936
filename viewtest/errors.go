package viewtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrBadJSON bad_request
	ErrBadJSON = errors.New("bad_request")
	// ErrDatabaseExists file_exists
	ErrDatabaseExists = errors.New("file_exists")
	// ErrDatabaseNotFound not_found
	ErrDatabaseNotFound = errors.New("not_found")
	// ErrDatabaseInvalidName illegal_database_name
	ErrDatabaseInvalidName = errors.New("illegal_database_name")
	// ErrDocumentInvalidID invalid_doc_id
	ErrDocumentInvalidID = errors.New("invalid_doc_id")
	// ErrDocumentConflict conflict
	ErrDocumentConflict = errors.New("conflict")
	// ErrDocumentNotFound doc_not_found
	ErrDocumentNotFound = errors.New("doc_not_found")
	// ErrDocumentInvalidInput forbidden
	ErrDocumentInvalidInput = errors.New("forbidden")
	// ErrViewNotFound view_not_found
	ErrViewNotFound = errors.New("view_not_found")
	// ErrQueryParse query_parse_error
	ErrQueryParse = errors.New("query_parse_error")
	// ErrInternalError internal_error
	ErrInternalError = errors.New("internal_error")

	// MessageBadJSON error message for ErrBadJSON
	MessageBadJSON = "invalid UTF-8 JSON"
	// MessageDatabaseExists error message for ErrDatabaseExists
	MessageDatabaseExists = "The database could not be created, the file already exists."
	// MessageDatabaseNotFound error message for ErrDatabaseNotFound
	MessageDatabaseNotFound = "Database does not exist."
	// MessageDocumentConflict error message for ErrDocumentConflict
	MessageDocumentConflict = "Document update conflict."
	// MessageDocumentNotFound error message for ErrDocumentNotFound
	MessageDocumentNotFound = "missing"
	// MessageViewNotFound error message for ErrViewNotFound
	MessageViewNotFound = "missing_named_view"
)

func getErrorDescription(err error) string {
	e := errors.Unwrap(err)
	if e == nil {
		return err.Error()
	}
	return strings.Trim(strings.TrimRight(strings.ReplaceAll(err.Error(), e.Error(), ""), " "), ":")
}

// errorString returns the CouchDB error code and reason for err.
func errorString(err error) (string, string) {
	switch {
	case errors.Is(err, ErrDatabaseExists):
		return ErrDatabaseExists.Error(), MessageDatabaseExists
	case errors.Is(err, ErrBadJSON):
		return ErrBadJSON.Error(), getErrorDescription(err)
	case errors.Is(err, ErrDatabaseNotFound):
		return "not_found", MessageDatabaseNotFound
	case errors.Is(err, ErrDatabaseInvalidName):
		return ErrDatabaseInvalidName.Error(), getErrorDescription(err)
	case errors.Is(err, ErrDocumentInvalidID):
		return "bad_request", getErrorDescription(err)
	case errors.Is(err, ErrDocumentConflict):
		return ErrDocumentConflict.Error(), MessageDocumentConflict
	case errors.Is(err, ErrDocumentNotFound):
		return "not_found", MessageDocumentNotFound
	case errors.Is(err, ErrDocumentInvalidInput):
		return ErrDocumentInvalidInput.Error(), getErrorDescription(err)
	case errors.Is(err, ErrViewNotFound):
		return "not_found", MessageViewNotFound
	case errors.Is(err, ErrQueryParse):
		return ErrQueryParse.Error(), getErrorDescription(err)
	default:
		return ErrInternalError.Error(), getErrorDescription(err)
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrDatabaseExists) || errors.Is(err, ErrDatabaseInvalidName):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrDocumentConflict):
		return http.StatusConflict
	case errors.Is(err, ErrDatabaseNotFound) || errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrViewNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadJSON) || errors.Is(err, ErrQueryParse) || errors.Is(err, ErrDocumentInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, ErrDocumentInvalidInput):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// NotOK writes err as a CouchDB error body.
func NotOK(err error, w http.ResponseWriter) {
	code, reason := errorString(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": code, "reason": reason})
}
