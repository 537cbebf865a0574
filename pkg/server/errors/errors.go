// Package errors contains the errors returned to HTTP clients and how they are encoded.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/trailcamp/campsites/pkg/storage"
)

const (
	InternalServerErrorMsg = "Internal Server Error"
	NotFoundMsg            = "Not Found"
)

var (
	// RequestCancelled is returned when the client goes away before the response starts.
	RequestCancelled = errors.New("request has been cancelled")
	// RequestDeadlineExceeded is returned when the request context expires before the response starts.
	RequestDeadlineExceeded = errors.New("request deadline exceeded")
)

// ValidationError is a client error detected before any response bytes are written.
// It is encoded as 400 with a JSON body {"error": Message}.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError returns a *ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InternalError hides the cause from clients while keeping it for logs.
type InternalError struct {
	public   string
	internal error
}

func (e InternalError) Error() string {
	return e.public
}

func (e InternalError) Unwrap() error {
	return e.internal
}

// Internal returns the cause for logging.
func (e InternalError) Internal() error {
	return e.internal
}

// NewInternalError returns an error that is safe to show to clients. An empty
// public message defaults to InternalServerErrorMsg.
func NewInternalError(public string, internal error) InternalError {
	if public == "" {
		public = InternalServerErrorMsg
	}

	return InternalError{
		public:   public,
		internal: internal,
	}
}

// HandleError maps storage and context errors onto the errors above.
func HandleError(public string, err error) error {
	switch {
	case errors.Is(err, storage.ErrCancelled), errors.Is(err, context.Canceled):
		return RequestCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return RequestDeadlineExceeded
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr
	}

	return NewInternalError(public, err)
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, RequestCancelled):
		// nginx's non-standard "client closed request"
		return 499
	case errors.Is(err, RequestDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteJSONError writes {"error": msg} with the given status.
func WriteJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}

// WriteText writes "<code> <msg>" as text/plain, the form used for 404 and 500.
func WriteText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "%d %s", code, msg)
}

// WriteNotFound writes the 404 response for unknown routes.
func WriteNotFound(w http.ResponseWriter) {
	WriteText(w, http.StatusNotFound, NotFoundMsg)
}

// WriteInternalError writes the 500 response for faults before the body started.
func WriteInternalError(w http.ResponseWriter) {
	WriteText(w, http.StatusInternalServerError, InternalServerErrorMsg)
}

// WriteError encodes err. Validation errors keep the JSON body, everything else is text.
func WriteError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusBadRequest {
		WriteJSONError(w, code, err.Error())
		return
	}
	if code == http.StatusInternalServerError {
		WriteInternalError(w)
		return
	}
	WriteText(w, code, err.Error())
}
