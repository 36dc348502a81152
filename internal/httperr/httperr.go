package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// Error is an API error with a machine-readable code and an HTTP status.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Status is the HTTP status code sent to the client
	Status int

	// Err is the underlying error (if any)
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Error codes.
const (
	CodeContentType        = "ERR_CONTENT_TYPE"
	CodeQueueDown          = "ERR_QUEUE_DOWN"
	CodeSchemaValidation   = "ERR_SCHEMA_VALIDATION"
	CodeQueueEmpty         = "ERR_QUEUE_EMPTY"
	CodeQueueDownGet       = "ERR_QUEUE_DOWN_GET"
	CodeMissingCredentials = "ERR_MISSING_CREDENTIALS"
	CodeForbidden          = "ERR_FORBIDDEN"
	CodeShuttingDown       = "ERR_SHUTTING_DOWN"
	CodePayloadTooLarge    = "ERR_PAYLOAD_TOO_LARGE"
	CodeNotFound           = "ERR_NOT_FOUND"
	CodeInternal           = "ERR_INTERNAL"
)

// Sentinels for errors.Is matching.
var (
	ErrContentType        = &Error{Code: CodeContentType, Status: http.StatusUnsupportedMediaType}
	ErrQueueDown          = &Error{Code: CodeQueueDown, Status: http.StatusServiceUnavailable}
	ErrSchemaValidation   = &Error{Code: CodeSchemaValidation, Status: http.StatusBadRequest}
	ErrQueueEmpty         = &Error{Code: CodeQueueEmpty, Status: http.StatusLocked}
	ErrQueueDownGet       = &Error{Code: CodeQueueDownGet, Status: http.StatusInternalServerError}
	ErrMissingCredentials = &Error{Code: CodeMissingCredentials, Status: http.StatusForbidden}
	ErrForbidden          = &Error{Code: CodeForbidden, Status: http.StatusForbidden}
	ErrShuttingDown       = &Error{Code: CodeShuttingDown, Status: http.StatusServiceUnavailable}
)

func ContentType(contentType string) *Error {
	return &Error{Code: CodeContentType, Message: fmt.Sprintf("Unsupported content type: %s", contentType), Status: http.StatusUnsupportedMediaType}
}

func QueueDown(cause error) *Error {
	return &Error{Code: CodeQueueDown, Message: "Could not publish message to queue", Status: http.StatusServiceUnavailable, Err: cause}
}

func SchemaValidation(detail string) *Error {
	return &Error{Code: CodeSchemaValidation, Message: fmt.Sprintf("Payload schema validation failed: %s", detail), Status: http.StatusBadRequest}
}

func QueueEmpty() *Error {
	return &Error{Code: CodeQueueEmpty, Message: "Queue is empty", Status: http.StatusLocked}
}

func QueueDownGet(cause error) *Error {
	return &Error{Code: CodeQueueDownGet, Message: "Could not retrieve message from queue", Status: http.StatusInternalServerError, Err: cause}
}

func MissingCredentials() *Error {
	return &Error{Code: CodeMissingCredentials, Message: "Missing credentials in headers", Status: http.StatusForbidden}
}

func Forbidden() *Error {
	return &Error{Code: CodeForbidden, Message: "Forbidden", Status: http.StatusForbidden}
}

func ShuttingDown() *Error {
	return &Error{Code: CodeShuttingDown, Message: "Server is shutting down", Status: http.StatusServiceUnavailable}
}

func PayloadTooLarge(limit int64) *Error {
	return &Error{Code: CodePayloadTooLarge, Message: fmt.Sprintf("Request body is larger than %d bytes", limit), Status: http.StatusRequestEntityTooLarge}
}

func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

// body is the JSON error envelope.
type body struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// StatusOf returns the HTTP status for err, 500 for errors without one.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Write sends err as a JSON envelope. Errors that are not *Error are reported
// as internal errors without leaking their text.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Message: "Internal Server Error", Status: http.StatusInternalServerError}
	}
	status := StatusOf(e)
	b, _ := sonic.Marshal(body{
		StatusCode: status,
		Code:       e.Code,
		Error:      http.StatusText(status),
		Message:    e.Message,
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// Read decodes an error envelope from a response body. Bodies that are not
// an envelope yield an ERR_INTERNAL error carrying status.
func Read(status int, data []byte) *Error {
	var b body
	if err := sonic.Unmarshal(data, &b); err != nil || b.Code == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &Error{Code: CodeInternal, Message: msg, Status: status}
	}
	return &Error{Code: b.Code, Message: b.Message, Status: b.StatusCode}
}
