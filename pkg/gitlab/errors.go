package gitlab

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed platform call. A Kind is itself an error so that
// callers can write errors.Is(err, gitlab.NotFound).
type Kind int

// Failure classes, keyed by HTTP status where one exists.
const (
	UnexpectedError Kind = iota
	BadRequest
	Unauthorized
	Forbidden
	NotFound
	MethodNotAllowed
	NotAcceptable
	Conflict
	Unprocessable
	TooManyRequests
	InternalServerError
	BadGateway
	ServiceUnavailable
	GatewayTimeout
	// Timeout is a transport-level timeout; no status was received.
	Timeout
)

var kindNames = map[Kind]string{
	UnexpectedError:     "unexpected error",
	BadRequest:          "bad request",
	Unauthorized:        "unauthorized",
	Forbidden:           "forbidden",
	NotFound:            "not found",
	MethodNotAllowed:    "method not allowed",
	NotAcceptable:       "not acceptable",
	Conflict:            "conflict",
	Unprocessable:       "unprocessable",
	TooManyRequests:     "too many requests",
	InternalServerError: "internal server error",
	BadGateway:          "bad gateway",
	ServiceUnavailable:  "service unavailable",
	GatewayTimeout:      "gateway timeout",
	Timeout:             "timeout",
}

var statusKinds = map[int]Kind{
	http.StatusBadRequest:          BadRequest,
	http.StatusUnauthorized:        Unauthorized,
	http.StatusForbidden:           Forbidden,
	http.StatusNotFound:            NotFound,
	http.StatusMethodNotAllowed:    MethodNotAllowed,
	http.StatusNotAcceptable:       NotAcceptable,
	http.StatusConflict:            Conflict,
	http.StatusUnprocessableEntity: Unprocessable,
	http.StatusTooManyRequests:     TooManyRequests,
	http.StatusInternalServerError: InternalServerError,
	http.StatusBadGateway:          BadGateway,
	http.StatusServiceUnavailable:  ServiceUnavailable,
	http.StatusGatewayTimeout:      GatewayTimeout,
}

// Error implements error.
func (k Kind) Error() string {
	if name, ok := kindNames[k]; ok {
		return "gitlab: " + name
	}
	return fmt.Sprintf("gitlab: kind(%d)", int(k))
}

// Transient reports whether the gateway retries this class of failure.
func (k Kind) Transient() bool {
	switch k {
	case Timeout, Conflict, TooManyRequests, InternalServerError, BadGateway, ServiceUnavailable:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status (>= 300) to its failure class.
func KindForStatus(status int) Kind {
	if kind, ok := statusKinds[status]; ok {
		return kind
	}
	if status >= http.StatusInternalServerError {
		return InternalServerError
	}
	return UnexpectedError
}

// APIError is returned for every failed platform call.
type APIError struct {
	Kind       Kind
	StatusCode int
	// Message is the "message" (or "error") field of the body, or the raw
	// body when it is not JSON.
	Message string
	Body    []byte
	Method  string
	Path    string
	err     error
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	return &APIError{
		Kind:       KindForStatus(status),
		StatusCode: status,
		Message:    parseErrorMessage(status, body),
		Body:       body,
		Method:     method,
		Path:       path,
	}
}

func newTimeoutError(method, path string, err error) *APIError {
	return &APIError{
		Kind:    Timeout,
		Message: err.Error(),
		Method:  method,
		Path:    path,
		err:     err,
	}
}

// Error implements error.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v: %s", e.Method, e.Path, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %v (%d): %s", e.Method, e.Path, e.Kind, e.StatusCode, e.Message)
}

// Is matches the error against its Kind.
func (e *APIError) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// Unwrap returns the transport error behind a timeout.
func (e *APIError) Unwrap() error {
	return e.err
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func parseErrorMessage(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return http.StatusText(status)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return trimmed
	}

	for _, key := range []string{"message", "error"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text
		}
		return string(raw)
	}

	return trimmed
}
