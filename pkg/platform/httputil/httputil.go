// Package httputil holds the JSON response and request helpers shared by HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"nullifier/pkg/platform/sentinel"
)

// maxBodyBytes bounds request bodies decoded by DecodeJSON.
const maxBodyBytes = 1 << 20

// Code is the machine-readable error code written in the "error" field.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal_error"
)

var codeStatus = map[Code]int{
	CodeBadRequest:   http.StatusBadRequest,
	CodeUnauthorized: http.StatusUnauthorized,
	CodeForbidden:    http.StatusForbidden,
	CodeNotFound:     http.StatusNotFound,
	CodeConflict:     http.StatusConflict,
	CodeUnavailable:  http.StatusServiceUnavailable,
	CodeInternal:     http.StatusInternalServerError,
}

// Error is an HTTP-facing error with an explicit code.
type Error struct {
	Code    Code
	Message string
	// Status overrides the status registered for Code when non-zero.
	Status int
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates an HTTP-facing error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewWithStatus creates an HTTP-facing error for a code outside the built-in set.
func NewWithStatus(status int, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status and code. Internal errors never leak their message.
func WriteError(w http.ResponseWriter, err error) {
	e := classify(err)
	body := errorBody{Error: string(e.Code)}
	if e.Code != CodeInternal {
		body.ErrorDescription = e.Message
	}
	status := e.Status
	if status == 0 {
		status = StatusFor(e.Code)
	}
	WriteJSON(w, status, body)
}

// StatusFor returns the HTTP status for a code.
func StatusFor(code Code) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func classify(err error) *Error {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		return httpErr
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return New(CodeNotFound, err.Error())
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrNotInitialized):
		return New(CodeConflict, err.Error())
	case errors.Is(err, sentinel.ErrUnavailable):
		return New(CodeUnavailable, err.Error())
	}
	return New(CodeInternal, err.Error())
}

// DecodeJSON decodes the request body into T. On failure it writes a 400 and returns false.
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (T, bool) {
	var req T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if logger != nil {
			logger.WarnContext(r.Context(), "failed to decode request", "path", r.URL.Path, "error", err)
		}
		WriteError(w, New(CodeBadRequest, "invalid JSON body"))
		return req, false
	}
	return req, true
}
