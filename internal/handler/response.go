package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON / writeError so the API has one
// error shape:
//
//	{"error": "Missing vulnerability description"}
//	{"error": "Script execution timeout", "vulnerable": false, "scan_id": "..."}
//
// "vulnerable" is present whenever a validation ran far enough to have a
// scan; a client must never read a missing field as "vulnerable".

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/vulnproof/internal/apperror"
)

// ErrorResponse is the error format returned by all API endpoints.
type ErrorResponse struct {
	Error      string `json:"error"`
	Vulnerable *bool  `json:"vulnerable,omitempty"`
	ScanID     string `json:"scan_id,omitempty"`
}

var notVulnerable = false

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set before the body; once Encode writes, later
// header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// The headers are already sent, so we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to an HTTP status.
//
// Only InvalidRequest surfaces as a 4xx. Anything else is a 500 whose body
// carries the AppError message and never the wrapped cause, which may hold
// file paths, vault URLs or library internals.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError

	if errors.Is(err, apperror.ErrValidation) && errors.As(err, &appErr) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: appErr.Message})
		return
	}

	msg := "An internal error occurred"
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:      msg,
		Vulnerable: &notVulnerable,
	})
}
