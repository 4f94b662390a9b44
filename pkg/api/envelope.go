// Package api is the HTTP surface of the restore control service. Every
// error response uses the flat envelope {error, message, reason_code?,
// dependency?}; reason codes produced by the services pass through
// unchanged.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// WriteJSON writes v as the JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response body", "error", err)
	}
}

// WriteFault writes a service fault as the error envelope, preserving its
// status, reason code and dependency marker.
func WriteFault(w http.ResponseWriter, f *contracts.Fault) {
	if f == nil {
		f = contracts.Internal("missing fault")
	}
	body := f
	if body.ReasonCode == contracts.ReasonNone {
		clone := *f
		clone.ReasonCode = ""
		body = &clone
	}
	WriteJSON(w, f.StatusCode, body)
}

// WriteUnauthorized writes a 401 envelope.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteJSON(w, http.StatusUnauthorized, &contracts.Fault{
		StatusCode: http.StatusUnauthorized,
		Code:       "unauthorized",
		Message:    message,
	})
}

// WriteBadRequest writes a 400 envelope.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteFault(w, contracts.InvalidRequest("%s", message))
}

// WriteMethodNotAllowed writes a 405 envelope.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteJSON(w, http.StatusMethodNotAllowed, &contracts.Fault{
		StatusCode: http.StatusMethodNotAllowed,
		Code:       "method_not_allowed",
		Message:    "method not supported on this endpoint",
	})
}

// WriteTooManyRequests writes a 429 envelope with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteJSON(w, http.StatusTooManyRequests, &contracts.Fault{
		StatusCode: http.StatusTooManyRequests,
		Code:       "too_many_requests",
		Message:    "rate limit exceeded, retry after the indicated interval",
	})
}

// WriteInternal logs err and writes a generic 500 envelope. The error text
// never reaches the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteFault(w, contracts.Internal("unexpected error"))
}
