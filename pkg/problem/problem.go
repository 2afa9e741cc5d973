// Package problem writes HTTP error responses following RFC 7807 (Problem
// Details for HTTP APIs). Every response carries the stable fault kind when
// the failure maps to one, plus a correlation id for the incident log. Both
// the query surface and the replication transport answer errors through it.
package problem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/credmesh/credmesh/pkg/fault"
)

// Detail implements RFC 7807. All API error responses use this format.
type Detail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// ErrorKind is the stable fault kind, when the failure maps to one.
	ErrorKind string `json:"error,omitempty"`
	// CorrelationID links the response to the incident log.
	CorrelationID string `json:"correlation_id"`
}

// Error implements the error interface.
func (p *Detail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	write(w, &Detail{
		Type:          fmt.Sprintf("https://credmesh.dev/errors/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		CorrelationID: uuid.NewString(),
	})
}

// WriteFault translates a fault kind to an HTTP status and writes the
// problem. Unknown errors become 500 without leaking the cause.
func WriteFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindInputInvalid:
		status = http.StatusBadRequest
	case fault.KindAuthorityDeny, fault.KindPolicyViolation:
		status = http.StatusForbidden
	case fault.KindChainBreak:
		status = http.StatusConflict
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	case fault.KindTransportUnreachable:
		status = http.StatusBadGateway
	}
	detail := "An unexpected error occurred. Please try again later."
	if kind != "" {
		detail = err.Error()
	} else {
		slog.Error("internal server error", "error", err)
	}
	write(w, &Detail{
		Type:          fmt.Sprintf("https://credmesh.dev/errors/%d", status),
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		ErrorKind:     string(kind),
		CorrelationID: uuid.NewString(),
	})
}

func write(w http.ResponseWriter, p *Detail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
