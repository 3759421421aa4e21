// Package api exposes the resolution engine over HTTP.
//
// Errors are RFC 7807 problem documents. Every route except /health needs
// a bearer token whose subject is the caller's account address.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/flightcover/pkg/access"
	"github.com/Mindburn-Labs/flightcover/pkg/oracle"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
	"github.com/Mindburn-Labs/flightcover/pkg/settlement"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Field names the offending input for validation problems.
	Field string `json:"field,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, problem *ProblemDetail) {
	problem.Type = fmt.Sprintf("https://flightcover.dev/errors/%d", problem.Status)
	if r != nil {
		problem.Instance = r.URL.Path
	}
	problem.TraceID = w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes a problem document with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never sent to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps engine errors onto problem documents.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		authErr   *access.AuthorizationError
		callerErr *oracle.CallerError
		valErr    *policy.ValidationError
		extErr    *policy.ExternalCallError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &callerErr):
		WriteError(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.As(err, &valErr):
		writeProblem(w, r, &ProblemDetail{
			Title:  "Unprocessable Entity",
			Status: http.StatusUnprocessableEntity,
			Detail: valErr.Reason,
			Field:  valErr.Field,
		})
	case errors.Is(err, policy.ErrPolicyNotFound), errors.Is(err, policy.ErrUnknownCorrelationID):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, policy.ErrPolicyExists),
		errors.Is(err, policy.ErrDuplicateRequest),
		errors.Is(err, policy.ErrAlreadyResolved):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, settlement.ErrCapacityExceeded):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &extErr):
		slog.Warn("external call failed", "op", extErr.Op, "error", extErr.Err)
		WriteError(w, r, http.StatusBadGateway, "Bad Gateway", fmt.Sprintf("%s failed", extErr.Op))
	default:
		WriteInternal(w, r, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
