package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/notary"
	"github.com/fedmcp/fedmcp/pkg/store"
)

// ProblemDetail is an RFC 7807 error body. Every error response uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the fedmcperr taxonomy name, when one applies.
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const problemTypeBase = "https://fedmcp.dev/errors/"

// WriteError writes a problem response for r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:      problemTypeBase + strconv.Itoa(status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged but never sent to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.ErrorContext(r.Context(), "internal server error",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteOperationError maps a notary failure onto a status code.
func WriteOperationError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, title := statusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, logger, err)
		return
	}
	writeProblem(w, &ProblemDetail{
		Type:      problemTypeBase + strconv.Itoa(status),
		Title:     title,
		Status:    status,
		Detail:    err.Error(),
		Instance:  r.URL.Path,
		Kind:      fedmcperr.Kind(err),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, fedmcperr.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge, "Payload Too Large"
	case errors.Is(err, fedmcperr.ErrValidation):
		return http.StatusUnprocessableEntity, "Unprocessable Entity"
	case errors.Is(err, fedmcperr.ErrSigningFailure), errors.Is(err, fedmcperr.ErrKeyFetch):
		return http.StatusBadGateway, "Bad Gateway"
	case errors.Is(err, notary.ErrNoSigner), errors.Is(err, notary.ErrNoStore), errors.Is(err, notary.ErrNoVerifier):
		return http.StatusNotImplemented, "Not Implemented"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
