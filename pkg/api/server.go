// Package api serves the notary over HTTP.
//
//	POST /v1/artifacts                    create, sign and store
//	GET  /v1/artifacts/{id}               fetch a stored record
//	POST /v1/artifacts/verify             verify a token
//	GET  /v1/audit/artifacts/{id}         audit trail, when the sink is queryable
//	GET  /v1/keys                         trusted keys as a JWK set
//	GET  /healthz
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/notary"
)

// Request headers naming the caller for the audit trail.
const (
	HeaderActor   = "X-FedMCP-Actor"
	HeaderSession = "X-Session-ID"
)

const (
	envelopeBytes = 64 << 10
	// maxTokenBytes bounds a token carrying a maximal body: the embedded
	// artifact string at most doubles under JSON string escaping, then
	// grows by 4/3 under base64url.
	maxTokenBytes = 4*(2*artifact.MaxBodySize+envelopeBytes)/3 + envelopeBytes
	// maxRequestBytes admits a verify request with a maximal token and a
	// maximal artifact encoded by a client that HTML-escapes (6 bytes per
	// escaped byte).
	maxRequestBytes = maxTokenBytes + 6*artifact.MaxBodySize + envelopeBytes
)

// Server holds the HTTP handlers.
type Server struct {
	notary  *notary.Notary
	audit   audit.Querier
	limiter *RateLimiter
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Server)

// WithAuditQuerier enables the audit trail endpoint.
func WithAuditQuerier(q audit.Querier) Option { return func(s *Server) { s.audit = q } }

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(rl *RateLimiter) Option { return func(s *Server) { s.limiter = rl } }

// WithTimeout bounds each request; the default is 60s.
func WithTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func NewServer(n *notary.Notary, opts ...Option) *Server {
	s := &Server{
		notary:  n,
		timeout: 60 * time.Second,
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.Use(withCaller)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/artifacts", s.handleCreate)
		r.Post("/artifacts/verify", s.handleVerify)
		r.Get("/artifacts/{artifactID}", s.handleGet)
		r.Get("/audit/artifacts/{artifactID}", s.handleAuditTrail)
		r.Get("/keys", s.handleKeys)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})
	return r
}

func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(HeaderActor))
		if actor == "" {
			actor = "anonymous"
		}
		ctx := notary.WithCaller(r.Context(), notary.Caller{
			Actor:     actor,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			SessionID: r.Header.Get(HeaderSession),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object, writing the problem response itself
// on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
			return false
		}
		WriteBadRequest(w, r, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
