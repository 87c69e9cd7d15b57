// Package client is a typed Go client for the notary HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fedmcp/fedmcp/pkg/api"
	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/crypto"
)

const maxResponseBytes = 4 << 20

// Client talks to a notary server. It is safe for concurrent use.
type Client struct {
	BaseURL    string
	Actor      string
	SessionID  string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithActor sets the identity recorded in the server's audit events.
func WithActor(actor string) Option {
	return func(c *Client) { c.Actor = actor }
}

func WithSessionID(id string) Option {
	return func(c *Client) { c.SessionID = id }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type CreateRequest struct {
	Type        string          `json:"type"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	Version     int             `json:"version,omitempty"`
	JSONBody    json.RawMessage `json:"jsonBody"`
}

// Signed is an artifact together with its compact JWS.
type Signed struct {
	Artifact *artifact.Artifact `json:"artifact"`
	JWS      string             `json:"jws"`
	KeyID    string             `json:"kid"`
}

// Record is a stored artifact as returned by Get.
type Record struct {
	Artifact *artifact.Artifact `json:"artifact"`
	JWS      string             `json:"jws,omitempty"`
	KeyID    string             `json:"kid,omitempty"`
	Hash     string             `json:"hash"`
	StoredAt time.Time          `json:"storedAt"`
}

// Verification is the server's verdict on a token. Invalid tokens are not
// errors: Valid is false and Kind names the failure.
type Verification struct {
	Valid    bool               `json:"valid"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	KeyID    string             `json:"kid,omitempty"`
	IssuedAt *time.Time         `json:"issuedAt,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     string             `json:"kind,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Actor != "" {
		req.Header.Set(api.HeaderActor, c.Actor)
	}
	if c.SessionID != "" {
		req.Header.Set(api.HeaderSession, c.SessionID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var p api.ProblemDetail
		if json.Unmarshal(data, &p) == nil && p.Title != "" {
			return &p
		}
		return &api.ProblemDetail{
			Title:  http.StatusText(resp.StatusCode),
			Status: resp.StatusCode,
			Detail: fmt.Sprintf("%s %s", method, path),
		}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// Create calls POST /v1/artifacts, which validates, signs and stores.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Signed, error) {
	var out Signed
	if err := c.do(ctx, http.MethodPost, "/v1/artifacts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get calls GET /v1/artifacts/{id}.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify calls POST /v1/artifacts/verify. When expected is non-nil the
// server also checks that the token carries exactly that artifact.
func (c *Client) Verify(ctx context.Context, token string, expected *artifact.Artifact) (*Verification, error) {
	req := map[string]interface{}{"jws": token}
	if expected != nil {
		req["artifact"] = expected
	}
	var out Verification
	if err := c.do(ctx, http.MethodPost, "/v1/artifacts/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditTrail calls GET /v1/audit/artifacts/{id}.
func (c *Client) AuditTrail(ctx context.Context, id uuid.UUID) ([]audit.Event, error) {
	var out struct {
		Events []audit.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/audit/artifacts/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Keys calls GET /v1/keys.
func (c *Client) Keys(ctx context.Context) (*crypto.JWKSet, error) {
	var out crypto.JWKSet
	if err := c.do(ctx, http.MethodGet, "/v1/keys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}
