package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

type createRequest struct {
	Type        string          `json:"type"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	Version     int             `json:"version,omitempty"`
	JSONBody    json.RawMessage `json:"jsonBody"`
}

type createResponse struct {
	Artifact *artifact.Artifact `json:"artifact"`
	JWS      string             `json:"jws"`
	KeyID    string             `json:"kid"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.JSONBody) == 0 {
		WriteBadRequest(w, r, "jsonBody is required")
		return
	}
	var opts []artifact.Option
	if req.Version != 0 {
		opts = append(opts, artifact.WithVersion(req.Version))
	}

	a, token, err := s.notary.CreateAndSign(r.Context(), req.Type, req.WorkspaceID, req.JSONBody, opts...)
	if err != nil {
		WriteOperationError(w, r, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, createResponse{Artifact: a, JWS: token, KeyID: s.notary.SignerKeyID()})
}

type recordResponse struct {
	Artifact json.RawMessage `json:"artifact"`
	JWS      string          `json:"jws,omitempty"`
	KeyID    string          `json:"kid,omitempty"`
	Hash     string          `json:"hash"`
	StoredAt time.Time       `json:"storedAt"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactIDParam(w, r)
	if !ok {
		return
	}
	rec, err := s.notary.Get(r.Context(), id)
	if err != nil {
		WriteOperationError(w, r, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, recordResponse{
		Artifact: rec.Artifact,
		JWS:      rec.Token,
		KeyID:    rec.KeyID,
		Hash:     rec.Hash,
		StoredAt: rec.StoredAt,
	})
}

type verifyRequest struct {
	JWS string `json:"jws"`
	// Artifact, when present, must equal the artifact inside the token.
	Artifact json.RawMessage `json:"artifact,omitempty"`
}

type verifyResponse struct {
	Valid    bool               `json:"valid"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	KeyID    string             `json:"kid,omitempty"`
	IssuedAt *time.Time         `json:"issuedAt,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     string             `json:"kind,omitempty"`
}

// Verification failures are a 200 with valid=false; only malformed requests
// are errors.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JWS == "" {
		WriteBadRequest(w, r, "jws is required")
		return
	}
	var claimed *artifact.Artifact
	if len(req.Artifact) > 0 && string(req.Artifact) != "null" {
		var err error
		if claimed, err = artifact.Parse(req.Artifact); err != nil {
			WriteBadRequest(w, r, "invalid artifact: "+err.Error())
			return
		}
	}

	res, err := s.notary.Verify(r.Context(), req.JWS)
	if err != nil {
		respondJSON(w, http.StatusOK, verifyResponse{Error: err.Error(), Kind: fedmcperr.Kind(err)})
		return
	}
	if claimed != nil && !claimed.Equal(res.Artifact) {
		respondJSON(w, http.StatusOK, verifyResponse{
			Error: "supplied artifact does not match the signed artifact",
			Kind:  "ArtifactMismatch",
		})
		return
	}

	out := verifyResponse{Valid: true, Artifact: res.Artifact, KeyID: res.KeyID}
	if res.Claims != nil && res.Claims.IssuedAt != nil {
		iat := res.Claims.IssuedAt.Time.UTC()
		out.IssuedAt = &iat
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		WriteError(w, r, http.StatusNotImplemented, "Not Implemented", "audit sink is not queryable")
		return
	}
	id, ok := artifactIDParam(w, r)
	if !ok {
		return
	}
	events, err := s.audit.Query(r.Context(), audit.Filter{ArtifactID: id})
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	set, err := s.notary.Keys()
	if err != nil {
		WriteOperationError(w, r, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, set)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func artifactIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "artifactID"))
	if err != nil {
		WriteBadRequest(w, r, "invalid artifact id")
		return uuid.Nil, false
	}
	return id, true
}
