package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/fedmcp/pkg/api"
	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/client"
	"github.com/fedmcp/fedmcp/pkg/crypto"
	"github.com/fedmcp/fedmcp/pkg/notary"
	"github.com/fedmcp/fedmcp/pkg/policy"
	"github.com/fedmcp/fedmcp/pkg/store"
	"github.com/fedmcp/fedmcp/pkg/verifier"
)

func newServer(t *testing.T, queryable bool) (*httptest.Server, *audit.MemorySink, *crypto.LocalSigner) {
	t.Helper()
	signer, err := crypto.NewLocalSigner()
	require.NoError(t, err)
	engine, err := policy.New(policy.DefaultRules())
	require.NoError(t, err)
	sink := audit.NewMemorySink()
	n, err := notary.New(sink,
		notary.WithSigner(signer),
		notary.WithVerifier(verifier.New()),
		notary.WithPolicy(engine),
		notary.WithStore(store.NewMemoryStore()),
	)
	require.NoError(t, err)
	_, err = n.TrustSigner(t.Context())
	require.NoError(t, err)

	var opts []api.Option
	if queryable {
		opts = append(opts, api.WithAuditQuerier(sink))
	}
	srv := httptest.NewServer(api.NewServer(n, opts...).Routes())
	t.Cleanup(srv.Close)
	return srv, sink, signer
}

func TestClientRoundTrip(t *testing.T) {
	srv, sink, signer := newServer(t, true)
	ctx := t.Context()
	c := client.New(srv.URL+"/", client.WithActor("alice"), client.WithSessionID("sess-1"), client.WithTimeout(5*time.Second))

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	ws := uuid.New()
	signed, err := c.Create(ctx, client.CreateRequest{
		Type:        "poam_template",
		WorkspaceID: ws,
		Version:     2,
		JSONBody:    json.RawMessage(`{"weakness":"stale accounts","milestones":[]}`),
	})
	require.NoError(t, err)
	require.NotNil(t, signed.Artifact)
	assert.Equal(t, signer.KeyID(), signed.KeyID)
	assert.Equal(t, 2, signed.Artifact.Version())
	assert.Equal(t, ws, signed.Artifact.WorkspaceID())

	rec, err := c.Get(ctx, signed.Artifact.ID())
	require.NoError(t, err)
	assert.True(t, rec.Artifact.Equal(signed.Artifact))
	assert.Equal(t, signed.JWS, rec.JWS)
	wantHash, err := signed.Artifact.Hash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, rec.Hash)

	v, err := c.Verify(ctx, signed.JWS, signed.Artifact)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, signer.KeyID(), v.KeyID)
	require.NotNil(t, v.IssuedAt)

	events, err := c.AuditTrail(ctx, signed.Artifact.ID())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, "alice", e.Actor)
		assert.Equal(t, "sess-1", e.SessionID)
	}
	assert.Len(t, sink.Events(), len(events))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys.Keys, 1)
	assert.Equal(t, signer.KeyID(), keys.Keys[0].Kid)
}

func TestClientVerifyRejections(t *testing.T) {
	srv, _, _ := newServer(t, false)
	ctx := t.Context()
	c := client.New(srv.URL)

	stranger, err := crypto.NewLocalSigner()
	require.NoError(t, err)
	a, err := artifact.New("rag_query", uuid.New(), map[string]interface{}{"query": "AC-2"})
	require.NoError(t, err)
	foreign, err := stranger.Sign(ctx, a)
	require.NoError(t, err)

	v, err := c.Verify(ctx, foreign, nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "UnknownKey", v.Kind)

	v, err = c.Verify(ctx, "not-a-token", nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "InvalidFormat", v.Kind)
}

func TestClientProblemErrors(t *testing.T) {
	srv, _, _ := newServer(t, false)
	ctx := t.Context()
	c := client.New(srv.URL)

	_, err := c.Get(ctx, uuid.New())
	var p *api.ProblemDetail
	require.ErrorAs(t, err, &p)
	assert.Equal(t, http.StatusNotFound, p.Status)

	_, err = c.Create(ctx, client.CreateRequest{
		Type:        "Not A Type",
		WorkspaceID: uuid.New(),
		JSONBody:    json.RawMessage(`{}`),
	})
	require.ErrorAs(t, err, &p)
	assert.Equal(t, http.StatusUnprocessableEntity, p.Status)
	assert.Equal(t, "ValidationError", p.Kind)

	_, err = c.AuditTrail(ctx, uuid.New())
	require.ErrorAs(t, err, &p)
	assert.Equal(t, http.StatusNotImplemented, p.Status)
}

func TestClientNonProblemError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).Health(t.Context())
	var p *api.ProblemDetail
	require.ErrorAs(t, err, &p)
	assert.Equal(t, http.StatusBadGateway, p.Status)
	assert.Equal(t, "Bad Gateway", p.Title)
}
