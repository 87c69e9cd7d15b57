package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/fedmcp/pkg/api"
	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/crypto"
	"github.com/fedmcp/fedmcp/pkg/notary"
	"github.com/fedmcp/fedmcp/pkg/policy"
	"github.com/fedmcp/fedmcp/pkg/store"
	"github.com/fedmcp/fedmcp/pkg/verifier"
)

// cliEnv isolates a test from ambient configuration and returns a scratch dir.
func cliEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{
		"FEDMCP_CONFIG", "FEDMCP_WORKSPACE", "LOG_LEVEL", "LOG_FORMAT", "FEDMCP_SIGNER_MODE",
		"FEDMCP_KMS_KEY_REF", "FEDMCP_KMS_KEYSTORE", "FEDMCP_AUDIT_DSN", "FEDMCP_AUDIT_PATH",
		"FEDMCP_STORE_TYPE", "FEDMCP_TELEMETRY_ENABLED", "FEDMCP_SERVER",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("FEDMCP_SIGNER_KEY_FILE", filepath.Join(dir, "signing.pem"))
	t.Setenv("FEDMCP_AUDIT_SINK", "stdout")
	return dir
}

func run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestKeygenCreateSignVerify(t *testing.T) {
	dir := cliEnv(t)
	ws := uuid.NewString()

	out, stderr, code := run(t, "keygen")
	require.Equal(t, 0, code, stderr)
	var key keyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	assert.Len(t, key.KeyID, 16)
	info, err := os.Stat(filepath.Join(dir, "signing.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, _, code = run(t, "keygen")
	assert.Equal(t, 1, code, "keygen must not overwrite without --force")

	body := writeFile(t, dir, "body.json", `{"query":"controls for AC-2","topK":5}`)
	out, stderr, code = run(t, "create", body, "--type", "rag_query", "--workspace", ws)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "AUDIT: ")
	artifactFile := writeFile(t, dir, "artifact.json", out)

	out, stderr, code = run(t, "sign", artifactFile, "--workspace", ws)
	require.Equal(t, 0, code, stderr)
	var signed signedOutput
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	assert.Equal(t, key.KeyID, signed.KeyID)

	out, stderr, code = run(t, "verify", signed.JWS)
	require.Equal(t, 0, code, stderr)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, true, v["valid"])

	tokenFile := writeFile(t, dir, "token.jws", signed.JWS+"\n")
	_, stderr, code = run(t, "verify", tokenFile)
	assert.Equal(t, 0, code, stderr)

	segs := strings.Split(signed.JWS, ".")
	forged := segs[0] + "." + segs[1] + "." + segs[0]
	out, _, code = run(t, "verify", forged)
	assert.Equal(t, 1, code)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, false, v["valid"])
	assert.Equal(t, "InvalidSignature", v["kind"])
}

func TestCreateSign_OneStep(t *testing.T) {
	dir := cliEnv(t)
	_, _, code := run(t, "keygen")
	require.Equal(t, 0, code)

	body := writeFile(t, dir, "recipe.json", `{"name":"triage","tools":["search"]}`)
	out, stderr, code := run(t, "create", body, "-t", "agent_recipe", "--sign", "--workspace", uuid.NewString())
	require.Equal(t, 0, code, stderr)
	var signed signedOutput
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	require.NotNil(t, signed.Artifact)
	assert.Equal(t, "agent_recipe", signed.Artifact.Type())
	assert.NotEmpty(t, signed.JWS)
}

func TestCreate_Errors(t *testing.T) {
	dir := cliEnv(t)
	body := writeFile(t, dir, "body.json", `{"name":"x"}`)

	_, stderr, code := run(t, "create", body, "--type", "rag_query")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--workspace is required")

	_, _, code = run(t, "create", body, "--type", "rag_query", "--workspace", "nope")
	assert.Equal(t, 1, code)

	bad := writeFile(t, dir, "bad.json", `{not json`)
	_, _, code = run(t, "create", bad, "--type", "rag_query", "--workspace", uuid.NewString())
	assert.Equal(t, 1, code)

	_, stderr, code = run(t, "create", body, "--type", "rag_query", "--sign", "--workspace", uuid.NewString())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "fedmcp keygen")

	// Schema: agent_recipe requires a string name.
	recipe := writeFile(t, dir, "recipe.json", `{"name":7}`)
	_, _, code = run(t, "create", recipe, "--type", "agent_recipe", "--workspace", uuid.NewString())
	assert.Equal(t, 1, code)
}

func TestVerify_ForeignKeyWithJWK(t *testing.T) {
	dir := cliEnv(t)

	other, err := crypto.NewLocalSigner()
	require.NoError(t, err)
	pemBytes, err := other.PrivateKeyPEM()
	require.NoError(t, err)
	otherKey := writeFile(t, dir, "other.pem", string(pemBytes))

	body := writeFile(t, dir, "body.json", `"hello"`)
	out, stderr, code := run(t, "create", body, "-t", "llm_completion", "--sign", "--key", otherKey, "--workspace", uuid.NewString())
	require.Equal(t, 0, code, stderr)
	var signed signedOutput
	require.NoError(t, json.Unmarshal([]byte(out), &signed))

	out, _, code = run(t, "verify", signed.JWS)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "UnknownKey")

	jwkOut, stderr, code := run(t, "export-key", "--key", otherKey, "--set")
	require.Equal(t, 0, code, stderr)
	jwkFile := writeFile(t, dir, "other.jwks", jwkOut)

	_, stderr, code = run(t, "verify", signed.JWS, "--jwk", jwkFile)
	assert.Equal(t, 0, code, stderr)
}

func TestKeygen_FileKMS(t *testing.T) {
	dir := cliEnv(t)
	t.Setenv("FEDMCP_SIGNER_MODE", "file-kms")
	t.Setenv("FEDMCP_KMS_KEY_REF", "notary")
	t.Setenv("FEDMCP_KMS_KEYSTORE", filepath.Join(dir, "keystore.json"))

	out, stderr, code := run(t, "keygen")
	require.Equal(t, 0, code, stderr)
	var first keyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &first))

	_, _, code = run(t, "keygen")
	assert.Equal(t, 1, code)

	out, stderr, code = run(t, "keygen", "--force")
	require.Equal(t, 0, code, stderr)
	var rotated keyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rotated))
	assert.NotEqual(t, first.KeyID, rotated.KeyID)

	body := writeFile(t, dir, "body.json", `{"tool":"grep","arguments":{}}`)
	out, stderr, code = run(t, "create", body, "-t", "tool_invocation", "--sign", "--workspace", uuid.NewString())
	require.Equal(t, 0, code, stderr)
	var signed signedOutput
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	assert.Equal(t, rotated.KeyID, signed.KeyID)

	_, stderr, code = run(t, "verify", signed.JWS)
	assert.Equal(t, 0, code, stderr)
}

func TestAuditExport_SQLite(t *testing.T) {
	dir := cliEnv(t)
	ws := uuid.NewString()
	t.Setenv("FEDMCP_AUDIT_SINK", "sqlite")
	t.Setenv("FEDMCP_AUDIT_DSN", filepath.Join(dir, "audit.db"))

	_, _, code := run(t, "keygen")
	require.Equal(t, 0, code)
	body := writeFile(t, dir, "body.json", `{"q":1}`)
	_, stderr, code := run(t, "create", body, "-t", "rag_query", "--sign", "--workspace", ws)
	require.Equal(t, 0, code, stderr)

	pack := filepath.Join(dir, "pack.zip")
	out, stderr, code := run(t, "audit", "export", "--workspace", ws, "--out", pack)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "sha256")

	zr, err := zip.OpenReader(pack)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "events.json")
	assert.Contains(t, names, "manifest.json")
}

func TestAuditExport_RequiresQueryableSink(t *testing.T) {
	cliEnv(t)
	_, stderr, code := run(t, "audit", "export", "--workspace", uuid.NewString())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "cannot be queried")
}

func TestPush(t *testing.T) {
	dir := cliEnv(t)

	signer, err := crypto.NewLocalSigner()
	require.NoError(t, err)
	engine, err := policy.New(policy.DefaultRules())
	require.NoError(t, err)
	sink := audit.NewMemorySink()
	n, err := notary.New(sink,
		notary.WithSigner(signer),
		notary.WithPolicy(engine),
		notary.WithVerifier(verifier.New()),
		notary.WithStore(store.NewMemoryStore()),
	)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(n).Routes())
	defer srv.Close()

	t.Setenv("USER", "pusher")
	body := writeFile(t, dir, "body.json", `{"control":"AC-2"}`)
	out, stderr, code := run(t, "push", body, "-t", "ssp_fragment", "--server", srv.URL, "--workspace", uuid.NewString())
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, signer.KeyID())

	events := sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "pusher", events[0].Actor)

	_, stderr, code = run(t, "push", body, "-t", "Bad Type", "--server", srv.URL, "--workspace", uuid.NewString())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unprocessable Entity")
}

func TestUnknownCommand(t *testing.T) {
	cliEnv(t)
	_, stderr, code := run(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown command")
}
