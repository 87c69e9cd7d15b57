package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleCoreIsClean(t *testing.T) {
	violations, err := Check(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckReportsViolations(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "verifier")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, pkg := range corePackages {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", pkg), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.go"), []byte(`package verifier

import (
	"log/slog"
	"net/http/httptest"
	"strings"

	"github.com/fedmcp/fedmcp/pkg/store"
)
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_test.go"), []byte(`package verifier

import "net/http"
`), 0o600))

	violations, err := Check(root)
	require.NoError(t, err)
	require.Len(t, violations, 3)
	assert.Equal(t, "log/slog", violations[0].Import)
	assert.Equal(t, 4, violations[0].Line)
	assert.Equal(t, "net/http/httptest", violations[1].Import)
	assert.Equal(t, "github.com/fedmcp/fedmcp/pkg/store", violations[2].Import)
	assert.Equal(t, filepath.Join("pkg", "verifier", "bad.go"), violations[0].File)
}

func TestIsForbidden(t *testing.T) {
	assert.True(t, isForbidden("net/http"))
	assert.True(t, isForbidden("github.com/fedmcp/fedmcp/pkg/audit"))
	assert.True(t, isForbidden("github.com/fedmcp/fedmcp/cmd/fedmcp"))
	assert.False(t, isForbidden("net/httpx"))
	assert.False(t, isForbidden("github.com/fedmcp/fedmcp/pkg/auditing"))
	assert.False(t, isForbidden("crypto/ecdsa"))
}
