package schema_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/schema"
)

func mustArtifact(t *testing.T, typ string, body interface{}) *artifact.Artifact {
	t.Helper()
	a, err := artifact.New(typ, uuid.New(), body)
	require.NoError(t, err)
	return a
}

func TestBuiltinRegistry(t *testing.T) {
	r, err := schema.NewBuiltinRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent_recipe", "tool_invocation"}, r.Types())

	tests := []struct {
		name string
		typ  string
		body interface{}
		ok   bool
	}{
		{"recipe", "agent_recipe", map[string]interface{}{"name": "triage", "tools": []string{"search"}}, true},
		{"recipe without name", "agent_recipe", map[string]interface{}{"tools": []string{}}, false},
		{"recipe duplicate tools", "agent_recipe", map[string]interface{}{"name": "x", "tools": []string{"a", "a"}}, false},
		{"recipe as array", "agent_recipe", []string{"x"}, false},
		{"invocation", "tool_invocation", map[string]interface{}{"tool": "grep", "arguments": map[string]string{}, "durationMs": 12}, true},
		{"invocation fractional duration", "tool_invocation", map[string]interface{}{"tool": "grep", "arguments": map[string]string{}, "durationMs": 1.5}, false},
		{"invocation bad status", "tool_invocation", map[string]interface{}{"tool": "grep", "arguments": map[string]string{}, "status": "done"}, false},
		{"unschematized type", "rag_query", "anything goes", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(mustArtifact(t, tt.typ, tt.body))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, fedmcperr.ErrValidation)
		})
	}
}

func TestRegister(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register("ssp_fragment", `{"type":"object","required":["control"]}`))

	assert.NoError(t, r.Validate(mustArtifact(t, "ssp_fragment", map[string]string{"control": "AC-2"})))
	assert.Error(t, r.Validate(mustArtifact(t, "ssp_fragment", map[string]string{})))

	assert.Error(t, r.Register("", `{}`))
	assert.Error(t, r.Register("bad", `{"type": 7}`))
	assert.Error(t, r.Register("bad", `not json`))
}
