package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/policy"
)

func mustArtifact(t *testing.T, typ string, body interface{}, opts ...artifact.Option) *artifact.Artifact {
	t.Helper()
	a, err := artifact.New(typ, uuid.New(), body, opts...)
	require.NoError(t, err)
	return a
}

func TestEngine_Admit(t *testing.T) {
	engine, err := policy.New([]policy.Rule{
		{Name: "known-types", Expr: `artifact.type in ["agent_recipe", "tool_invocation"]`, Message: "type not allowed"},
		{Name: "version-cap", Expr: `artifact.version <= 10`},
		{Name: "recipe-named", Expr: `artifact.type != "agent_recipe" || has(artifact.body.name)`},
	})
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, engine.Admit(ctx, mustArtifact(t, "agent_recipe", map[string]string{"name": "x"})))
	assert.NoError(t, engine.Admit(ctx, mustArtifact(t, "tool_invocation", []int{1, 2})))

	err = engine.Admit(ctx, mustArtifact(t, "rag_query", map[string]string{}))
	require.Error(t, err)
	var denial *policy.DenialError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, "known-types", denial.Rule)
	assert.Equal(t, "type not allowed", denial.Message)
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.ErrorIs(t, err, fedmcperr.ErrValidation)
	assert.Equal(t, "ValidationError", fedmcperr.Kind(err))

	err = engine.Admit(ctx, mustArtifact(t, "agent_recipe", map[string]string{"name": "x"}, artifact.WithVersion(11)))
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, "version-cap", denial.Rule)

	err = engine.Admit(ctx, mustArtifact(t, "agent_recipe", map[string]string{"title": "x"}))
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, "recipe-named", denial.Rule)
}

func TestEngine_FailsClosedOnEvalError(t *testing.T) {
	engine, err := policy.New([]policy.Rule{{Name: "needs-owner", Expr: `artifact.body.owner == "ops"`}})
	require.NoError(t, err)

	// Missing key is an evaluation error, not an allow.
	err = engine.Admit(context.Background(), mustArtifact(t, "agent_recipe", map[string]string{}))
	assert.ErrorIs(t, err, policy.ErrDenied)

	// Scalar body has no fields.
	err = engine.Admit(context.Background(), mustArtifact(t, "agent_recipe", "text"))
	assert.ErrorIs(t, err, policy.ErrDenied)
}

func TestNew_RejectsBadRules(t *testing.T) {
	_, err := policy.New([]policy.Rule{{Expr: `artifact.type ==`}})
	assert.Error(t, err)

	_, err = policy.New([]policy.Rule{{Expr: `artifact.version + 1 > 0 ? "yes" : "no"`}})
	assert.Error(t, err)

	_, err = policy.New([]policy.Rule{{Expr: `unknown_var == 1`}})
	assert.Error(t, err)
}

func TestDefaultRules(t *testing.T) {
	engine, err := policy.New(policy.DefaultRules())
	require.NoError(t, err)
	require.Len(t, engine.Rules(), 1)

	assert.NoError(t, engine.Admit(context.Background(), mustArtifact(t, "ssp_fragment", map[string]int{})))
	assert.ErrorIs(t, engine.Admit(context.Background(), mustArtifact(t, "SSP Fragment", map[string]int{})), policy.ErrDenied)
}

func TestInput(t *testing.T) {
	a := mustArtifact(t, "agent_recipe", map[string]interface{}{"steps": []int{1, 2}}, artifact.WithVersion(3))
	in, err := policy.Input(a)
	require.NoError(t, err)
	m := in["artifact"].(map[string]any)
	assert.Equal(t, int64(3), m["version"])
	assert.Equal(t, a.ID().String(), m["id"])
	assert.Equal(t, a.WorkspaceID().String(), m["workspaceId"])
	assert.Equal(t, []any{float64(1), float64(2)}, m["body"].(map[string]any)["steps"])
}
