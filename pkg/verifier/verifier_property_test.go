package verifier

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fedmcp/fedmcp/pkg/artifact"
)

func TestVerifyProperty_RoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	s := newSigner(t)
	v := trusting(t, s)
	ctx := context.Background()

	properties.Property("verify(sign(a)) reproduces a", prop.ForAll(
		func(typ string, version int, tags []string, note string) bool {
			a, err := artifact.New(typ, uuid.New(),
				map[string]interface{}{"tags": tags, "note": note, "version": version},
				artifact.WithVersion(version))
			if err != nil {
				return false
			}
			token, err := s.Sign(ctx, a)
			if err != nil {
				return false
			}
			got, err := v.Verify(token)
			return err == nil && got.Equal(a)
		},
		gen.OneConstOf(artifact.TypeAgentRecipe, artifact.TypeRAGQuery, "custom_kind"),
		gen.IntRange(1, 1000),
		gen.SliceOf(gen.AlphaString()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
