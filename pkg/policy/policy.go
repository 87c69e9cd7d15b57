// Package policy admits or rejects artifacts with CEL rules before they are
// signed.
//
// Each rule is a boolean CEL expression over the variable `artifact`, a map
// with keys id, type, version, workspaceId, createdAt and body. A rule that
// evaluates to false, or fails to evaluate, denies the artifact.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

// ErrDenied is a validation failure raised by a rule.
var ErrDenied = fmt.Errorf("%w: policy denied", fedmcperr.ErrValidation)

// Rule is one named admission expression.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Engine evaluates a fixed rule set. Rules are compiled once in New.
type Engine struct {
	rules []compiledRule
}

// DefaultRules are applied when a deployment configures none.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "type-format",
			Expr:    `artifact.type.matches("^[a-z][a-z0-9_]*$")`,
			Message: "artifact type must be lower snake case",
		},
	}
}

// New compiles rules against the artifact environment.
func New(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifact", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s: compile: %w", r.Name, issues.Err())
		}
		// Dyn results (e.g. body fields) are checked at evaluation time.
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("policy %s: expression must be boolean, got %s", r.Name, out)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000), // Hard limit on computational complexity
		)
		if err != nil {
			return nil, fmt.Errorf("policy %s: program: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: r, prg: prg})
	}
	return e, nil
}

// Rules returns the configured rules.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// Input builds the CEL activation for a.
func Input(a *artifact.Artifact) (map[string]any, error) {
	var body any
	if err := json.Unmarshal(a.BodyJSON(), &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return map[string]any{
		"artifact": map[string]any{
			"id":          a.ID().String(),
			"type":        a.Type(),
			"version":     int64(a.Version()),
			"workspaceId": a.WorkspaceID().String(),
			"createdAt":   a.CreatedAt(),
			"body":        body,
		},
	}, nil
}

// Admit returns nil if every rule allows a, otherwise an error wrapping
// ErrDenied that names the first failing rule.
func (e *Engine) Admit(ctx context.Context, a *artifact.Artifact) error {
	if a == nil {
		return fmt.Errorf("%w: nil artifact", ErrDenied)
	}
	input, err := Input(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}

	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			// Fail closed.
			return fmt.Errorf("%w: rule %s: %v", ErrDenied, r.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("%w: rule %s returned %T", ErrDenied, r.Name, out.Value())
		}
		if !allowed {
			msg := r.Message
			if msg == "" {
				msg = r.Expr
			}
			return &DenialError{Rule: r.Name, Message: msg}
		}
	}
	return nil
}

// DenialError reports the rule that rejected an artifact.
type DenialError struct {
	Rule    string
	Message string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("policy denied by %s: %s", e.Rule, e.Message)
}

func (e *DenialError) Is(target error) bool {
	return target == ErrDenied || errors.Is(ErrDenied, target)
}
