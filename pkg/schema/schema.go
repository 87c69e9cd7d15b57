// Package schema validates artifact bodies against per-type JSON Schemas.
//
// Types without a registered schema are accepted unchanged, so new artifact
// kinds work before anyone writes a schema for them.
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

//go:embed schemas/*.schema.json
var builtin embed.FS

const baseURL = "https://fedmcp.schemas.local/artifact/"

// Registry maps artifact types to compiled schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// NewBuiltinRegistry returns a registry with the bundled schemas
// (agent_recipe, tool_invocation).
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	entries, err := fs.ReadDir(builtin, "schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := builtin.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		typ := strings.TrimSuffix(e.Name(), ".schema.json")
		if err := r.Register(typ, string(data)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles a Draft 2020-12 schema for typ, replacing any previous one.
func (r *Registry) Register(typ, schema string) error {
	if typ == "" {
		return fmt.Errorf("schema: artifact type must not be empty")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := baseURL + typ + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema %s: load failed: %w", typ, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema %s: compile failed: %w", typ, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[typ] = compiled
	return nil
}

// Types lists the types with a schema, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks a's body against the schema for its type. Failures wrap
// fedmcperr.ErrValidation.
func (r *Registry) Validate(a *artifact.Artifact) error {
	r.mu.RLock()
	s, ok := r.schemas[a.Type()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.Validate(a.Body()); err != nil {
		return fmt.Errorf("%w: %s body: %v", fedmcperr.ErrValidation, a.Type(), err)
	}
	return nil
}
