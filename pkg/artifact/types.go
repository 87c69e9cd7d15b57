package artifact

import "sort"

// Recognized artifact kinds. The set is open: any non-empty type string is
// accepted, these constants only name the kinds FedMCP ships schemas for.
const (
	TypeSSPFragment    = "ssp_fragment"
	TypePOAMTemplate   = "poam_template"
	TypeAgentRecipe    = "agent_recipe"
	TypeBaselineModule = "baseline_module"
	TypeAuditScript    = "audit_script"

	// Healthcare extensions.
	TypeRAGQuery       = "rag_query"
	TypeLLMCompletion  = "llm_completion"
	TypeToolInvocation = "tool_invocation"
)

var knownTypes = map[string]struct{}{
	TypeSSPFragment:    {},
	TypePOAMTemplate:   {},
	TypeAgentRecipe:    {},
	TypeBaselineModule: {},
	TypeAuditScript:    {},
	TypeRAGQuery:       {},
	TypeLLMCompletion:  {},
	TypeToolInvocation: {},
}

// IsKnownType reports whether t is one of the recognized constants.
func IsKnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// KnownTypes returns the recognized constants in sorted order.
func KnownTypes() []string {
	out := make([]string, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
