package flowrules

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {{path}} references in action parameters.
// The resolver is deliberately not a template engine: no conditionals,
// no loops, just field-path substitution over the same lookup the
// condition evaluator uses.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// resolveParameters returns a copy of params with every {{path}}
// placeholder in string values substituted from the snapshot. Nested
// maps and slices are walked; unresolved placeholders stay as literal
// text and are flagged on diags.
func resolveParameters(params map[string]any, snapshot FieldSnapshot, diags *Diagnostics) map[string]any {
	if params == nil {
		return nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, snapshot, diags)
	}
	return resolved
}

func resolveValue(value any, snapshot FieldSnapshot, diags *Diagnostics) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, snapshot, diags)
	case map[string]any:
		return resolveParameters(v, snapshot, diags)
	case []any:
		resolved := make([]any, len(v))
		for i, elem := range v {
			resolved[i] = resolveValue(elem, snapshot, diags)
		}
		return resolved
	default:
		return value
	}
}

func resolveString(s string, snapshot FieldSnapshot, diags *Diagnostics) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		value, ok := ResolvePath(snapshot, path)
		if !ok {
			diags.Addf("unresolved placeholder %q", match)
			return match
		}
		return stringifyValue(value)
	})
}
