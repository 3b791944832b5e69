package flowrules

import "strings"

// ResolvePath resolves a dot-path like "asset.statusLabel.name" against
// a snapshot. The second return is false when any segment is missing or
// an intermediate value is not a map. The same lookup backs both
// condition fields and {{path}} action parameters, so the two always
// agree on what a path means.
func ResolvePath(snapshot FieldSnapshot, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = map[string]any(snapshot)
	for _, segment := range strings.Split(path, ".") {
		node, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// asMap normalizes the map shapes that show up in decoded JSON and
// hand-built snapshots.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case FieldSnapshot:
		return m, true
	default:
		return nil, false
	}
}
