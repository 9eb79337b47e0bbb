package config

// mergeMaps deep-merges override onto base at the given key path and
// returns a fresh map; neither input is mutated. Nested maps recurse,
// path-list keys union, everything else takes the override value.
func mergeMaps(base, override map[string]any, path []string) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		cur, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		keyPath := append(append([]string{}, path...), k)
		curMap, curIsMap := cur.(map[string]any)
		vMap, vIsMap := v.(map[string]any)
		switch {
		case curIsMap && vIsMap:
			out[k] = mergeMaps(curMap, vMap, keyPath)
		case isPathList(keyPath):
			out[k] = unionLists(ensureList(cur), ensureList(v))
		default:
			out[k] = v
		}
	}
	return out
}

// isPathList reports whether the key path names a path-list setting:
// paths.models.<category> or paths.custom_nodes. Those accumulate across
// layers instead of being replaced.
func isPathList(path []string) bool {
	if len(path) == 3 && path[0] == "paths" && path[1] == "models" {
		return true
	}
	return len(path) == 2 && path[0] == "paths" && path[1] == "custom_nodes"
}

// unionLists concatenates a and b keeping the first occurrence of each
// string value. Non-string entries pass through in order.
func unionLists(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	var out []any
	for _, v := range append(append([]any{}, a...), b...) {
		if s, ok := v.(string); ok {
			if seen[s] {
				continue
			}
			seen[s] = true
		}
		out = append(out, v)
	}
	return out
}
