package config

import (
	"os"
	"regexp"
	"runtime"
)

var tokenPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandValue walks a layer value and substitutes ${...} tokens in every
// string leaf. Maps and lists are copied, so the source layer survives
// resolution unchanged.
func (r *Resolver) expandValue(v any, env map[string]string) any {
	switch vv := v.(type) {
	case string:
		return r.expandString(vv, env)
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = r.expandValue(val, env)
		}
		return out
	case Layer:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = r.expandValue(val, env)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = r.expandValue(val, env)
		}
		return out
	default:
		return v
	}
}

// expandString substitutes the recognized tokens. A token that resolves to
// nothing is left verbatim so the failure is visible downstream instead of
// silently collapsing a path segment.
func (r *Resolver) expandString(s string, env map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := r.token(name, env); ok {
			return v
		}
		return match
	})
}

func (r *Resolver) token(name string, env map[string]string) (string, bool) {
	switch {
	case name == "PKG":
		if r.PackageRoot != "" {
			return r.PackageRoot, true
		}
		return "", false
	case name == "OS":
		if r.OS != "" {
			return r.OS, true
		}
		return runtime.GOOS, true
	case name == "HOME":
		if v, ok := env["HOME"]; ok && v != "" {
			return v, true
		}
		if home, err := os.UserHomeDir(); err == nil {
			return home, true
		}
		return "", false
	case len(name) > 4 && name[:4] == "ENV:":
		v, ok := env[name[4:]]
		return v, ok && v != ""
	default:
		v, ok := env[name]
		return v, ok && v != ""
	}
}
