package rule

import "strings"

// Ref is a deferred reference into the evaluation context, resolved at
// execution time. Path is a dotted path such as "event.data.userId" or
// "facts.user:42:name".
type Ref struct {
	Path string `json:"ref" yaml:"ref"`
}

// NewRef returns a Ref for path.
func NewRef(path string) Ref { return Ref{Path: path} }

// AsRef recognizes the ways a ref can appear in rule payloads: a Ref, a
// *Ref, or the decoded map form {"ref": "path"} produced by JSON and YAML.
func AsRef(v any) (Ref, bool) {
	switch r := v.(type) {
	case Ref:
		return r, r.Path != ""
	case *Ref:
		if r == nil {
			return Ref{}, false
		}
		return *r, r.Path != ""
	case map[string]any:
		if len(r) != 1 {
			return Ref{}, false
		}
		p, ok := r["ref"].(string)
		if !ok || p == "" {
			return Ref{}, false
		}
		return Ref{Path: p}, true
	}
	return Ref{}, false
}

// HasInterpolation reports whether s contains at least one ${...} token.
func HasInterpolation(s string) bool {
	i := strings.Index(s, "${")
	return i >= 0 && strings.Index(s[i:], "}") > 0
}

// Interpolate replaces every ${path} token in s with resolve(path). A token
// that resolve reports as missing is left verbatim. When s is exactly one
// token the resolved value is returned unstringified, preserving its type.
func Interpolate(s string, resolve func(path string) (any, bool)) any {
	if !HasInterpolation(s) {
		return s
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		inner := s[2 : len(s)-1]
		if !strings.Contains(inner, "${") {
			if v, ok := resolve(inner); ok {
				return v
			}
			return s
		}
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		path := rest[start+2 : start+end]
		if v, ok := resolve(path); ok {
			b.WriteString(Stringify(v))
		} else {
			b.WriteString(rest[start : start+end+1])
		}
		rest = rest[start+end+1:]
	}
	return b.String()
}
