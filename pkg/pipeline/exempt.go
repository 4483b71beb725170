package pipeline

import "strings"

// Exemptions matches request paths that bypass the security pipeline.
// A pattern ending in "/*" matches any path under the prefix; any other
// pattern matches exactly, with a trailing slash tolerated on either
// side.
type Exemptions struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewExemptions compiles a pattern list.
func NewExemptions(patterns []string) *Exemptions {
	e := &Exemptions{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/*") {
			e.prefixes = append(e.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		e.exact[strings.TrimSuffix(p, "/")] = struct{}{}
	}
	return e
}

// Match reports whether path is exempt.
func (e *Exemptions) Match(path string) bool {
	if _, ok := e.exact[strings.TrimSuffix(path, "/")]; ok {
		return true
	}
	for _, prefix := range e.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
