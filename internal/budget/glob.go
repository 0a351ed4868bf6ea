package budget

import (
	"path"
	"path/filepath"
	"strings"
)

// Match reports whether pattern matches name using path-glob semantics:
// `*` and `?` match within one path segment, `**` matches any number of
// whole segments (including none). Matching is case-sensitive. Separators
// are normalized to `/` on both sides, so callers may pass OS paths.
func Match(pattern, name string) bool {
	p := splitSegments(pattern)
	n := splitSegments(name)
	return matchSegments(p, n)
}

func splitSegments(s string) []string {
	s = strings.Trim(filepath.ToSlash(s), "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			// `**` may swallow zero or more leading name segments.
			for skip := 0; skip <= len(name); skip++ {
				if matchSegments(pattern[1:], name[skip:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		name = name[1:]
	}
	return len(name) == 0
}
