package resolve

import "strings"

// Pattern is a parsed "name@range" dependency request string.
//
// Name may carry a single leading scope segment ("@scope/pkg"); Range is
// either a semver range, the literal "latest", or an exotic reference
// (file path, link path, URL, VCS URL, or local workspace name).
type Pattern struct {
	Raw        string
	Name       string
	Range      string
	HasVersion bool
}

// String reconstructs the canonical "name@range" form.
func (p Pattern) String() string {
	return p.Name + "@" + p.Range
}

// normalizePattern splits s on "@" while honoring a single leading scope
// marker. A missing range defaults to "latest" with HasVersion=false; an
// explicit-but-empty range ("name@") becomes "*" with HasVersion=true.
func normalizePattern(s string) Pattern {
	scoped := strings.HasPrefix(s, "@")
	body := s
	if scoped {
		body = s[1:]
	}

	idx := strings.LastIndex(body, "@")
	var name, rng string
	hasVersion := false
	if idx < 0 {
		name, rng = body, "latest"
	} else {
		name, rng = body[:idx], body[idx+1:]
		hasVersion = true
		if rng == "" {
			rng = "*"
		}
	}

	if scoped {
		name = "@" + name
	}

	return Pattern{
		Raw:        s,
		Name:       name,
		Range:      rng,
		HasVersion: hasVersion,
	}
}

// NormalizePattern is the exported form of normalizePattern, used by
// callers (the Resolver, the Resolution Map, the Lockfile Model) that need
// to decompose a raw pattern string.
func NormalizePattern(s string) Pattern {
	return normalizePattern(s)
}

// isExotic reports whether range r is a non-semver reference: a file path,
// link path, URL, VCS URL, or local workspace reference. "latest" is not
// exotic; it is handled directly by the Constraint Reducer.
func isExotic(r string) bool {
	if r == "latest" || r == "*" || r == "" {
		return false
	}
	for _, prefix := range []string{
		"file:", "link:", "http://", "https://", "git://", "git+ssh://",
		"git+https://", "git+http://", "ssh://", "workspace:",
	} {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	// A bare "user/repo#ref" or scp-like "host:path" VCS shorthand is also
	// exotic; a syntactically valid semver range never contains '/' or the
	// VCS separator ':' outside of a build-metadata/prerelease tag.
	if strings.Contains(r, "/") && !strings.HasPrefix(r, "^") && !strings.HasPrefix(r, "~") {
		return true
	}
	return false
}

// IsExotic is the exported form of isExotic.
func IsExotic(r string) bool {
	return isExotic(r)
}
