package resolve

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
)

// versionSet wraps a sorted-ascending list of candidate version strings as
// reported by a Registry Backend, exposing them as parsed semver.Version
// values for range matching. Unparsable entries (exotic tags, non-semver
// legacy releases) are kept alongside their raw string but excluded from
// range comparisons.
type versionSet struct {
	raw    []string
	parsed []*semver.Version // parallel to raw; nil where unparsable
}

func newVersionSet(raw []string, loose bool) versionSet {
	vs := versionSet{raw: raw, parsed: make([]*semver.Version, len(raw))}
	for i, r := range raw {
		v, err := parseSemver(r, loose)
		if err == nil {
			vs.parsed[i] = v
		}
	}
	return vs
}

func parseSemver(s string, loose bool) (*semver.Version, error) {
	if loose {
		s = looseifyVersion(s)
	}
	return semver.NewVersion(s)
}

// looseifyVersion strips the handful of non-strict forms Config's loose
// mode tolerates: a leading "v", leading zeros in a numeric segment, and a
// missing patch component.
func looseifyVersion(s string) string {
	s = strings.TrimPrefix(s, "v")
	parts := strings.SplitN(s, "-", 2)
	nums := strings.Split(parts[0], ".")
	for len(nums) < 3 {
		nums = append(nums, "0")
	}
	for i, n := range nums {
		trimmed := strings.TrimLeft(n, "0")
		if trimmed == "" {
			trimmed = "0"
		}
		nums[i] = trimmed
	}
	out := strings.Join(nums, ".")
	if len(parts) == 2 {
		out += "-" + parts[1]
	}
	return out
}

// reduce implements the constraint reducer: given a pre-sorted-ascending
// candidate list and a range, return the highest satisfying version, or
// the literal latest for range=="latest". Returns ("", false) when no
// candidate satisfies.
func reduce(raw []string, rng string, loose bool) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if rng == "latest" {
		return raw[len(raw)-1], true
	}

	constraint, err := parseConstraint(rng, loose)
	if err != nil {
		return "", false
	}

	vs := newVersionSet(raw, loose)
	best := -1
	for i, v := range vs.parsed {
		if v == nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if best == -1 || vs.parsed[best].LessThan(v) {
			best = i
		}
	}
	if best == -1 {
		return "", false
	}
	return vs.raw[best], true
}

// andSeparator matches the whitespace between a version and the next
// comparator of the same AND group (">=1.0.0 <2.0.0"). Hyphen ranges and
// "||" are not matched.
var andSeparator = regexp.MustCompile(`(\d[^\s,|]*)\s+([<>=!~^]|\d)`)

// parseConstraint wraps semver.NewConstraint, normalizing the bare/empty
// wildcard forms first so "name@" requests ("*") parse the same as an
// explicit star range, and joining space-separated comparators with the
// comma semver expects.
func parseConstraint(rng string, loose bool) (*semver.Constraints, error) {
	if rng == "*" || rng == "" {
		rng = "*"
	}
	if loose {
		rng = looseifyRange(rng)
	}
	rng = andSeparator.ReplaceAllString(rng, "$1, $2")
	return semver.NewConstraint(rng)
}

// looseifyRange applies the same leading-zero/partial-version leniency to
// each version-shaped token inside a range expression.
func looseifyRange(rng string) string {
	fields := strings.Fields(rng)
	for i, f := range fields {
		// Only touch tokens that look like bare/operator-prefixed versions,
		// leave logical operators ("||", "-") untouched.
		op := ""
		rest := f
		for _, prefix := range []string{">=", "<=", "^", "~", ">", "<", "="} {
			if strings.HasPrefix(rest, prefix) {
				op = prefix
				rest = rest[len(prefix):]
				break
			}
		}
		if rest == "" || rest == "-" || rest == "||" {
			continue
		}
		fields[i] = op + looseifyVersion(rest)
	}
	return strings.Join(fields, " ")
}

// sortVersionsAscending sorts raw version strings ascending by semver,
// placing unparsable entries (exotic tags) at the front in their original
// relative order. A Registry Backend is expected to pre-sort its list, but
// the Resolver re-validates this invariant before reducing.
func sortVersionsAscending(raw []string, loose bool) []string {
	out := make([]string, len(raw))
	copy(out, raw)
	sort.SliceStable(out, func(i, j int) bool {
		vi, ei := parseSemver(out[i], loose)
		vj, ej := parseSemver(out[j], loose)
		if ei != nil || ej != nil {
			return ei != nil && ej == nil
		}
		return vi.LessThan(vj)
	})
	return out
}
