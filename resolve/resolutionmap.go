package resolve

import (
	"strings"
	"sync"

	radix "github.com/armon/go-radix"
)

// pinnedRequest captures a request that matched a resolution pin whose
// target wasn't yet resolved, so it can be retried once the find fan-out
// completes.
type pinnedRequest struct {
	pattern     string
	parentNames []string
	pin         string
}

// ResolutionMap holds user-supplied exact-version overrides keyed by
// ancestry path (nested globs), read from the root manifest's
// `resolutions` field.
//
// Ancestor-chain segments are indexed in a radix tree keyed on the
// flattened "parent/.../name" path so that `**`-glob lookups resolve via
// longest-prefix search.
type ResolutionMap struct {
	mu    sync.Mutex
	exact map[string]string // literal (no "**") pattern path -> pinned version
	tree  *radix.Tree       // before-"**" prefix -> glob paths sharing it
	globs map[string]string // raw glob path (with "**") -> pinned version

	delayQueue []pinnedRequest
}

// NewResolutionMap builds a ResolutionMap from the root manifest's
// `resolutions` field: keys are ancestor-glob paths ("pkg-a/**/pkg-b"),
// values are exact versions or exotic references.
func NewResolutionMap(resolutions map[string]string) *ResolutionMap {
	rm := &ResolutionMap{
		exact: make(map[string]string),
		globs: make(map[string]string),
		tree:  radix.New(),
	}
	for path, version := range resolutions {
		if strings.Contains(path, "**") {
			rm.globs[path] = version
			prefix := strings.SplitN(path, "**", 2)[0]
			var bucket []string
			if old, ok := rm.tree.Get(prefix); ok {
				bucket = old.([]string)
			}
			rm.tree.Insert(prefix, append(bucket, path))
		} else {
			rm.exact[path] = version
		}
	}
	return rm
}

// Find looks up the pinned version for pattern given its parentNames
// ancestry chain. Returns ("", false) when no pin applies.
func (rm *ResolutionMap) Find(pattern string, parentNames []string) (string, bool) {
	name := normalizePattern(pattern).Name
	fullPath := strings.Join(append(append([]string{}, parentNames...), name), "/")

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if v, ok := rm.exact[fullPath]; ok {
		return v, true
	}
	if v, ok := rm.exact[name]; ok {
		return v, true
	}

	ancestorPath := strings.Join(parentNames, "/")

	// WalkPath visits every stored before-"**" prefix that is itself a
	// prefix of ancestorPath, from shortest to longest; keeping the last
	// match picked gives the longest (most specific) matching prefix,
	// matching the invariant that a more specific pin wins over a looser
	// one reachable from the same ancestry.
	var best string
	var bestFound bool
	rm.tree.WalkPath(ancestorPath, func(_ string, v interface{}) bool {
		for _, globPath := range v.([]string) {
			if matchAncestorGlob(globPath, parentNames, name) {
				best = globPath
				bestFound = true
			}
		}
		return false
	})
	if bestFound {
		return rm.globs[best], true
	}

	return "", false
}

// matchAncestorGlob checks "pkg-a/**/pkg-b"-shaped globs against an
// ancestor chain: the segments before "**" must match a prefix of
// parentNames (in order), and the final segment must equal name.
func matchAncestorGlob(globPath string, parentNames []string, name string) bool {
	segments := strings.Split(globPath, "/")
	starIdx := -1
	for i, s := range segments {
		if s == "**" {
			starIdx = i
			break
		}
	}
	if starIdx < 0 {
		return false
	}
	before := segments[:starIdx]
	after := segments[starIdx+1:]

	if len(after) == 0 || after[len(after)-1] != name {
		return false
	}
	if len(before) > len(parentNames) {
		return false
	}
	for i, seg := range before {
		if parentNames[i] != seg {
			return false
		}
	}
	return true
}

// Delay records a request whose pin target wasn't yet resolved, to be
// retried after the resolution-map delay drain.
func (rm *ResolutionMap) Delay(pattern string, parentNames []string, pin string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.delayQueue = append(rm.delayQueue, pinnedRequest{pattern: pattern, parentNames: parentNames, pin: pin})
}

// DrainDelayed returns and clears the delay queue.
func (rm *ResolutionMap) DrainDelayed() []pinnedRequest {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := rm.delayQueue
	rm.delayQueue = nil
	return out
}

// Empty reports whether any resolutions were configured at all.
func (rm *ResolutionMap) Empty() bool {
	return len(rm.exact) == 0 && len(rm.globs) == 0
}
