package resolve

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// LockEntry is one value object in the lockfile.
type LockEntry struct {
	Name                 string
	Version              string
	Resolved             string
	Integrity            string
	Registry             string
	UID                  string
	Dependencies         map[string]string
	OptionalDependencies map[string]string
	Permissions          map[string]bool
	PrebuiltVariants     map[string]string

	// alias, when non-empty, means this entry is a symlink to another
	// pattern's entry rather than a value in its own right.
	alias string
}

// ParseResultType classifies the outcome of parsing a lockfile.
type ParseResultType int

const (
	ParseSuccess ParseResultType = iota
	ParseMerge
	ParseConflict
)

// Lockfile is the in-memory model of the lockfile: a map from pattern (or
// comma-joined pattern group) to LockEntry, plus bookkeeping needed to
// reproduce the original grouping on serialization.
type Lockfile struct {
	// mu guards entries and groups: the resolver probes and removes entries
	// from concurrently running requests.
	mu      sync.Mutex
	entries map[string]*LockEntry
	// groups maps a representative pattern to every pattern that shared its
	// original comma-joined key, preserved so re-serialization doesn't
	// needlessly split groups that round-trip unchanged.
	groups map[string][]string
}

// NewLockfile returns an empty Lockfile, used when no lockfile exists yet.
func NewLockfile() *Lockfile {
	return &Lockfile{entries: make(map[string]*LockEntry), groups: make(map[string][]string)}
}

// FromDirectory reads and parses the lockfile at dir/filename. A missing
// file yields an empty Lockfile with ParseSuccess.
func FromDirectory(dir, filename string) (*Lockfile, ParseResultType, error) {
	path := filepath.Join(dir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLockfile(), ParseSuccess, nil
		}
		return nil, ParseSuccess, errors.Wrapf(err, "reading lockfile %s", path)
	}
	return ParseLockfile(string(data))
}

// GetLocked looks up pattern exactly, following one level of symlink
// alias to another entry.
func (l *Lockfile) GetLocked(pattern string) (*LockEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[pattern]
	if !ok {
		return nil, false
	}
	if e.alias != "" {
		target, ok := l.entries[e.alias]
		return target, ok
	}
	return e, true
}

// RemovePattern drops pattern's entry entirely. When the removed pattern
// owned a comma-joined group, the first surviving member takes over the
// entry so the group's aliases keep resolving.
func (l *Lockfile) RemovePattern(pattern string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := l.entries[pattern]
	delete(l.entries, pattern)
	for rep, group := range l.groups {
		filtered := group[:0]
		for _, p := range group {
			if p != pattern {
				filtered = append(filtered, p)
			}
		}
		l.groups[rep] = filtered
	}
	if removed == nil || removed.alias != "" {
		return
	}
	if group := l.groups[pattern]; len(group) > 0 {
		newOwner := group[0]
		l.entries[newOwner] = removed
		for _, p := range group {
			if p != newOwner {
				l.entries[p] = &LockEntry{alias: newOwner}
			}
		}
		delete(l.groups, pattern)
		l.groups[newOwner] = group
	} else {
		delete(l.groups, pattern)
	}
}

// setEntry installs or overwrites pattern's entry directly. The Resolver
// does not call it; stale entries are removed with removePattern.
func (l *Lockfile) setEntry(pattern string, e *LockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[pattern] = e
}

// HasEntriesWithoutIntegrity detects legacy lockfiles needing migration.
// Entries whose pattern range is a file:/http(s): source are excluded,
// since exotic sources carry no content-addressable integrity to begin
// with.
func (l *Lockfile) HasEntriesWithoutIntegrity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pattern, e := range l.entries {
		if e.alias != "" {
			continue
		}
		if strings.Contains(pattern, "@file:") || strings.Contains(pattern, "@http") {
			continue
		}
		if e.Integrity == "" {
			return true
		}
	}
	return false
}

// isStale detects a lockfile entry that is stale: the range is a valid,
// non-exotic, explicit range, the locked version parses, and it no
// longer satisfies the range.
func isStale(entry *LockEntry, pattern Pattern, loose bool) bool {
	if !pattern.HasVersion {
		return false
	}
	if isExotic(pattern.Range) {
		return false
	}
	if _, err := parseSemver(entry.Version, loose); err != nil {
		return false
	}
	if pattern.Range == "latest" || pattern.Range == "*" {
		return false
	}
	constraint, err := parseConstraint(pattern.Range, loose)
	if err != nil {
		return false
	}
	v, err := parseSemver(entry.Version, loose)
	if err != nil {
		return false
	}
	return !constraint.Check(v)
}

// resolvedManifest is the minimal shape getLockfile needs from a resolved
// pattern: enough of a Reference to serialize one LockEntry.
type resolvedManifest struct {
	pattern string
	ref     *Reference
}

// permissionKeys are the install-time boolean flags a manifest's
// InstallConfig may declare and a Reference tracks via
// setPermission/hasPermission; GetLockfile reads them back out so they
// round-trip through the lockfile rather than needing to be re-derived
// from the manifest on every install.
var permissionKeys = []string{"ignoreScripts", "ignorePlatform", "ignoreEngines"}

// collectPermissions reads every known permission flag off ref, omitting
// ones that were never set.
func collectPermissions(ref *Reference) map[string]bool {
	out := make(map[string]bool)
	for _, key := range permissionKeys {
		if ref.hasPermission(key) {
			out[key] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// GetLockfile serializes the final {pattern -> Reference} map into
// lockfile form: patterns sorted alphabetically; entries sharing a
// remote-key deduplicated so the first pattern in sort order owns the
// content and later patterns become aliases; integrity strings
// canonicalized by tokenizing and re-sorting.
func GetLockfile(resolved map[string]*Reference) *Lockfile {
	patterns := make([]string, 0, len(resolved))
	for p := range resolved {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	out := NewLockfile()
	owner := make(map[string]string) // remote-key -> owning pattern

	for _, pattern := range patterns {
		ref := resolved[pattern]
		key := identityRemoteKey(ref)

		if key != "" {
			if ownerPattern, exists := owner[key]; exists {
				out.entries[pattern] = &LockEntry{alias: ownerPattern}
				out.groups[ownerPattern] = append(out.groups[ownerPattern], pattern)
				continue
			}
			owner[key] = pattern
		}

		entry := &LockEntry{
			Name:        ref.Name,
			Version:     ref.Version,
			UID:         ref.UID,
			Registry:    ref.Registry,
			Permissions: collectPermissions(ref),
		}
		if ref.Remote != nil {
			entry.Resolved = ref.Remote.Resolved
			if len(ref.Remote.Integrity) > 0 {
				entry.Integrity = canonicalIntegrity(ref.Remote.Integrity)
			}
		}
		if m := ref.manifestSnapshot(); m != nil {
			entry.Dependencies = m.Dependencies
			entry.OptionalDependencies = m.OptionalDependencies
		}
		out.entries[pattern] = entry
		out.groups[pattern] = []string{pattern}
	}

	return out
}

func identityRemoteKey(ref *Reference) string {
	if ref.Remote == nil {
		return ""
	}
	return ref.Remote.Key()
}

// canonicalIntegrity tokenizes a set of "algo-hash" integrity strings on
// whitespace and re-sorts them, so that equal multisets of tokens always
// serialize byte-identically regardless of discovery order.
func canonicalIntegrity(tokens []string) string {
	flat := make([]string, 0, len(tokens))
	for _, t := range tokens {
		flat = append(flat, strings.Fields(t)...)
	}
	sort.Strings(flat)
	return strings.Join(flat, " ")
}

// shortHash is used by exotic remotes lacking any registry-supplied
// integrity, so the lockfile still records a stable per-remote token.
func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return "sha1-" + hex.EncodeToString(sum[:])
}

// Serialize renders the Lockfile into its textual form, grouping aliased
// patterns back onto a single comma-joined key. Every serialized lockfile
// begins with a generated-file comment header and ends with a trailing
// newline.
func (l *Lockfile) Serialize() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	b.WriteString("# THIS IS A GENERATED FILE. DO NOT EDIT DIRECTLY.\n")
	b.WriteString("# kiln lockfile v1\n\n")

	owners := make([]string, 0, len(l.groups))
	for owner, group := range l.groups {
		if len(group) == 0 {
			continue
		}
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	for _, owner := range owners {
		group := append([]string(nil), l.groups[owner]...)
		sort.Strings(group)
		entry := l.entries[owner]
		writeLockBlock(&b, group, entry)
	}

	return b.String()
}

func writeLockBlock(b *strings.Builder, patterns []string, e *LockEntry) {
	fmt.Fprintf(b, "%s:\n", strings.Join(quoteAll(patterns), ", "))
	if e.Name != "" && e.Name != normalizePattern(patterns[0]).Name {
		fmt.Fprintf(b, "  name %q\n", e.Name)
	}
	fmt.Fprintf(b, "  version %q\n", e.Version)
	if e.Resolved != "" {
		fmt.Fprintf(b, "  resolved %q\n", e.Resolved)
	}
	if e.Integrity != "" {
		fmt.Fprintf(b, "  integrity %q\n", e.Integrity)
	}
	if e.Registry != "" {
		fmt.Fprintf(b, "  registry %q\n", e.Registry)
	}
	if e.UID != "" && e.UID != e.Version {
		fmt.Fprintf(b, "  uid %q\n", e.UID)
	}
	if len(e.Dependencies) > 0 {
		b.WriteString("  dependencies:\n")
		writeSortedMap(b, e.Dependencies, "    ")
	}
	if len(e.OptionalDependencies) > 0 {
		b.WriteString("  optionalDependencies:\n")
		writeSortedMap(b, e.OptionalDependencies, "    ")
	}
	if len(e.Permissions) > 0 {
		b.WriteString("  permissions:\n")
		writeSortedBoolMap(b, e.Permissions, "    ")
	}
	if len(e.PrebuiltVariants) > 0 {
		b.WriteString("  prebuiltVariants:\n")
		writeSortedMap(b, e.PrebuiltVariants, "    ")
	}
	b.WriteString("\n")
}

func writeSortedMap(b *strings.Builder, m map[string]string, indent string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s%q %q\n", indent, k, m[k])
	}
}

func writeSortedBoolMap(b *strings.Builder, m map[string]bool, indent string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s%q %t\n", indent, k, m[k])
	}
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
