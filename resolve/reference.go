package resolve

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
)

// optionalState is a three-state monotonic variant: Uninit joins to
// whatever it's given; Required is absorbing; two Optionals stay Optional.
type optionalState uint8

const (
	optionalUninit optionalState = iota
	optionalFlag
	optionalRequired
)

func joinOptional(a, b optionalState) optionalState {
	if a == optionalRequired || b == optionalRequired {
		return optionalRequired
	}
	if a == optionalUninit {
		return b
	}
	if b == optionalUninit {
		return a
	}
	return optionalFlag
}

// Remote is the opaque descriptor telling a downstream fetcher how to
// retrieve a package: a tarball URL with integrity hashes, a VCS URL plus
// revision, or a local filesystem path. kiln's resolver never interprets
// Remote's contents beyond using Key() for dedup; fetching is handled by
// an external collaborator.
type Remote struct {
	// Resolved is a tarball/registry URL, or empty for file, link, VCS and
	// workspace sources.
	Resolved string
	// Reference is a VCS ref/commit, file path, or link path for exotic
	// sources.
	Reference string
	// Hash disambiguates same-version exotic remotes that differ in
	// source (e.g. two git refs pinned to the same tagged version).
	Hash       string
	Integrity  []string
	Registry   string
	Kind       string // "registry", "file", "link", "http", "git", "workspace"
}

// Key returns the remote-key used for lockfile dedup: the resolved URL
// if present, otherwise "reference#hash".
func (r *Remote) Key() string {
	if r == nil {
		return ""
	}
	if r.Resolved != "" {
		return r.Resolved
	}
	return r.Reference + "#" + r.Hash
}

// requester records one Package Request that resolved to a given
// Reference, along with its depth in the dependency graph (used for
// level/hoisting decisions).
type requester struct {
	pattern string
	depth   int
}

// Reference is the resolver-owned identity of one concrete resolved
// package.
type Reference struct {
	mu sync.Mutex

	Name     string
	Version  string
	UID      string
	Registry string
	Remote   *Remote

	patterns map[string]struct{}
	requests []requester
	level    int
	optional optionalState
	ignore   bool
	Incompat bool
	Fresh    bool

	permissions map[string]bool
	locations   []string

	dependencyNames []string

	manifest *Manifest
}

// newReference constructs a Reference for a freshly-discovered package
// identity. uid is equal to version for registry sources, and
// "version+" plus the first 8 hex digits of the SHA-1 of the remote key
// for exotic sources, so two exotic
// packages sharing a version but differing in remote never collide.
func newReference(name, version, registry string, remote *Remote, m *Manifest) *Reference {
	r := &Reference{
		Name:        name,
		Version:     version,
		Registry:    registry,
		Remote:      remote,
		patterns:    make(map[string]struct{}),
		permissions: make(map[string]bool),
		manifest:    m,
		Fresh:       true,
	}
	r.UID = deriveUID(version, remote)
	if m != nil {
		m.reference = r
		m.remote = remote
		m.uid = r.UID
		m.registry = registry
	}
	return r
}

func deriveUID(version string, remote *Remote) string {
	if remote == nil || remote.Kind == "" || remote.Kind == "registry" {
		return version
	}
	sum := sha1.Sum([]byte(remote.Key()))
	return version + "+" + hex.EncodeToString(sum[:])[:8]
}

// identityKey is the de-duplication key ensuring no two References with
// the same (name, version, remote-key) exist.
func identityKey(name, version string, remote *Remote) string {
	key := name + "@" + version
	if remote != nil {
		key += "#" + remote.Key()
	}
	return key
}

// addRequest records a new requester of this Reference at the given
// depth, updating level to the minimum depth across all requesters.
func (r *Reference) addRequest(pattern string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, requester{pattern: pattern, depth: depth})
	if len(r.requests) == 1 || depth < r.level {
		r.level = depth
	}
}

// addPattern attaches pattern to this Reference's pattern set.
func (r *Reference) addPattern(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[pattern] = struct{}{}
}

// removePattern detaches pattern; used by prune and by collapse.
func (r *Reference) removePattern(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.patterns, pattern)
}

// Patterns returns a snapshot slice of every pattern currently attached.
func (r *Reference) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.patterns))
	for p := range r.patterns {
		out = append(out, p)
	}
	return out
}

// addOptional joins flag into the Reference's optional state; monotonic
// toward required.
func (r *Reference) addOptional(flag bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := optionalFlag
	if !flag {
		next = optionalRequired
	}
	r.optional = joinOptional(r.optional, next)
}

// IsOptional reports whether every requester marked this Reference
// optional (i.e. no requester has required it).
func (r *Reference) IsOptional() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.optional == optionalFlag
}

// markIgnored flags this Reference for the fetcher to skip, set when an
// optional request for it fails.
func (r *Reference) markIgnored() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignore = true
}

// Ignored reports whether the fetcher should skip this Reference.
func (r *Reference) Ignored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ignore
}

// addDependencies records the names of this Reference's direct
// dependencies, as recursed into by the resolver. This is the adjacency
// data the topological and level-order manifest traversals walk: the
// resolver still owns name-to-Reference lookup (one name can have several
// committed References), but which names a Reference depends on is the
// Reference's own fact to carry.
func (r *Reference) addDependencies(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependencyNames = append(r.dependencyNames, names...)
}

// DependencyNames returns a snapshot of the dependency names previously
// recorded by addDependencies.
func (r *Reference) DependencyNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dependencyNames))
	copy(out, r.dependencyNames)
	return out
}

func (r *Reference) addLocation(loc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations = append(r.locations, loc)
}

func (r *Reference) setPermission(name string, value bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissions[name] = value
}

func (r *Reference) hasPermission(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permissions[name]
}

// Level returns the minimum observed depth from any root.
func (r *Reference) Level() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// manifestSnapshot returns the manifest this Reference was resolved from.
func (r *Reference) manifestSnapshot() *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// updateManifest swaps in a re-fetched manifest for the same identity,
// preserving the resolved Name and re-attaching the back-references the
// old manifest carried.
func (r *Reference) updateManifest(newPkg *Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newPkg == nil {
		return
	}
	newPkg.Name = r.Name
	newPkg.reference = r
	newPkg.remote = r.Remote
	newPkg.uid = r.UID
	newPkg.registry = r.Registry
	r.manifest = newPkg
}
