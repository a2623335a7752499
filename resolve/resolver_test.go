package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeBackend is an in-memory Backend keyed by package name, used to drive
// Resolver without any network or filesystem access.
type fakeBackend struct {
	versions     map[string][]string
	deps         map[string]map[string]string // "name@version" -> dependencies
	optionalDeps map[string]map[string]string // "name@version" -> optionalDependencies
	panicOn      string
	failOn       string

	mu    sync.Mutex
	calls []string // package names asked for, in order
}

func (f *fakeBackend) Filename() string  { return "package.json" }
func (f *fakeBackend) LoadConfig() error { return nil }

func (f *fakeBackend) recordCall(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeBackend) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeBackend) Versions(ctx context.Context, name string) ([]Candidate, error) {
	f.recordCall(name)
	if name == f.panicOn {
		panic("simulated backend corruption")
	}
	if name == f.failOn {
		return nil, errors.New("simulated registry outage")
	}
	vs, ok := f.versions[name]
	if !ok {
		return nil, userFailure("package %q not found", name)
	}
	out := make([]Candidate, len(vs))
	for i, v := range vs {
		out[i] = Candidate{Version: v, Remote: Remote{Resolved: name + "-" + v + ".tgz", Kind: "registry"}}
	}
	return out, nil
}

func (f *fakeBackend) Resolve(ctx context.Context, name, version string) (*Manifest, *Remote, error) {
	m := &Manifest{
		Name:                 name,
		Version:              version,
		Dependencies:         f.deps[name+"@"+version],
		OptionalDependencies: f.optionalDeps[name+"@"+version],
	}
	remote := &Remote{Resolved: name + "-" + version + ".tgz", Kind: "registry"}
	return m, remote, nil
}

var _ Backend = (*fakeBackend)(nil)

func newTestResolver(backend Backend) *Resolver {
	return NewResolver(backend, nil, NewResolutionMap(nil), NewLockfile(), nil, Options{Concurrency: 4})
}

func TestResolveWalksTransitiveDependencies(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0", "1.1.0"},
			"b": {"2.0.0"},
		},
		deps: map[string]map[string]string{
			"a@1.1.0": {"b": "^2.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	result, err := newTestResolver(backend).Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Patterns) != 2 {
		t.Fatalf("got %d patterns, want 2: %#v", len(result.Patterns), result.Patterns)
	}

	var gotA, gotB bool
	for _, ref := range result.Patterns {
		switch ref.Name {
		case "a":
			gotA = ref.Version == "1.1.0"
		case "b":
			gotB = ref.Version == "2.0.0"
		}
	}
	if !gotA {
		t.Error("expected a to resolve to the highest satisfying version 1.1.0")
	}
	if !gotB {
		t.Error("expected transitive dependency b to be resolved")
	}
}

func TestResolveReusesExistingCommittedVersion(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"b": {"1.0.0"},
			"shared": {"1.0.0", "1.2.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"shared": "^1.0.0"},
			"b@1.0.0": {"shared": "^1.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0", "b": "^1.0.0"}}

	result, err := newTestResolver(backend).Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	sharedCount := 0
	for _, ref := range result.Patterns {
		if ref.Name == "shared" {
			sharedCount++
		}
	}
	if sharedCount != 1 {
		t.Fatalf("got %d committed references for shared, want exactly one (reused across a and b)", sharedCount)
	}
}

func TestResolveUnsatisfiableRangeReturnsConstraintError(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^2.0.0"}}

	_, err := newTestResolver(backend).Resolve(context.Background(), root)
	var cerr *ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v (%T), want *ConstraintError", err, err)
	}
}

func TestResolveMissingPackageReturnsUserError(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"missing": "^1.0.0"}}

	_, err := newTestResolver(backend).Resolve(context.Background(), root)
	var uerr *UserError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v (%T), want *UserError", err, err)
	}
}

func TestResolveRecoversPanicAsUnexpectedError(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{"a": {"1.0.0"}},
		panicOn:  "a",
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	result, err := newTestResolver(backend).Resolve(context.Background(), root)
	if result != nil {
		t.Fatalf("got non-nil result %#v on panic, want nil", result)
	}
	var uerr *UnexpectedError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v (%T), want *UnexpectedError", err, err)
	}
}

func TestResolveFrozenModeRejectsUnlockedPattern(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	r := NewResolver(backend, nil, NewResolutionMap(nil), NewLockfile(), nil, Options{Concurrency: 4, Frozen: true})
	_, err := r.Resolve(context.Background(), root)

	var ferr *frozenViolationError
	if !errors.As(err, &ferr) {
		t.Fatalf("got %v (%T), want frozen violation error", err, err)
	}
}

func TestResolveFlatModeCollapsesToIntersectionHighestVersion(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"b": {"1.0.0"},
			"c": {"1.0.0", "1.0.5", "1.1.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"c": "^1.0.0"},
			"b@1.0.0": {"c": "~1.0.1"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0", "b": "^1.0.0"}}

	r := NewResolver(backend, nil, NewResolutionMap(nil), NewLockfile(), nil, Options{Concurrency: 4, Flat: true})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	var cVersions []string
	for _, ref := range result.Patterns {
		if ref.Name == "c" {
			cVersions = append(cVersions, ref.Version)
		}
	}
	if len(cVersions) != 1 {
		t.Fatalf("flat mode left %d committed references for c, want 1: %v", len(cVersions), cVersions)
	}
	if cVersions[0] != "1.0.5" {
		t.Fatalf("got c@%s, want c@1.0.5 (highest version satisfying both ^1.0.0 and ~1.0.1)", cVersions[0])
	}
}

func containsPattern(patterns []string, want string) bool {
	for _, p := range patterns {
		if p == want {
			return true
		}
	}
	return false
}

func TestResolveDeferredBindingsAttachesToHighestSatisfyingVersion(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"shared": {"1.0.0", "1.0.5", "1.1.0"},
		},
	}
	r := newTestResolver(backend)

	low := newReference("shared", "1.0.0", "", &Remote{Resolved: "shared-1.0.0.tgz", Kind: "registry"}, nil)
	r.registerCommitted("shared", low)
	mid := newReference("shared", "1.0.5", "", &Remote{Resolved: "shared-1.0.5.tgz", Kind: "registry"}, nil)
	r.registerCommitted("shared", mid)

	req := Request{Pattern: "shared@^1.0.0", Depth: 1}
	r.deferBinding(req, normalizePattern(req.Pattern))

	if err := r.resolveDeferredBindings(); err != nil {
		t.Fatalf("resolveDeferredBindings: %v", err)
	}

	if !containsPattern(mid.Patterns(), "shared@^1.0.0") {
		t.Error("expected the deferred binding to attach to the highest satisfying committed version (1.0.5), not the first committed (1.0.0)")
	}
	if containsPattern(low.Patterns(), "shared@^1.0.0") {
		t.Error("deferred binding incorrectly attached to the lower committed version")
	}
}

func TestGetTopologicalManifestsVisitsDependenciesBeforeDependents(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"b": {"1.0.0"},
			"c": {"1.0.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"b": "^1.0.0"},
			"b@1.0.0": {"c": "^1.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	r := newTestResolver(backend)
	if _, err := r.Resolve(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	order := r.GetTopologicalManifests([]string{"a@^1.0.0"})
	pos := make(map[string]int, len(order))
	for i, ref := range order {
		pos[ref.Name] = i
	}
	if pos["c"] >= pos["b"] || pos["b"] >= pos["a"] {
		t.Fatalf("expected order c, b, a; got %v", namesOf(order))
	}
}

func TestGetLevelOrderManifestsVisitsRootsBeforeDeeperDeps(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"b": {"1.0.0"},
			"c": {"1.0.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"b": "^1.0.0"},
			"b@1.0.0": {"c": "^1.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	r := newTestResolver(backend)
	if _, err := r.Resolve(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	order := r.GetLevelOrderManifests([]string{"a@^1.0.0"})
	pos := make(map[string]int, len(order))
	for i, ref := range order {
		pos[ref.Name] = i
	}
	if pos["a"] >= pos["b"] || pos["b"] >= pos["c"] {
		t.Fatalf("expected order a, b, c; got %v", namesOf(order))
	}
}

func namesOf(refs []*Reference) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.Name
	}
	return out
}

func TestResolveLockfileHitSkipsRegistry(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0", "1.1.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	lf := NewLockfile()
	lf.setEntry("a@^1.0.0", &LockEntry{
		Version:   "1.1.0",
		Resolved:  "a-1.1.0.tgz",
		Integrity: "sha512-abc",
	})

	r := NewResolver(backend, nil, NewResolutionMap(nil), lf, nil, Options{Concurrency: 4})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if n := backend.callsFor("a"); n != 0 {
		t.Errorf("registry was called %d times for a locked pattern, want 0", n)
	}
	ref, ok := result.Lockfile.GetLocked("a@^1.0.0")
	if !ok || ref.Version != "1.1.0" || ref.Resolved != "a-1.1.0.tgz" {
		t.Errorf("lockfile entry not reused verbatim: %+v", ref)
	}
	for _, committed := range result.Patterns {
		if committed.Name == "a" && committed.Fresh {
			t.Error("a lockfile-resolved reference must not be marked fresh")
		}
	}
}

func TestResolveStaleLockEntryRefetches(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0", "1.1.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.1.0"}}

	lf := NewLockfile()
	lf.setEntry("a@^1.1.0", &LockEntry{Version: "1.0.0", Resolved: "a-1.0.0.tgz"})

	r := NewResolver(backend, nil, NewResolutionMap(nil), lf, nil, Options{Concurrency: 4})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if n := backend.callsFor("a"); n == 0 {
		t.Error("expected a registry fetch after detecting the stale lock entry")
	}
	if _, ok := lf.GetLocked("a@^1.1.0"); ok {
		t.Error("stale entry should have been removed from the input lockfile")
	}
	entry, ok := result.Lockfile.GetLocked("a@^1.1.0")
	if !ok || entry.Version != "1.1.0" {
		t.Errorf("expected re-resolution to 1.1.0, got %+v", entry)
	}
}

func TestResolveResolutionOverridePinsNestedDependency(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"b": {"1.0.0"},
			"c": {"1.0.0", "1.5.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"c": "^1.0.0"},
			"b@1.0.0": {"c": "^1.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0", "b": "^1.0.0"}}

	rm := NewResolutionMap(map[string]string{"**/c": "1.0.0"})
	r := NewResolver(backend, nil, rm, NewLockfile(), nil, Options{Concurrency: 4})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	for _, ref := range result.Patterns {
		if ref.Name == "c" && ref.Version != "1.0.0" {
			t.Errorf("override should pin c to 1.0.0, got %s", ref.Version)
		}
	}
	entry, ok := result.Lockfile.GetLocked("c@^1.0.0")
	if !ok || entry.Version != "1.0.0" {
		t.Errorf("lockfile should record the pinned version for c@^1.0.0, got %+v", entry)
	}
}

func TestResolveResolutionOverrideSkipsRootDependencies(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{"lodash": {"3.0.0", "4.2.0"}},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"lodash": "^4.0.0"}}

	rm := NewResolutionMap(map[string]string{"lodash": "3.0.0"})
	r := NewResolver(backend, nil, rm, NewLockfile(), nil, Options{Concurrency: 4})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	for _, ref := range result.Patterns {
		if ref.Name == "lodash" && ref.Version != "4.2.0" {
			t.Errorf("a root dependency must not be rewritten by resolutions, got lodash@%s", ref.Version)
		}
	}
}

func TestResolveFlatModeSkipsResolutionPins(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"c": {"1.0.0", "1.5.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"c": "^1.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	rm := NewResolutionMap(map[string]string{"**/c": "1.0.0"})
	r := NewResolver(backend, nil, rm, NewLockfile(), nil, Options{Concurrency: 4, Flat: true})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	for _, ref := range result.Patterns {
		if ref.Name == "c" && ref.Version != "1.5.0" {
			t.Errorf("flat mode must ignore per-request pins, got c@%s", ref.Version)
		}
	}
}

func TestResolveWorkspaceSiblingWithoutRegistry(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{}}
	w1 := &Manifest{Name: "w1", Version: "1.0.0"}
	ws := &WorkspaceLayout{
		Root: "/repo",
		Packages: map[string]*WorkspacePackage{
			"w1": {Name: "w1", Version: "1.0.0", Dir: "/repo/packages/w1", Manifest: w1},
		},
	}
	root := &Manifest{Name: "w2", Dependencies: map[string]string{"w1": "^1.0.0"}}

	r := NewResolver(backend, []ExoticBackend{ws}, NewResolutionMap(nil), NewLockfile(), ws, Options{Concurrency: 4})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if n := backend.callsFor("w1"); n != 0 {
		t.Errorf("registry was called %d times for a workspace sibling, want 0", n)
	}
	var got *Reference
	for _, ref := range result.Patterns {
		if ref.Name == "w1" {
			got = ref
		}
	}
	if got == nil {
		t.Fatal("w1 was not resolved")
	}
	if got.Remote == nil || got.Remote.Kind != "workspace" {
		t.Errorf("w1 should carry a workspace remote, got %+v", got.Remote)
	}
}

func TestResolveOptionalFailureDoesNotAbort(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{"a": {"1.0.0"}, "fsevents": {"1.0.0"}},
		failOn:   "fsevents",
	}
	root := &Manifest{
		Name:                 "root",
		Dependencies:         map[string]string{"a": "^1.0.0"},
		OptionalDependencies: map[string]string{"fsevents": "^1.0.0"},
	}

	result, err := newTestResolver(backend).Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("optional failure must not abort the run: %v", err)
	}
	for _, ref := range result.Patterns {
		if ref.Name == "fsevents" {
			t.Error("failed optional dependency should not be committed")
		}
	}
}

func TestResolveOfflineFailsRegistryFetch(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	r := NewResolver(backend, nil, NewResolutionMap(nil), NewLockfile(), nil, Options{Concurrency: 4, Offline: true})
	_, err := r.Resolve(context.Background(), root)

	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("got %v (%T), want *NetworkError in offline mode", err, err)
	}
	if n := backend.callsFor("a"); n != 0 {
		t.Errorf("offline mode still issued %d registry calls", n)
	}
}

func TestResolveOfflineStillUsesLockfile(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	lf := NewLockfile()
	lf.setEntry("a@^1.0.0", &LockEntry{Version: "1.0.0", Resolved: "a-1.0.0.tgz"})

	r := NewResolver(backend, nil, NewResolutionMap(nil), lf, nil, Options{Concurrency: 4, Offline: true})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("offline resolution with a complete lockfile should succeed: %v", err)
	}
	if len(result.Patterns) != 1 {
		t.Fatalf("got %d patterns, want 1", len(result.Patterns))
	}
}

func TestResolveDependencyCycleTerminates(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a": {"1.0.0"},
			"b": {"1.0.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"b": "^1.0.0"},
			"b@1.0.0": {"a": "^1.0.0"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	result, err := newTestResolver(backend).Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	var gotA, gotB bool
	for _, ref := range result.Patterns {
		gotA = gotA || ref.Name == "a"
		gotB = gotB || ref.Name == "b"
	}
	if !gotA || !gotB {
		t.Fatalf("cycle members missing from result: a=%v b=%v", gotA, gotB)
	}
	if n := backend.callsFor("a"); n > 1 {
		t.Errorf("a fetched %d times inside a cycle, want at most 1", n)
	}
}

func TestPruneDetachesReference(t *testing.T) {
	backend := &fakeBackend{versions: map[string][]string{"a": {"1.0.0"}}}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0"}}

	r := newTestResolver(backend)
	if _, err := r.Resolve(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	ref := r.refForName("a")
	if ref == nil {
		t.Fatal("a was not committed")
	}
	r.prune(ref)
	if got := r.refForName("a"); got != nil {
		t.Errorf("pruned reference still registered: %+v", got)
	}
	if len(ref.Patterns()) != 0 {
		t.Errorf("pruned reference kept patterns: %v", ref.Patterns())
	}
}

func TestUpdateManifestPreservesIdentity(t *testing.T) {
	ref := newReference("pkg", "1.0.0", "", &Remote{Resolved: "pkg-1.0.0.tgz", Kind: "registry"}, &Manifest{Name: "pkg", Version: "1.0.0"})

	ref.updateManifest(&Manifest{Name: "renamed", Version: "1.0.0", Dependencies: map[string]string{"dep": "^1.0.0"}})

	m := ref.manifestSnapshot()
	if m.Name != "pkg" {
		t.Errorf("updateManifest must preserve the resolved name, got %q", m.Name)
	}
	if m.reference != ref {
		t.Error("updateManifest must re-attach the back-reference")
	}
	if m.Dependencies["dep"] != "^1.0.0" {
		t.Error("updateManifest should adopt the new manifest's dependency map")
	}
}

func TestResolveFlatModeCollapsesToSingleVersion(t *testing.T) {
	backend := &fakeBackend{
		versions: map[string][]string{
			"a":      {"1.0.0"},
			"b":      {"1.0.0"},
			"shared": {"1.0.0", "1.1.0"},
		},
		deps: map[string]map[string]string{
			"a@1.0.0": {"shared": "^1.0.0"},
			"b@1.0.0": {"shared": "*"},
		},
	}
	root := &Manifest{Name: "root", Dependencies: map[string]string{"a": "^1.0.0", "b": "^1.0.0"}}

	r := NewResolver(backend, nil, NewResolutionMap(nil), NewLockfile(), nil, Options{Concurrency: 4, Flat: true})
	result, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	sharedCount := 0
	for _, ref := range result.Patterns {
		if ref.Name == "shared" {
			sharedCount++
		}
	}
	if sharedCount != 1 {
		t.Fatalf("flat mode left %d committed references for shared, want 1", sharedCount)
	}
}
