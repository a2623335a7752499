package resolve

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Options configures one Resolve run.
type Options struct {
	Production  bool
	Flat        bool
	Frozen      bool
	Loose       bool
	Offline     bool
	Concurrency int
	Activity    Activity
}

// Result is everything a Resolve run produces: the committed pattern table
// and the Lockfile derived from it.
type Result struct {
	Patterns map[string]*Reference
	Lockfile *Lockfile
}

// deferredBinding is a request whose own commit was held back because, at
// the moment it was evaluated, some other already-committed Reference for
// the same package name appeared to satisfy it. A pattern in this state is
// never attached on the spot: a version discovered later by a sibling
// request may turn out to be a better (higher) match than whatever was
// committed first, so every deferred pattern waits for the consolidation
// phase to pick the best of everything the fan-out actually discovered.
type deferredBinding struct {
	req Request
	pat Pattern
}

// Resolver is the greedy, non-backtracking dependency resolver. Unlike a
// SAT-style solver that backtracks via a decision trail when a version
// choice later proves unsatisfiable, Resolver never revisits a committed
// choice: every Reference, once created, is final, and conflicts are
// reported rather than searched around.
type Resolver struct {
	backend Backend
	exotics []ExoticBackend

	resolutionMap *ResolutionMap
	lockfile      *Lockfile
	workspace     *WorkspaceLayout

	opts     Options
	activity Activity
	queue    *fetchQueue

	mu                  sync.Mutex
	patterns            map[string]*Reference   // fetchKey -> committed Reference
	patternsByPackage   map[string][]*Reference // package name -> every committed Reference for it
	fetchingPatterns    map[string]bool         // in-flight request dedup; also breaks dependency cycles
	optionalFailures    []error
	delayedResolveQueue []deferredBinding
}

// NewResolver constructs a Resolver. resolutionMap and lockfile may be
// empty (NewResolutionMap(nil), NewLockfile()) but must not be nil; ws may
// be nil when the root manifest declares no workspaces.
func NewResolver(backend Backend, exotics []ExoticBackend, resolutionMap *ResolutionMap, lockfile *Lockfile, ws *WorkspaceLayout, opts Options) *Resolver {
	act := opts.Activity
	if act == nil {
		act = nullActivity{}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Resolver{
		backend:           backend,
		exotics:           exotics,
		resolutionMap:     resolutionMap,
		lockfile:          lockfile,
		workspace:         ws,
		opts:              opts,
		activity:          act,
		queue:             newFetchQueue(concurrency),
		patterns:          make(map[string]*Reference),
		patternsByPackage: make(map[string][]*Reference),
		fetchingPatterns:  make(map[string]bool),
	}
}

// Resolve walks root's dependency graph to a fixed point and returns the
// committed pattern table plus its Lockfile projection. A panic anywhere
// in the walk (a Backend bug, a malformed manifest the typed errors don't
// already cover) is converted to an UnexpectedError rather than crashing
// the process, so the caller can still dump a bug report and exit
// cleanly.
func (r *Resolver) Resolve(ctx context.Context, root *Manifest) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = unexpectedFromPanic(rec)
			result = nil
		}
	}()
	return r.resolve(ctx, root)
}

// unexpectedFromPanic converts a recovered panic value into an
// UnexpectedError, preserving it as Cause when it already is an error.
func unexpectedFromPanic(rec interface{}) error {
	if recErr, ok := rec.(error); ok {
		return &UnexpectedError{Cause: recErr}
	}
	return &UnexpectedError{Cause: errors.Errorf("%v", rec)}
}

// goResolveOne fans req out onto g as a goroutine, recovering any panic
// from the Backend/ExoticBackend call beneath resolveOne into an
// UnexpectedError: recover only catches panics on the panicking goroutine's
// own stack, so the top-level recover in Resolve would otherwise never see
// a panic raised inside one of these fanned-out goroutines, and the
// process would crash instead of returning an error.
func (r *Resolver) goResolveOne(g *errgroup.Group, ctx context.Context, req Request, deferPins bool) {
	g.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = unexpectedFromPanic(rec)
			}
		}()
		_, err = r.resolveOne(ctx, req, deferPins)
		return err
	})
}

func (r *Resolver) resolve(ctx context.Context, root *Manifest) (*Result, error) {
	seeds := root.rootDependencies(r.opts.Production)
	names := make([]string, 0, len(seeds))
	for name := range seeds {
		names = append(names, name)
	}
	sort.Strings(names)

	// Phase 1: discovery fan-out. Every reachable pattern is fetched and
	// recursed into. A request that finds an already-committed Reference
	// for its package name is not attached on the spot: it is parked on
	// delayedResolveQueue for Phase 2 to reconsider once every sibling
	// fetch has had a chance to discover something better.
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		pat := name + "@" + seeds[name]
		_, optional := root.OptionalDependencies[name]
		req := Request{Pattern: pat, ParentNames: nil, Depth: 0, Registry: "", Optional: optional}
		r.goResolveOne(g, gctx, req, true)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Phase 2: late-arrival consolidation. Every deferred binding is
	// attached to the best (highest-version) Reference now known for its
	// package name: phase 1 only collected candidates, phase 2 commits.
	if err := r.resolveDeferredBindings(); err != nil {
		return nil, err
	}

	// Phase 3: resolution-map delay drain. Iterate resolutionMap.delayQueue
	// and re-evaluate pins now that their targets may exist. Each drain
	// round may recurse into new dependencies whose bindings defer, so the
	// consolidation pass re-runs after every round.
	for {
		delayed := r.resolutionMap.DrainDelayed()
		if len(delayed) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range delayed {
			req := Request{Pattern: p.pattern, ParentNames: p.parentNames}
			r.goResolveOne(g, gctx, req, false)
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := r.resolveDeferredBindings(); err != nil {
			return nil, err
		}
	}

	// Phase 4: optional flatten to a single version per package name when
	// running in flat mode.
	if r.opts.Flat {
		if err := r.collapsePackageVersions(); err != nil {
			return nil, err
		}
	}

	for _, err := range r.optionalFailures {
		warnOptionalFailure(r.activity, "", err)
	}

	// Phase 5: emit.
	out := make(map[string]*Reference, len(r.patterns))
	for k, v := range r.patterns {
		out[k] = v
	}
	return &Result{Patterns: out, Lockfile: GetLockfile(r.patternsByFullPattern())}, nil
}

// patternsByFullPattern projects the committed table keyed by fetchKey back
// onto the raw pattern strings GetLockfile expects, since one Reference may
// carry many attached patterns (invariant 1).
func (r *Resolver) patternsByFullPattern() map[string]*Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Reference)
	for _, ref := range r.patterns {
		for _, p := range ref.Patterns() {
			out[p] = ref
		}
	}
	return out
}

// resolveOne resolves a single Request to its Reference, recursing into its
// dependencies. deferPins controls whether an unready resolution-map pin
// (and, in commit, an existing-version match) is parked on a delay queue
// (Phase 1) or must resolve immediately (Phase 3 retry, where deferring
// again would loop forever). A nil, nil return means the request was a
// duplicate of one already in flight, or its pattern was deferred to
// delayedResolveQueue for attachment in Phase 2.
func (r *Resolver) resolveOne(ctx context.Context, req Request, deferPins bool) (*Reference, error) {
	pat := normalizePattern(req.Pattern)

	// attach is the pattern recorded against whatever Reference this
	// request lands on: always the original request pattern, even when a
	// resolution-map pin rewrites the range actually fetched.
	attach := pat

	// Resolutions only rewrite transitive requests: a root dependency is
	// the user's own direct choice, and flat mode has its own collapse
	// pass instead of per-request pins.
	if pin, ok := r.findResolution(req); ok {
		if existing := r.firstCommitted(pat.Name, pin); existing != nil {
			r.dropDisagreeingLockEntry(pat.String(), pin)
			r.recordAttachment(existing, attach, req)
			return existing, nil
		}
		if deferPins {
			r.resolutionMap.Delay(req.Pattern, req.ParentNames, pin)
			return nil, nil
		}
		r.dropDisagreeingLockEntry(pat.String(), pin)
		pat.Range = pin
		pat.HasVersion = true
	}

	// In-flight dedup. An identical request already underway will produce
	// (and attach to) the very same Reference, so this one is skipped
	// outright rather than waited on; waiting would deadlock on dependency
	// cycles, where a request is transitively its own ancestor.
	key := requestFetchKey(req.Registry, pat.String(), req.Optional)
	r.mu.Lock()
	if r.fetchingPatterns[key] {
		r.mu.Unlock()
		return nil, nil
	}
	r.fetchingPatterns[key] = true
	r.mu.Unlock()

	ref, deferred, err := r.commit(ctx, pat, req, deferPins)
	if err != nil {
		if req.Optional {
			r.mu.Lock()
			r.optionalFailures = append(r.optionalFailures, err)
			r.mu.Unlock()
			if committed := r.refForName(pat.Name); committed != nil {
				committed.markIgnored()
			}
			return nil, nil
		}
		return nil, err
	}

	if deferred {
		r.deferBinding(req, attach)
		return nil, nil
	}

	r.recordAttachment(ref, attach, req)
	return ref, nil
}

// recordAttachment is the single place a pattern's requester is recorded
// against a Reference, whether that Reference was just committed, reused
// via a resolution-map pin, or attached by the late-arrival pass. It keeps
// the pattern set, requester/depth tracking, the monotonic optional flag,
// and the install-location list in sync with every place a request
// resolves to an existing identity.
func (r *Resolver) recordAttachment(ref *Reference, pat Pattern, req Request) {
	ref.addPattern(pat.String())
	ref.addRequest(pat.String(), req.Depth)
	ref.addOptional(req.Optional)
	ref.addLocation(locationFor(ref, req))
}

// locationFor derives the in-tree install location a Reference would
// occupy for one requester: its ancestor chain plus its own name, mirroring
// the node_modules nesting path a hoisting installer would compute from the
// same ancestry data the Resolution Map already indexes by.
func locationFor(ref *Reference, req Request) string {
	segments := append(append([]string{}, req.ParentNames...), ref.Name)
	return strings.Join(segments, "/")
}

// findResolution consults the resolution map for req, passing through
// untouched when req is a root dependency (empty ancestor chain) or the
// run is in flat mode.
func (r *Resolver) findResolution(req Request) (string, bool) {
	if len(req.ParentNames) == 0 || r.opts.Flat {
		return "", false
	}
	return r.resolutionMap.Find(req.Pattern, req.ParentNames)
}

// dropDisagreeingLockEntry removes pattern's lockfile entry when it records
// a version other than the resolution-map pin: the pin is authoritative, so
// a disagreeing entry is as good as stale.
func (r *Resolver) dropDisagreeingLockEntry(pattern, pin string) {
	if locked, ok := r.lockfile.GetLocked(pattern); ok && locked.Version != pin {
		r.lockfile.RemovePattern(pattern)
	}
}

// deferBinding records a request whose commit is held back for the
// consolidation phase.
func (r *Resolver) deferBinding(req Request, pat Pattern) {
	r.mu.Lock()
	r.delayedResolveQueue = append(r.delayedResolveQueue, deferredBinding{req: req, pat: pat})
	r.mu.Unlock()
}

// resolveDeferredBindings is Phase 2: for every binding Phase 1 deferred,
// attach it to the best (highest satisfying version) Reference now known
// for its package name, not merely whichever Reference happened to exist
// when the request was first evaluated.
func (r *Resolver) resolveDeferredBindings() error {
	r.mu.Lock()
	deferred := r.delayedResolveQueue
	r.delayedResolveQueue = nil
	r.mu.Unlock()

	for _, d := range deferred {
		best := r.bestCommitted(d.pat, d.req.Registry)
		if best == nil {
			cerr := &ConstraintError{Pattern: d.pat.String(), Reason: "no discovered candidate satisfies range by Phase 2"}
			if d.req.Optional {
				r.mu.Lock()
				r.optionalFailures = append(r.optionalFailures, cerr)
				r.mu.Unlock()
				continue
			}
			return cerr
		}
		r.recordAttachment(best, d.pat, d.req)
	}
	return nil
}

// firstCommitted returns the first committed Reference for name whose
// version equals pin, if any.
func (r *Resolver) firstCommitted(name, pin string) *Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range r.patternsByPackage[name] {
		if ref.Version == pin || (ref.Remote != nil && ref.Remote.Reference == pin) {
			return ref
		}
	}
	return nil
}

// commit is the slow path behind resolveOne's in-flight dedup: lockfile
// probe, workspace probe, existing-version short circuit (deferred rather
// than decided here), then a Backend round trip, followed by recursing
// into the winner's own dependencies. The bool return reports whether
// this request was deferred instead of committed.
func (r *Resolver) commit(ctx context.Context, pat Pattern, req Request, deferPins bool) (*Reference, bool, error) {
	if locked, ok := r.lockfile.GetLocked(pat.String()); ok && !isStale(locked, pat, r.opts.Loose) {
		infoLockHit(r.activity, pat.String())
		ref := r.refFromLockEntry(pat.Name, locked, req.Registry)
		if err := r.recurse(ctx, ref, locked.Dependencies, locked.OptionalDependencies, req); err != nil {
			return nil, false, err
		}
		return ref, false, nil
	} else if ok {
		warnStaleLockEntry(r.activity, pat.String(), locked.Version)
		if r.opts.Frozen {
			return nil, false, &frozenViolationError{Pattern: pat.String()}
		}
		r.lockfile.RemovePattern(pat.String())
	} else if r.opts.Frozen {
		return nil, false, &frozenViolationError{Pattern: pat.String()}
	}

	// A sibling workspace package satisfying the range wins over the
	// registry: the workspace acts as an in-memory registry consulted
	// first, and never triggers a network fetch.
	if wref, err := r.commitFromWorkspace(ctx, pat, req); wref != nil || err != nil {
		return wref, false, err
	}

	// Existing-version short circuit: if some already-committed Reference
	// for this package name looks like it satisfies pat right now, don't
	// commit to it immediately; defer to Phase 2, which picks the best of
	// everything Phase 1 discovers rather than whatever happened to exist
	// first. deferPins is false only on the Phase 3 resolution-map retry,
	// where deferring again would loop forever (Phase 2 has already run).
	if deferPins {
		if existing := r.reuseExisting(pat, req.Registry); existing != nil {
			return nil, true, nil
		}
	}

	infoFetch(r.activity, pat.String())

	var version string
	var manifest *Manifest
	var remote *Remote

	if isExotic(pat.Range) {
		_, eb := backendFor(pat.Range, r.backend, r.exotics)
		if eb == nil {
			return nil, false, userFailure("no exotic resolver claims range %q for %s", pat.Range, pat.Name)
		}
		var err error
		if err = r.queue.run(ctx, func() error {
			var innerErr error
			version, manifest, remote, innerErr = eb.Resolve(ctx, pat.Name, pat.Range)
			return innerErr
		}); err != nil {
			return nil, false, errors.Wrapf(err, "resolving %s", pat.String())
		}
	} else {
		if r.opts.Offline {
			return nil, false, &NetworkError{Pattern: pat.String(), Cause: errors.New("offline mode forbids registry access")}
		}
		var candidates []Candidate
		if err := r.queue.run(ctx, func() error {
			var innerErr error
			candidates, innerErr = r.backend.Versions(ctx, pat.Name)
			return innerErr
		}); err != nil {
			return nil, false, &NetworkError{Pattern: pat.String(), Cause: err}
		}
		raw := make([]string, len(candidates))
		for i, c := range candidates {
			raw[i] = c.Version
		}
		raw = sortVersionsAscending(raw, r.opts.Loose)

		chosen, ok := reduce(raw, pat.Range, r.opts.Loose)
		if !ok {
			return nil, false, &ConstraintError{Pattern: pat.String(), Candidates: raw, Reason: "no candidate satisfies range"}
		}
		version = chosen

		if err := r.queue.run(ctx, func() error {
			var innerErr error
			manifest, remote, innerErr = r.backend.Resolve(ctx, pat.Name, version)
			return innerErr
		}); err != nil {
			return nil, false, errors.Wrapf(err, "fetching manifest for %s@%s", pat.Name, version)
		}
	}

	ref := newReference(pat.Name, version, req.Registry, remote, manifest)
	applyPermissions(ref, installConfigPermissions(manifest))
	ref = r.registerCommitted(pat.Name, ref)

	var deps, optionalDeps map[string]string
	if manifest != nil {
		deps = manifest.Dependencies
		optionalDeps = manifest.OptionalDependencies
	}
	if err := r.recurse(ctx, ref, deps, optionalDeps, req); err != nil {
		return nil, false, err
	}
	return ref, false, nil
}

// commitFromWorkspace resolves pat from a sibling workspace package when one
// with the same name declares a satisfying version. Returns (nil, nil) when
// the workspace has no claim on this pattern.
func (r *Resolver) commitFromWorkspace(ctx context.Context, pat Pattern, req Request) (*Reference, error) {
	wp, ok := r.workspace.getManifestByPattern(pat.Name)
	if !ok || isExotic(pat.Range) {
		return nil, nil
	}
	if !satisfiesExisting(&Reference{Name: wp.Name, Version: wp.Version}, pat, r.opts.Loose) {
		return nil, nil
	}

	remote := &Remote{Reference: "workspace:" + wp.Dir, Kind: "workspace"}
	ref := newReference(wp.Name, wp.Version, req.Registry, remote, wp.Manifest)
	applyPermissions(ref, installConfigPermissions(wp.Manifest))
	ref = r.registerCommitted(pat.Name, ref)

	var deps, optionalDeps map[string]string
	if wp.Manifest != nil {
		deps = wp.Manifest.Dependencies
		optionalDeps = wp.Manifest.OptionalDependencies
	}
	if err := r.recurse(ctx, ref, deps, optionalDeps, req); err != nil {
		return nil, err
	}
	return ref, nil
}

// reuseExisting implements the existing-version short circuit's "does
// anything already satisfy" check: if any already-committed Reference for
// this package name still satisfies pat's range, its existence is reason
// enough to defer rather than fetch again; Phase 2 decides which one to
// actually bind to.
func (r *Resolver) reuseExisting(pat Pattern, registry string) *Reference {
	r.mu.Lock()
	candidates := append([]*Reference(nil), r.patternsByPackage[pat.Name]...)
	r.mu.Unlock()

	for _, ref := range candidates {
		if ref.Registry != registry {
			continue
		}
		if satisfiesExisting(ref, pat, r.opts.Loose) {
			return ref
		}
	}
	return nil
}

// bestCommitted scans every committed Reference for pat.Name and returns
// the one with the highest version that still satisfies pat. Exotic
// patterns match by exact remote reference rather than by version
// ordering.
func (r *Resolver) bestCommitted(pat Pattern, registry string) *Reference {
	r.mu.Lock()
	candidates := append([]*Reference(nil), r.patternsByPackage[pat.Name]...)
	r.mu.Unlock()

	var best *Reference
	var bestVersion *semver.Version
	for _, ref := range candidates {
		if ref.Registry != registry {
			continue
		}
		if !satisfiesExisting(ref, pat, r.opts.Loose) {
			continue
		}
		if isExotic(pat.Range) {
			return ref
		}
		v, err := parseSemver(ref.Version, r.opts.Loose)
		if err != nil {
			if best == nil {
				best = ref
			}
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best = ref
			bestVersion = v
		}
	}
	return best
}

func (r *Resolver) refFromLockEntry(name string, e *LockEntry, registry string) *Reference {
	remote := &Remote{Resolved: e.Resolved, Integrity: splitIntegrity(e.Integrity), Registry: e.Registry, Kind: "registry"}
	m := &Manifest{Name: name, Version: e.Version, Dependencies: e.Dependencies, OptionalDependencies: e.OptionalDependencies}
	ref := newReference(name, e.Version, registry, remote, m)
	ref.Fresh = false
	if e.UID != "" {
		ref.UID = e.UID
	}
	applyPermissions(ref, e.Permissions)
	return r.registerCommitted(name, ref)
}

func splitIntegrity(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// installConfigPermissions projects the install-time boolean flags a
// manifest may declare under InstallConfig (ignoreScripts, ignorePlatform,
// ignoreEngines) onto the permissions map a Reference carries, so the
// lockfile can round-trip them (GetLockfile reads them back via
// Reference.hasPermission).
func installConfigPermissions(m *Manifest) map[string]bool {
	if m == nil || m.InstallConfig == nil {
		return nil
	}
	perms := make(map[string]bool, len(permissionKeys))
	for _, key := range permissionKeys {
		if v, ok := m.InstallConfig[key]; ok {
			if b, ok := v.(bool); ok {
				perms[key] = b
			}
		}
	}
	if len(perms) == 0 {
		return nil
	}
	return perms
}

func applyPermissions(ref *Reference, perms map[string]bool) {
	for k, v := range perms {
		ref.setPermission(k, v)
	}
}

// registerCommitted records a freshly built Reference in the committed
// tables, collapsing duplicate identities: if a Reference with the same
// (name, version, remote-key) already exists, the existing one wins and is
// returned instead of ref.
func (r *Resolver) registerCommitted(name string, ref *Reference) *Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identityKey(name, ref.Version, ref.Remote)
	for _, existing := range r.patternsByPackage[name] {
		if identityKey(existing.Name, existing.Version, existing.Remote) == key {
			return existing
		}
	}
	r.patterns[fetchKey(ref.Registry, name+"@"+ref.UID)] = ref
	r.patternsByPackage[name] = append(r.patternsByPackage[name], ref)
	return ref
}

// prune removes every pattern attached to ref from the committed tables,
// dropping the Reference itself once nothing points at it.
func (r *Resolver) prune(ref *Reference) {
	for _, p := range ref.Patterns() {
		ref.removePattern(p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.patterns, fetchKey(ref.Registry, ref.Name+"@"+ref.UID))
	refs := r.patternsByPackage[ref.Name]
	kept := refs[:0]
	for _, existing := range refs {
		if existing != ref {
			kept = append(kept, existing)
		}
	}
	r.patternsByPackage[ref.Name] = kept
}

// recurse fans out over a resolved package's dependency maps, honoring
// bounded concurrency via the shared fetchQueue/errgroup. Dependencies
// declared under optionalDependencies spawn optional child Requests, as
// does every child of an already-optional requester. The requester's own
// ancestor chain is extended by one segment so nested resolution-map globs
// see the full path from the root.
func (r *Resolver) recurse(ctx context.Context, parent *Reference, deps, optionalDeps map[string]string, parentReq Request) error {
	if len(deps)+len(optionalDeps) == 0 {
		return nil
	}
	all := make(map[string]string, len(deps)+len(optionalDeps))
	optional := make(map[string]bool, len(optionalDeps))
	for name, rng := range deps {
		all[name] = rng
	}
	for name, rng := range optionalDeps {
		all[name] = rng
		optional[name] = true
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	parent.addDependencies(names)

	parentNames := append(append([]string{}, parentReq.ParentNames...), parent.Name)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		pat := name + "@" + all[name]
		req := Request{
			Pattern:     pat,
			ParentNames: parentNames,
			Depth:       parentReq.Depth + 1,
			Registry:    parent.Registry,
			Optional:    parentReq.Optional || optional[name],
		}
		r.goResolveOne(g, gctx, req, true)
	}
	return g.Wait()
}

// refForName returns a deterministic representative committed Reference
// for name, used by the topological/level-order traversals to step from a
// dependency name (recorded by addDependencies) to the Reference it
// resolved to. When flat mode or the existing-version short circuit has
// already collapsed a name to one Reference this is unambiguous; otherwise
// the highest version is picked, matching bestCommitted's tie-break.
func (r *Resolver) refForName(name string) *Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.patternsByPackage[name]
	if len(refs) == 0 {
		return nil
	}
	best := refs[0]
	bestVersion, err := parseSemver(best.Version, r.opts.Loose)
	for _, ref := range refs[1:] {
		v, vErr := parseSemver(ref.Version, r.opts.Loose)
		switch {
		case err != nil && vErr == nil:
			best, bestVersion, err = ref, v, vErr
		case err == nil && vErr == nil && v.GreaterThan(bestVersion):
			best, bestVersion, err = ref, v, vErr
		}
	}
	return best
}

// GetTopologicalManifests returns every Reference reachable from
// seedPatterns in dependency-first (DFS post-order) order: a Reference is
// appended only after every one of its own dependencies has already been
// appended. A seen set keyed by Reference identity guarantees each node is
// visited once regardless of cycles or diamond dependencies.
func (r *Resolver) GetTopologicalManifests(seedPatterns []string) []*Reference {
	seen := make(map[*Reference]bool)
	var out []*Reference
	var visit func(ref *Reference)
	visit = func(ref *Reference) {
		if ref == nil || seen[ref] {
			return
		}
		seen[ref] = true
		for _, dep := range ref.DependencyNames() {
			visit(r.refForName(dep))
		}
		out = append(out, ref)
	}
	for _, pattern := range seedPatterns {
		visit(r.refForName(normalizePattern(pattern).Name))
	}
	return out
}

// GetLevelOrderManifests returns every Reference reachable from
// seedPatterns in BFS level order: every root first, then everything one
// hop away, and so on. Like GetTopologicalManifests it keeps its own
// identity-keyed seen set, so the same O(V+E) guarantee holds.
func (r *Resolver) GetLevelOrderManifests(seedPatterns []string) []*Reference {
	seen := make(map[*Reference]bool)
	var out []*Reference
	var queue []*Reference
	for _, pattern := range seedPatterns {
		if ref := r.refForName(normalizePattern(pattern).Name); ref != nil && !seen[ref] {
			seen[ref] = true
			queue = append(queue, ref)
		}
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		out = append(out, ref)
		for _, dep := range ref.DependencyNames() {
			child := r.refForName(dep)
			if child != nil && !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return out
}

// collapsePackageVersions implements flat mode: every package name must
// resolve to exactly one committed version. For each name with more than
// one collapsible Reference, it searches the distinct already-resolved
// versions in descending order for the highest one that satisfies every
// range attached across all of them, not simply the highest version among
// them, which can fail to satisfy a more restrictive sibling range (^1.0.0
// and ~1.0.1 over {1.0.0, 1.0.5, 1.1.0} must collapse to 1.0.5, not the
// overall-highest 1.1.0). References with a still-valid lockfile entry or
// a workspace remote are excluded from collapsing entirely, left pinned to
// their own version.
func (r *Resolver) collapsePackageVersions() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, refs := range r.patternsByPackage {
		if len(refs) <= 1 {
			continue
		}

		collapsible, excluded := r.partitionCollapsible(refs)
		if len(collapsible) <= 1 {
			continue
		}

		var ranges []string
		versions := make([]string, 0, len(collapsible))
		byVersion := make(map[string]*Reference, len(collapsible))
		for _, ref := range collapsible {
			if _, ok := byVersion[ref.Version]; !ok {
				versions = append(versions, ref.Version)
				byVersion[ref.Version] = ref
			}
			for _, p := range ref.Patterns() {
				ranges = append(ranges, normalizePattern(p).Range)
			}
		}

		descending := sortVersionsAscending(versions, r.opts.Loose)
		for i, j := 0, len(descending)-1; i < j; i, j = i+1, j-1 {
			descending[i], descending[j] = descending[j], descending[i]
		}

		var winner *Reference
		for _, v := range descending {
			if satisfiesAllRanges(v, ranges, r.opts.Loose) {
				winner = byVersion[v]
				break
			}
		}
		if winner == nil {
			return &ConstraintError{Pattern: name, Candidates: versions, Reason: "flat mode: no single version satisfies every range in " + strings.Join(ranges, ", ")}
		}

		for _, ref := range collapsible {
			if ref == winner {
				continue
			}
			for _, p := range ref.Patterns() {
				winner.addPattern(p)
				ref.removePattern(p)
			}
		}

		kept := append([]*Reference{}, excluded...)
		for _, ref := range collapsible {
			if ref == winner || len(ref.Patterns()) > 0 {
				kept = append(kept, ref)
			} else {
				delete(r.patterns, fetchKey(ref.Registry, ref.Name+"@"+ref.UID))
			}
		}
		r.patternsByPackage[name] = kept
	}
	return nil
}

// partitionCollapsible splits refs into those eligible for flat-mode
// collapsing and those excluded because at least one of their attached
// patterns still has a live (non-stale) lockfile entry, or because they
// resolved from a workspace sibling rather than a registry. Both must stay
// pinned to their own version.
func (r *Resolver) partitionCollapsible(refs []*Reference) (collapsible, excluded []*Reference) {
	for _, ref := range refs {
		if ref.Remote != nil && ref.Remote.Kind == "workspace" {
			excluded = append(excluded, ref)
			continue
		}
		pinned := false
		for _, p := range ref.Patterns() {
			if locked, ok := r.lockfile.GetLocked(p); ok && !isStale(locked, normalizePattern(p), r.opts.Loose) {
				pinned = true
				break
			}
		}
		if pinned {
			excluded = append(excluded, ref)
			continue
		}
		collapsible = append(collapsible, ref)
	}
	return collapsible, excluded
}

// satisfiesAllRanges reports whether version satisfies every range in
// ranges; exotic and version-less ranges ("latest"/"*") never constrain the
// intersection.
func satisfiesAllRanges(version string, ranges []string, loose bool) bool {
	for _, rng := range ranges {
		if rng == "latest" || rng == "*" || rng == "" || isExotic(rng) {
			continue
		}
		if _, ok := reduce([]string{version}, rng, loose); !ok {
			return false
		}
	}
	return true
}

// requestFetchKey is the in-flight dedup key for one request:
// registry:pattern:optional. Two requests sharing this key always resolve
// identically, so only the first triggers a commit.
func requestFetchKey(registry, pattern string, optional bool) string {
	return fetchKey(registry, pattern) + ":" + strconv.FormatBool(optional)
}
