package resolve

import "context"

// Candidate is one available version for a package name, as reported by a
// Registry Backend, along with enough information to build a Manifest and
// Remote once the Constraint Reducer has picked a winner.
type Candidate struct {
	Version string
	Remote  Remote
}

// Backend is the contract the Resolver consumes: for this name, give me
// available versions and remote info. Concrete backends (HTTP registries,
// exotic file/link/VCS/workspace resolvers) are external to the resolver
// core; kiln ships one reference HTTP backend and a set of exotic
// resolvers that implement this same interface.
type Backend interface {
	// Filename is the manifest file name this registry's packages are
	// described by (e.g. "package.json").
	Filename() string

	// LoadConfig hydrates backend-specific settings from rc files and
	// environment.
	LoadConfig() error

	// Versions returns every available version for name, pre-sorted
	// ascending, along with enough per-version metadata to resolve a
	// candidate into a Manifest+Remote once chosen.
	Versions(ctx context.Context, name string) ([]Candidate, error)

	// Resolve fetches the manifest and remote descriptor for name at the
	// given concrete version.
	Resolve(ctx context.Context, name, version string) (*Manifest, *Remote, error)
}

// ExoticBackend is selected instead of a registry Backend when a pattern's
// range is exotic. Exotic resolvers exist in parallel and are selected by
// inspecting the range prefix.
type ExoticBackend interface {
	// Prefixes lists the range prefixes this resolver claims (e.g.
	// "file:", "git+ssh://").
	Prefixes() []string

	// Resolve produces the concrete version/manifest/remote for an exotic
	// range. version is often derived from the exotic source itself (a
	// workspace's declared version, a git describe tag, etc.).
	Resolve(ctx context.Context, name, rng string) (version string, m *Manifest, remote *Remote, err error)
}

// backendFor selects the right backend for a pattern's range: an
// ExoticBackend when the range is exotic, else the registry Backend.
func backendFor(rng string, registry Backend, exotics []ExoticBackend) (Backend, ExoticBackend) {
	if !isExotic(rng) {
		return registry, nil
	}
	for _, eb := range exotics {
		for _, prefix := range eb.Prefixes() {
			if hasExoticPrefix(rng, prefix) {
				return nil, eb
			}
		}
	}
	return nil, nil
}

func hasExoticPrefix(rng, prefix string) bool {
	if len(rng) < len(prefix) {
		return false
	}
	return rng[:len(prefix)] == prefix
}
