package resolve

// Manifest is the normalized form of a manifest file, the subset of
// fields the resolver consumes. Registry Backends are responsible for
// producing one of these from whatever on-disk format they own
// (package.json-shaped JSON, for the concrete backend kiln ships).
type Manifest struct {
	Name    string
	Version string

	Dependencies         map[string]string
	DevDependencies      map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string

	Resolutions map[string]string
	Workspaces  WorkspacesField
	Private     bool

	// InstallConfig carries manifest-declared install-time flags (ignore
	// scripts, etc.) that the resolver passes through but never interprets.
	InstallConfig map[string]interface{}

	// Back-references attached during resolution.
	reference *Reference
	remote    *Remote
	uid       string
	registry  string
	loc       string
}

// WorkspacesField models the root manifest's `workspaces` key, which may be
// a bare glob array (shorthand for Packages) or the full object form.
type WorkspacesField struct {
	Packages []string
	Nohoist  []string
}

// IsZero reports whether no workspaces were declared at all.
func (w WorkspacesField) IsZero() bool {
	return len(w.Packages) == 0 && len(w.Nohoist) == 0
}

// allDependencies returns the dependency maps the resolver should walk for
// a non-root manifest: dependencies + optionalDependencies. devDependencies
// and peerDependencies are never recursed into for non-root packages.
func (m *Manifest) allDependencies() map[string]string {
	out := make(map[string]string, len(m.Dependencies)+len(m.OptionalDependencies))
	for k, v := range m.Dependencies {
		out[k] = v
	}
	for k, v := range m.OptionalDependencies {
		out[k] = v
	}
	return out
}

// rootDependencies returns every dependency map the root manifest
// contributes to the initial request seed, honoring the production flag:
// devDependencies is included only when production is false.
func (m *Manifest) rootDependencies(production bool) map[string]string {
	out := m.allDependencies()
	if !production {
		for k, v := range m.DevDependencies {
			out[k] = v
		}
	}
	for k, v := range m.PeerDependencies {
		out[k] = v
	}
	return out
}
