package resolve

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// WorkspacePackage is one discovered member of a workspace: its declared
// name/version plus the directory it lives in.
type WorkspacePackage struct {
	Name     string
	Version  string
	Dir      string
	Manifest *Manifest
	Nohoist  bool
}

// WorkspaceLayout resolves sibling workspace packages to local directories
// instead of a registry, and enforces the private/nohoist rules for
// multi-project workspaces.
type WorkspaceLayout struct {
	Root     string
	Packages map[string]*WorkspacePackage
	Nohoist  map[string]bool
}

// FindWorkspaceRoot walks upward from dir looking for a manifest declaring
// a non-empty workspaces field whose package globs cover dir (the starting
// directory itself counts as covered). Workspaces are declared at the root
// and discovered by globbing, never nested. Returns ("", nil, nil) when no
// ancestor qualifies.
func FindWorkspaceRoot(dir string, loadManifest func(string) (*Manifest, error)) (string, *Manifest, error) {
	initial, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, errors.Wrap(err, "resolving workspace root")
	}
	cur := initial
	for {
		m, err := loadManifest(cur)
		if err == nil && !m.Workspaces.IsZero() && workspaceGlobsCover(cur, initial, m.Workspaces.Packages) {
			return cur, m, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", nil, nil
		}
		cur = parent
	}
}

// workspaceGlobsCover reports whether initial is root itself or matches one
// of root's workspace package globs.
func workspaceGlobsCover(root, initial string, globs []string) bool {
	rel, err := filepath.Rel(root, initial)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	for _, g := range globs {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// ResolveWorkspaces is the exported entry point cmd/kiln uses: it expands
// root's declared workspace globs (and nohoist globs) into a WorkspaceLayout,
// reading each candidate directory's manifest via loadManifest. A root
// declaring workspaces must be private, and nohoist additionally requires
// the feature to be enabled.
func ResolveWorkspaces(root string, rootManifest *Manifest, nohoistEnabled bool, loadManifest func(string) (*Manifest, error)) (*WorkspaceLayout, error) {
	if len(rootManifest.Workspaces.Packages) > 0 && !rootManifest.Private {
		return nil, userFailure("a manifest declaring workspaces must set private: true")
	}
	if len(rootManifest.Workspaces.Nohoist) > 0 {
		if !rootManifest.Private {
			return nil, userFailure("workspaces.nohoist requires private: true")
		}
		if !nohoistEnabled {
			return nil, userFailure("workspaces.nohoist is declared but the nohoist feature is disabled")
		}
	}
	return resolveWorkspaces(root, rootManifest.Workspaces.Packages, rootManifest.Workspaces.Nohoist, loadManifest)
}

// resolveWorkspaces expands the root manifest's workspace globs into
// concrete package directories by walking the tree with godirwalk, reading
// each candidate directory's manifest via loadManifest.
func resolveWorkspaces(root string, globs []string, nohoistGlobs []string, loadManifest func(string) (*Manifest, error)) (*WorkspaceLayout, error) {
	layout := &WorkspaceLayout{
		Root:     root,
		Packages: make(map[string]*WorkspacePackage),
		Nohoist:  make(map[string]bool),
	}

	dirs, err := expandGlobs(root, globs)
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		m, err := loadManifest(dir)
		if err != nil {
			continue // not every matched directory need carry a manifest
		}
		if m.Name == "" {
			return nil, userFailure("workspace member at %s declares no name", dir)
		}
		if m.Version == "" {
			return nil, userFailure("workspace member %q at %s declares no version", m.Name, dir)
		}
		if _, dup := layout.Packages[m.Name]; dup {
			return nil, userFailure("duplicate workspace package name %q", m.Name)
		}
		layout.Packages[m.Name] = &WorkspacePackage{Name: m.Name, Version: m.Version, Dir: dir, Manifest: m}
	}

	nohoistDirs, err := expandGlobs(root, nohoistGlobs)
	if err != nil {
		return nil, err
	}
	nohoistSet := make(map[string]bool, len(nohoistDirs))
	for _, d := range nohoistDirs {
		nohoistSet[d] = true
	}
	for _, wp := range layout.Packages {
		if nohoistSet[wp.Dir] {
			wp.Nohoist = true
			layout.Nohoist[wp.Name] = true
		}
	}

	return layout, nil
}

// expandGlobs walks root once with godirwalk and matches every directory
// against each glob pattern, returning absolute directories in sorted
// order for deterministic resolution.
func expandGlobs(root string, globs []string) ([]string, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	var matches []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				return nil
			}
			if strings.Contains(path, string(filepath.Separator)+"node_modules"+string(filepath.Separator)) {
				return filepath.SkipDir
			}
			rel, err := filepath.Rel(root, path)
			if err != nil || rel == "." {
				return nil
			}
			for _, g := range globs {
				if ok, _ := filepath.Match(g, rel); ok {
					matches = append(matches, path)
					break
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking workspace tree")
	}
	sort.Strings(matches)
	return matches, nil
}

// getManifestByPattern looks up a sibling workspace package by name in
// Packages, with no network call. It does not check the requested range;
// the caller does.
func (w *WorkspaceLayout) getManifestByPattern(name string) (*WorkspacePackage, bool) {
	if w == nil {
		return nil, false
	}
	wp, ok := w.Packages[name]
	return wp, ok
}

// Resolve implements ExoticBackend for "workspace:" ranges, satisfying
// requests for sibling packages without a registry round trip.
func (w *WorkspaceLayout) Resolve(_ context.Context, name, _ string) (string, *Manifest, *Remote, error) {
	wp, ok := w.getManifestByPattern(name)
	if !ok {
		return "", nil, nil, userFailure("no workspace package named %q", name)
	}
	if wp.Manifest.Private && !wp.Nohoist {
		return "", nil, nil, userFailure("workspace package %q is private and cannot be depended on outside its workspace", name)
	}
	remote := &Remote{Reference: "workspace:" + wp.Dir, Kind: "workspace"}
	return wp.Version, wp.Manifest, remote, nil
}

func (w *WorkspaceLayout) Prefixes() []string { return []string{"workspace:"} }

var _ ExoticBackend = (*WorkspaceLayout)(nil)
