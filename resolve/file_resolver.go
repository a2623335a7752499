package resolve

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileResolver satisfies "file:" and "link:" ranges: a local directory
// treated as a package, read directly off disk rather than fetched.
type FileResolver struct {
	// Root anchors relative file:/link: paths; typically the directory
	// containing the manifest that declared the range.
	Root string
}

func (f *FileResolver) Prefixes() []string { return []string{"file:", "link:"} }

func (f *FileResolver) Resolve(_ context.Context, name, rng string) (string, *Manifest, *Remote, error) {
	kind := "file"
	path := strings.TrimPrefix(rng, "file:")
	if strings.HasPrefix(rng, "link:") {
		kind = "link"
		path = strings.TrimPrefix(rng, "link:")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.Root, path)
	}

	data, err := os.ReadFile(filepath.Join(path, "package.json"))
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "reading manifest for %s at %s", name, path)
	}

	var doc struct {
		Name                 string            `json:"name"`
		Version              string            `json:"version"`
		Dependencies         map[string]string `json:"dependencies"`
		OptionalDependencies map[string]string `json:"optionalDependencies"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, nil, errors.Wrapf(err, "parsing manifest at %s", path)
	}

	m := &Manifest{
		Name:                 name,
		Version:              doc.Version,
		Dependencies:         doc.Dependencies,
		OptionalDependencies: doc.OptionalDependencies,
	}
	remote := &Remote{
		Reference: rng,
		Hash:      shortHash(path),
		Kind:      kind,
	}
	return doc.Version, m, remote, nil
}

var _ ExoticBackend = (*FileResolver)(nil)
