package resolve

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/pkg/errors"
)

// VCSResolver satisfies git/ssh/http(s) "git+..."-prefixed exotic ranges by
// cloning (or updating an existing clone of) the repository and checking
// out the requested ref.
type VCSResolver struct {
	// CacheDir is where repository clones are kept between resolutions so
	// repeated requests for the same repo don't reclone.
	CacheDir string
}

func (r *VCSResolver) Prefixes() []string {
	return []string{"git://", "git+ssh://", "git+https://", "git+http://", "ssh://"}
}

func (r *VCSResolver) Resolve(_ context.Context, name, rng string) (string, *Manifest, *Remote, error) {
	repoURL, ref := splitVCSRef(rng)
	dir := filepath.Join(r.CacheDir, shortHash(repoURL))

	repo, err := vcs.NewRepo(normalizeVCSURL(repoURL), dir)
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "constructing vcs repo for %s", name)
	}

	if repo.CheckLocal() {
		if err := repo.Update(); err != nil {
			return "", nil, nil, errors.Wrapf(err, "updating vcs checkout for %s", name)
		}
	} else {
		if err := repo.Get(); err != nil {
			return "", nil, nil, errors.Wrapf(err, "cloning %s for %s", repoURL, name)
		}
	}

	if ref != "" {
		if err := repo.UpdateVersion(ref); err != nil {
			return "", nil, nil, errors.Wrapf(err, "checking out %s for %s", ref, name)
		}
	}

	rev, err := repo.Version()
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "reading checked-out revision for %s", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "reading manifest for %s from vcs checkout", name)
	}
	var doc struct {
		Version              string            `json:"version"`
		Dependencies         map[string]string `json:"dependencies"`
		OptionalDependencies map[string]string `json:"optionalDependencies"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, nil, errors.Wrapf(err, "parsing manifest for %s from vcs checkout", name)
	}

	m := &Manifest{
		Name:                 name,
		Version:              doc.Version,
		Dependencies:         doc.Dependencies,
		OptionalDependencies: doc.OptionalDependencies,
	}
	remote := &Remote{
		Reference: rng,
		Hash:      rev,
		Kind:      "git",
	}
	return doc.Version, m, remote, nil
}

// splitVCSRef separates a "git+https://host/repo#ref" range into its
// repository URL and optional ref.
func splitVCSRef(rng string) (string, string) {
	idx := strings.LastIndex(rng, "#")
	if idx < 0 {
		return rng, ""
	}
	return rng[:idx], rng[idx+1:]
}

// normalizeVCSURL strips the "git+" scheme prefix kiln ranges use (the
// underlying vcs library expects plain git://, https://, ssh:// URLs).
func normalizeVCSURL(u string) string {
	return strings.TrimPrefix(u, "git+")
}

var _ ExoticBackend = (*VCSResolver)(nil)
