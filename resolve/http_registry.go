package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kilnpm/kiln/config"
	"github.com/pkg/errors"
)

// httpPackageDoc is the subset of a registry package document kiln reads:
// every published version's manifest-shaped metadata plus its tarball
// location and integrity hashes.
type httpPackageDoc struct {
	Name     string                    `json:"name"`
	Versions map[string]httpVersionDoc `json:"versions"`
}

type httpVersionDoc struct {
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	Dist                 struct {
		Tarball   string   `json:"tarball"`
		Shasum    string   `json:"shasum"`
		Integrity []string `json:"integrity"`
	} `json:"dist"`
}

// HTTPRegistry is the reference Backend implementation: a registry served
// over plain HTTP/JSON, one document per package name listing every
// published version.
type HTTPRegistry struct {
	BaseURL string
	Client  *http.Client

	// docs memoizes one fetch per package name for the lifetime of a run:
	// Versions and Resolve both need the same document, and a package
	// frequently gets asked for both (and asked more than once across
	// unrelated Requests), so without this every such pair doubles the
	// registry's HTTP traffic.
	docs *config.Cache
}

// NewHTTPRegistry returns an HTTPRegistry pointed at baseURL (no trailing
// slash), with a bounded request timeout. cache may be nil, in which case
// a private one is created (no sharing across Backend instances, but
// still deduplicated within this one).
func NewHTTPRegistry(baseURL string, cache *config.Cache) *HTTPRegistry {
	if cache == nil {
		cache = config.NewCache()
	}
	return &HTTPRegistry{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
		docs:    cache,
	}
}

func (h *HTTPRegistry) Filename() string { return "package.json" }

func (h *HTTPRegistry) LoadConfig() error { return nil }

func (h *HTTPRegistry) Versions(ctx context.Context, name string) ([]Candidate, error) {
	doc, err := h.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	raw := make([]string, 0, len(doc.Versions))
	for v := range doc.Versions {
		raw = append(raw, v)
	}
	out := make([]Candidate, 0, len(raw))
	for _, v := range sortVersionsAscending(raw, false) {
		vd := doc.Versions[v]
		out = append(out, Candidate{
			Version: v,
			Remote: Remote{
				Resolved:  vd.Dist.Tarball,
				Integrity: vd.Dist.Integrity,
				Registry:  h.BaseURL,
				Kind:      "registry",
			},
		})
	}
	return out, nil
}

func (h *HTTPRegistry) Resolve(ctx context.Context, name, version string) (*Manifest, *Remote, error) {
	doc, err := h.fetch(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	vd, ok := doc.Versions[version]
	if !ok {
		return nil, nil, errors.Errorf("registry %s has no version %s for %s", h.BaseURL, version, name)
	}
	m := &Manifest{
		Name:                 name,
		Version:              version,
		Dependencies:         vd.Dependencies,
		DevDependencies:      vd.DevDependencies,
		OptionalDependencies: vd.OptionalDependencies,
		PeerDependencies:     vd.PeerDependencies,
	}
	remote := &Remote{
		Resolved:  vd.Dist.Tarball,
		Integrity: vd.Dist.Integrity,
		Registry:  h.BaseURL,
		Kind:      "registry",
	}
	return m, remote, nil
}

func (h *HTTPRegistry) fetch(ctx context.Context, name string) (*httpPackageDoc, error) {
	v, err := h.docs.GetOrCreate(h.BaseURL+"|"+name, func() (interface{}, error) {
		return h.fetchUncached(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*httpPackageDoc), nil
}

func (h *HTTPRegistry) fetchUncached(ctx context.Context, name string) (*httpPackageDoc, error) {
	url := fmt.Sprintf("%s/%s", h.BaseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", url)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, userFailure("package %q not found on registry %s", name, h.BaseURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("registry %s returned status %d for %s", h.BaseURL, resp.StatusCode, name)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response for %s", url)
	}

	var doc httpPackageDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing registry document for %s", name)
	}
	return &doc, nil
}

var _ Backend = (*HTTPRegistry)(nil)
