package resolve

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, version string, private bool) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	contents := `{"name":"` + name + `","version":"` + version + `"`
	if private {
		contents += `,"private":true`
	}
	contents += `}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func loadTestManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, err
	}
	var doc struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Private bool   `json:"private"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &Manifest{Name: doc.Name, Version: doc.Version, Private: doc.Private}, nil
}

func TestResolveWorkspaces(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "packages", "core"), "core", "1.0.0", false)
	writeManifest(t, filepath.Join(root, "packages", "internal-only"), "internal-only", "1.0.0", true)

	rootManifest := &Manifest{
		Name:       "monorepo",
		Private:    true,
		Workspaces: WorkspacesField{Packages: []string{"packages/*"}, Nohoist: []string{"packages/internal-only"}},
	}

	layout, err := ResolveWorkspaces(root, rootManifest, true, loadTestManifest)
	if err != nil {
		t.Fatalf("ResolveWorkspaces: %v", err)
	}

	if _, ok := layout.Packages["core"]; !ok {
		t.Error("expected core workspace package to be discovered")
	}
	if _, ok := layout.Packages["internal-only"]; !ok {
		t.Error("expected internal-only workspace package to be discovered")
	}
	if !layout.Nohoist["internal-only"] {
		t.Error("expected internal-only to be marked nohoist")
	}
}

func TestResolveWorkspacesRequiresPrivateRoot(t *testing.T) {
	rootManifest := &Manifest{
		Name:       "monorepo",
		Workspaces: WorkspacesField{Packages: []string{"packages/*"}},
	}
	_, err := ResolveWorkspaces(t.TempDir(), rootManifest, false, loadTestManifest)
	if err == nil {
		t.Fatal("expected an error for a non-private workspace root")
	}
}

func TestResolveWorkspacesNohoistRequiresFeature(t *testing.T) {
	rootManifest := &Manifest{
		Name:       "monorepo",
		Private:    true,
		Workspaces: WorkspacesField{Packages: []string{"packages/*"}, Nohoist: []string{"packages/x"}},
	}
	_, err := ResolveWorkspaces(t.TempDir(), rootManifest, false, loadTestManifest)
	if err == nil {
		t.Fatal("expected an error when nohoist is declared but the feature is disabled")
	}
}

func TestFindWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	memberDir := filepath.Join(root, "packages", "core")
	writeManifest(t, memberDir, "core", "1.0.0", false)
	rootJSON := `{"name":"monorepo","version":"1.0.0","private":true,"workspaces":["packages/*"]}`
	if err := os.WriteFile(filepath.Join(root, "package.json"), []byte(rootJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	load := func(dir string) (*Manifest, error) {
		data, err := os.ReadFile(filepath.Join(dir, "package.json"))
		if err != nil {
			return nil, err
		}
		var doc struct {
			Name       string   `json:"name"`
			Private    bool     `json:"private"`
			Workspaces []string `json:"workspaces"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &Manifest{Name: doc.Name, Private: doc.Private, Workspaces: WorkspacesField{Packages: doc.Workspaces}}, nil
	}

	got, m, err := FindWorkspaceRoot(memberDir, load)
	if err != nil {
		t.Fatal(err)
	}
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != resolvedRoot {
		t.Errorf("FindWorkspaceRoot = %q, want %q", got, root)
	}
	if m == nil || m.Name != "monorepo" {
		t.Errorf("root manifest = %+v, want monorepo", m)
	}
}

func TestWorkspaceLayoutResolvePrivateRejected(t *testing.T) {
	layout := &WorkspaceLayout{
		Packages: map[string]*WorkspacePackage{
			"secret": {Name: "secret", Version: "1.0.0", Manifest: &Manifest{Name: "secret", Private: true}},
		},
	}
	_, _, _, err := layout.Resolve(context.Background(), "secret", "workspace:packages/secret")
	if err == nil {
		t.Fatal("expected an error resolving a private workspace package")
	}
}

func TestWorkspaceLayoutResolveUnknown(t *testing.T) {
	layout := &WorkspaceLayout{Packages: map[string]*WorkspacePackage{}}
	_, _, _, err := layout.Resolve(context.Background(), "missing", "workspace:packages/missing")
	if err == nil {
		t.Fatal("expected an error for an unknown workspace package")
	}
}
