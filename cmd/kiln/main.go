// Command kiln resolves a project's dependency graph and writes a
// lockfile. It is a thin wrapper around package resolve: all the flag
// parsing below does is assemble a resolve.Options and a config.Config and
// hand off to the resolver core, with no CLI framework involved.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnpm/kiln/config"
	"github.com/kilnpm/kiln/mutex"
	"github.com/kilnpm/kiln/resolve"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("kiln", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		flatFlag       = fs.Bool("flat", false, "require a single resolved version per package name")
		frozenFlag     = fs.Bool("frozen-lockfile", false, "fail instead of producing a changed lockfile")
		productionFlag = fs.Bool("production", false, "skip devDependencies")
		looseFlag      = fs.Bool("loose-semver", false, "tolerate non-strict version strings")
		offlineFlag    = fs.Bool("offline", false, "forbid registry access")
		focusFlag      = fs.Bool("focus", false, "install remote copies of a single workspace's siblings")
		verboseFlag    = fs.Bool("verbose", false, "emit progress information")
		mutexSpec      = fs.String("mutex", "", "single-instance mutex specifier: file[:path] or network[:port]")
	)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(stderr, "kiln: failed to get working directory:", err)
		return 1
	}

	rcSource, err := loadRCSource(wd)
	if err != nil {
		fmt.Fprintln(stderr, "kiln:", err)
		return 1
	}

	flagSource := config.Source{
		Production:  productionFlag,
		Flat:        flatFlag,
		Frozen:      frozenFlag,
		LooseSemver: looseFlag,
		Offline:     offlineFlag,
		Focus:       focusFlag,
	}
	cfg := config.Build(rcSource, config.FromEnvironment(), flagSource)
	cfg.Cwd = wd

	activity := resolve.NewLogger(stdout, *verboseFlag)

	if err := os.MkdirAll(cfg.CacheFolder, 0o755); err != nil {
		fmt.Fprintln(stderr, "kiln: failed to create cache folder:", err)
		return 1
	}

	m, err := buildMutex(*mutexSpec, cfg, activity)
	if err != nil {
		fmt.Fprintln(stderr, "kiln:", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := m.Lock(ctx); err != nil {
		fmt.Fprintln(stderr, "kiln: failed to acquire single-instance lock:", err)
		return 1
	}
	defer m.Unlock()

	root, err := loadManifestAt(wd)
	if err != nil {
		fmt.Fprintln(stderr, "kiln:", err)
		return 1
	}

	ws, err := discoverWorkspace(wd, root, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "kiln:", err)
		return 1
	}
	if *focusFlag && ws != nil && !root.Workspaces.IsZero() {
		fmt.Fprintln(stderr, "kiln: --focus cannot be used at the workspace root itself")
		return 1
	}

	lf, parseResult, err := resolve.FromDirectory(cfg.LockfileFolder, "kiln.lock")
	if err != nil {
		fmt.Fprintln(stderr, "kiln: failed to read lockfile:", err)
		return 1
	}
	if parseResult == resolve.ParseConflict {
		activity.Warnf("lockfile contained unresolved merge conflict markers; proceeding with a best-effort reconciliation")
	}

	client := httpClientFor(cfg)
	backend := resolve.NewHTTPRegistry(cfg.Registry, cfg.Cache)
	backend.Client = client
	exotics := []resolve.ExoticBackend{
		&resolve.FileResolver{Root: wd},
		&resolve.VCSResolver{CacheDir: filepath.Join(cfg.CacheFolder, "vcs")},
		&resolve.TarballResolver{Client: client},
	}
	if ws != nil {
		exotics = append(exotics, ws)
	}

	resolver := resolve.NewResolver(backend, exotics, resolve.NewResolutionMap(mergedResolutions(cfg, root)), lf, ws, resolve.Options{
		Production:  cfg.Production,
		Flat:        cfg.Flat,
		Frozen:      cfg.Frozen,
		Loose:       cfg.LooseSemver,
		Offline:     cfg.Offline,
		Concurrency: cfg.NetworkConcurrency,
		Activity:    activity,
	})

	result, err := resolver.Resolve(ctx, root)
	if err != nil {
		var unexpected *resolve.UnexpectedError
		if errors.As(err, &unexpected) {
			if path, dumpErr := resolve.DumpBugReport(cfg.CacheFolder, err, root, lf); dumpErr == nil {
				fmt.Fprintln(stderr, "kiln: unexpected error, details written to", path)
			}
		}
		fmt.Fprintln(stderr, "kiln:", resolve.TraceStringFor(err))
		return exitCodeFor(err)
	}

	if err := os.WriteFile(filepath.Join(cfg.LockfileFolder, "kiln.lock"), []byte(result.Lockfile.Serialize()), 0o644); err != nil {
		fmt.Fprintln(stderr, "kiln: failed to write lockfile:", err)
		return 1
	}

	fmt.Fprintf(stdout, "resolved %d packages\n", len(result.Patterns))
	return 0
}

// exitCodeFor maps a resolution failure to the process exit code: a
// ProcessTermError (a spawned VCS helper exiting non-zero) passes its own
// exit code through; everything else is a generic failure.
func exitCodeFor(err error) int {
	var pte *resolve.ProcessTermError
	if errors.As(err, &pte) && pte.ExitCode != 0 {
		return pte.ExitCode
	}
	return 1
}

func loadRCSource(wd string) (config.Source, error) {
	path, ok := config.FindRCFile(wd)
	if !ok {
		return config.Source{}, nil
	}
	return config.FromRCFile(path)
}

// buildMutex constructs the single-instance mutex from its specifier,
// wiring wait notifications onto the activity sink. The default is a file
// lock beside the cache.
func buildMutex(spec string, cfg config.Config, activity *resolve.Logger) (mutex.Mutex, error) {
	if spec == "" {
		spec = "file:" + filepath.Join(cfg.CacheFolder, mutex.DefaultFilename)
	}
	m, err := mutex.FromSpecifier(spec)
	if err != nil {
		return nil, err
	}
	switch mm := m.(type) {
	case *mutex.FileMutex:
		mm.Waiting = func() {
			activity.Warnf("waiting for the other kiln instance to finish")
		}
	case *mutex.NetworkMutex:
		mm.Waiting = func(cwd string, pid int) {
			activity.Warnf("waiting for the kiln instance running in %s (pid %d) to finish", cwd, pid)
		}
	}
	return m, nil
}

// httpClientFor builds the registry HTTP client from the configured
// timeout and proxies.
func httpClientFor(cfg config.Config) *http.Client {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.HTTPSProxy != "" || cfg.HTTPProxy != "" {
		proxy := cfg.HTTPSProxy
		if proxy == "" {
			proxy = cfg.HTTPProxy
		}
		if u, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Timeout: cfg.NetworkTimeout, Transport: transport}
}

// mergedResolutions layers the root manifest's resolutions under any
// rc-file overrides.
func mergedResolutions(cfg config.Config, root *resolve.Manifest) map[string]string {
	if len(cfg.Resolutions) == 0 {
		return root.Resolutions
	}
	out := make(map[string]string, len(root.Resolutions)+len(cfg.Resolutions))
	for k, v := range root.Resolutions {
		out[k] = v
	}
	for k, v := range cfg.Resolutions {
		out[k] = v
	}
	return out
}

// discoverWorkspace builds the workspace layout for wd: from wd's own
// manifest when it declares workspaces, otherwise from the nearest
// ancestor whose workspace globs cover wd.
func discoverWorkspace(wd string, root *resolve.Manifest, cfg config.Config) (*resolve.WorkspaceLayout, error) {
	if !cfg.WorkspacesEnabled {
		return nil, nil
	}
	if !root.Workspaces.IsZero() {
		return resolve.ResolveWorkspaces(wd, root, cfg.WorkspacesNohoistEnabled, loadManifestAt)
	}
	wsRoot, wsManifest, err := resolve.FindWorkspaceRoot(wd, loadManifestAt)
	if err != nil || wsRoot == "" {
		return nil, err
	}
	return resolve.ResolveWorkspaces(wsRoot, wsManifest, cfg.WorkspacesNohoistEnabled, loadManifestAt)
}

func loadManifestAt(dir string) (*resolve.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("reading package.json: %w", err)
	}
	var doc struct {
		Name                 string                 `json:"name"`
		Version              string                 `json:"version"`
		Private              bool                   `json:"private"`
		Dependencies         map[string]string      `json:"dependencies"`
		DevDependencies      map[string]string      `json:"devDependencies"`
		OptionalDependencies map[string]string      `json:"optionalDependencies"`
		PeerDependencies     map[string]string      `json:"peerDependencies"`
		Resolutions          map[string]string      `json:"resolutions"`
		Workspaces           json.RawMessage        `json:"workspaces"`
		Config               map[string]interface{} `json:"config"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing package.json: %w", err)
	}

	m := &resolve.Manifest{
		Name:                 doc.Name,
		Version:              doc.Version,
		Private:              doc.Private,
		Dependencies:         doc.Dependencies,
		DevDependencies:      doc.DevDependencies,
		OptionalDependencies: doc.OptionalDependencies,
		PeerDependencies:     doc.PeerDependencies,
		Resolutions:          doc.Resolutions,
		InstallConfig:        doc.Config,
	}
	if len(doc.Workspaces) > 0 {
		m.Workspaces = parseWorkspacesField(doc.Workspaces)
	}
	return m, nil
}

// parseWorkspacesField handles both the bare-array shorthand
// (`"workspaces": ["packages/*"]`) and the full object form
// (`"workspaces": {"packages": [...], "nohoist": [...]}`).
func parseWorkspacesField(raw json.RawMessage) resolve.WorkspacesField {
	var packages []string
	if err := json.Unmarshal(raw, &packages); err == nil {
		return resolve.WorkspacesField{Packages: packages}
	}
	var obj struct {
		Packages []string `json:"packages"`
		Nohoist  []string `json:"nohoist"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return resolve.WorkspacesField{Packages: obj.Packages, Nohoist: obj.Nohoist}
	}
	return resolve.WorkspacesField{}
}
