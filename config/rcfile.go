package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// rcFile is the on-disk shape of .kilnrc.toml, read with
// github.com/pelletier/go-toml.
type rcFile struct {
	Registry           string            `toml:"registry"`
	HTTPProxy          string            `toml:"http-proxy"`
	HTTPSProxy         string            `toml:"https-proxy"`
	Offline            *bool             `toml:"offline"`
	PreferOffline      *bool             `toml:"prefer-offline"`
	Production         *bool             `toml:"production"`
	Flat               *bool             `toml:"flat"`
	Frozen             *bool             `toml:"frozen"`
	LooseSemver        *bool             `toml:"loose-semver"`
	IgnoreScripts      *bool             `toml:"ignore-scripts"`
	IgnorePlatform     *bool             `toml:"ignore-platform"`
	IgnoreEngines      *bool             `toml:"ignore-engines"`
	WorkspacesEnabled  *bool             `toml:"workspaces-enabled"`
	WorkspacesNohoist  *bool             `toml:"workspaces-nohoist-enabled"`
	NetworkConcurrency *int              `toml:"network-concurrency"`
	ChildConcurrency   *int              `toml:"child-concurrency"`
	NetworkTimeout     string            `toml:"network-timeout"`
	CacheFolder        string            `toml:"cache-folder"`
	ModulesFolder      string            `toml:"modules-folder"`
	Resolutions        map[string]string `toml:"resolutions"`
}

// FromRCFile reads and decodes path into a Source. A missing file yields a
// zero Source (no layer applied), same as FromDirectory's "absent file
// yields empty" convention for the lockfile.
func FromRCFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Source{}, nil
		}
		return Source{}, errors.Wrapf(err, "reading rc file %s", path)
	}

	var rc rcFile
	if err := toml.Unmarshal(data, &rc); err != nil {
		return Source{}, errors.Wrapf(err, "parsing rc file %s", path)
	}

	var s Source
	if rc.Registry != "" {
		s.Registry = &rc.Registry
	}
	if rc.HTTPProxy != "" {
		s.HTTPProxy = &rc.HTTPProxy
	}
	if rc.HTTPSProxy != "" {
		s.HTTPSProxy = &rc.HTTPSProxy
	}
	s.Offline = rc.Offline
	s.PreferOffline = rc.PreferOffline
	s.Production = rc.Production
	s.Flat = rc.Flat
	s.Frozen = rc.Frozen
	s.LooseSemver = rc.LooseSemver
	s.IgnoreScripts = rc.IgnoreScripts
	s.IgnorePlatform = rc.IgnorePlatform
	s.IgnoreEngines = rc.IgnoreEngines
	s.WorkspacesEnabled = rc.WorkspacesEnabled
	s.WorkspacesNohoistEnabled = rc.WorkspacesNohoist
	s.NetworkConcurrency = rc.NetworkConcurrency
	s.ChildConcurrency = rc.ChildConcurrency
	if rc.NetworkTimeout != "" {
		if d, err := time.ParseDuration(rc.NetworkTimeout); err == nil {
			s.NetworkTimeout = &d
		}
	}
	if rc.CacheFolder != "" {
		s.CacheFolder = &rc.CacheFolder
	}
	if rc.ModulesFolder != "" {
		s.ModulesFolder = &rc.ModulesFolder
	}
	s.Resolutions = rc.Resolutions
	return s, nil
}

// FindRCFile walks upward from dir looking for the nearest .kilnrc.toml,
// falling back to the user's home directory: project-local overrides
// user-global.
func FindRCFile(dir string) (string, bool) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(cur, ".kilnrc.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".kilnrc.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
