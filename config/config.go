// Package config aggregates settings from CLI flags, an rc file, and the
// environment into one immutable settings object, plus the within-run
// memoization cache shared by registry backends.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config is the fully aggregated, immutable-after-build settings object the
// resolver consumes.
type Config struct {
	Cwd            string
	LockfileFolder string
	CacheFolder    string
	GlobalFolder   string
	LinkFolder     string
	ModulesFolder  string

	Offline                  bool
	PreferOffline            bool
	Frozen                   bool
	Flat                     bool
	Focus                    bool
	UpdateChecksums          bool
	IgnorePlatform           bool
	IgnoreEngines            bool
	IgnoreScripts            bool
	Production               bool
	LooseSemver              bool
	WorkspacesEnabled        bool
	WorkspacesNohoistEnabled bool

	NetworkConcurrency int
	ChildConcurrency   int
	NetworkTimeout     time.Duration

	HTTPProxy  string
	HTTPSProxy string
	Registry   string
	OTP        string

	Resolutions map[string]string

	// Cache is the within-run, get-or-factory memoization shared by
	// whatever Backend Build's caller constructs; a fresh one is created
	// per Config so two Build calls never share state.
	Cache *Cache
}

// Source supplies one layer of settings; later sources in Build's argument
// order win over earlier ones.
type Source struct {
	Cwd            *string
	LockfileFolder *string
	CacheFolder    *string
	GlobalFolder   *string
	LinkFolder     *string
	ModulesFolder  *string

	Offline                  *bool
	PreferOffline            *bool
	Frozen                   *bool
	Flat                     *bool
	Focus                    *bool
	UpdateChecksums          *bool
	IgnorePlatform           *bool
	IgnoreEngines            *bool
	IgnoreScripts            *bool
	Production               *bool
	LooseSemver              *bool
	WorkspacesEnabled        *bool
	WorkspacesNohoistEnabled *bool

	NetworkConcurrency *int
	ChildConcurrency   *int
	NetworkTimeout     *time.Duration

	HTTPProxy  *string
	HTTPSProxy *string
	Registry   *string
	OTP        *string

	Resolutions map[string]string
}

// Build layers sources onto a set of defaults, last-wins, per field.
func Build(sources ...Source) Config {
	cwd, _ := os.Getwd()
	cfg := Config{
		Cwd:                cwd,
		LockfileFolder:     cwd,
		CacheFolder:        defaultCacheFolder(),
		Registry:           "https://registry.npmjs.org",
		NetworkConcurrency: 8,
		ChildConcurrency:   5,
		NetworkTimeout:     30 * time.Second,
		WorkspacesEnabled:  true,
		Cache:              NewCache(),
	}
	cfg.GlobalFolder = filepath.Join(cfg.CacheFolder, "global")
	cfg.LinkFolder = filepath.Join(cfg.CacheFolder, "link")

	for _, s := range sources {
		applyString(&cfg.Cwd, s.Cwd)
		applyString(&cfg.LockfileFolder, s.LockfileFolder)
		applyString(&cfg.CacheFolder, s.CacheFolder)
		applyString(&cfg.GlobalFolder, s.GlobalFolder)
		applyString(&cfg.LinkFolder, s.LinkFolder)
		applyString(&cfg.ModulesFolder, s.ModulesFolder)

		applyBool(&cfg.Offline, s.Offline)
		applyBool(&cfg.PreferOffline, s.PreferOffline)
		applyBool(&cfg.Frozen, s.Frozen)
		applyBool(&cfg.Flat, s.Flat)
		applyBool(&cfg.Focus, s.Focus)
		applyBool(&cfg.UpdateChecksums, s.UpdateChecksums)
		applyBool(&cfg.IgnorePlatform, s.IgnorePlatform)
		applyBool(&cfg.IgnoreEngines, s.IgnoreEngines)
		applyBool(&cfg.IgnoreScripts, s.IgnoreScripts)
		applyBool(&cfg.Production, s.Production)
		applyBool(&cfg.LooseSemver, s.LooseSemver)
		applyBool(&cfg.WorkspacesEnabled, s.WorkspacesEnabled)
		applyBool(&cfg.WorkspacesNohoistEnabled, s.WorkspacesNohoistEnabled)

		applyInt(&cfg.NetworkConcurrency, s.NetworkConcurrency)
		applyInt(&cfg.ChildConcurrency, s.ChildConcurrency)
		if s.NetworkTimeout != nil {
			cfg.NetworkTimeout = *s.NetworkTimeout
		}

		applyString(&cfg.HTTPProxy, s.HTTPProxy)
		applyString(&cfg.HTTPSProxy, s.HTTPSProxy)
		applyString(&cfg.Registry, s.Registry)
		applyString(&cfg.OTP, s.OTP)

		if s.Resolutions != nil {
			if cfg.Resolutions == nil {
				cfg.Resolutions = make(map[string]string, len(s.Resolutions))
			}
			for k, v := range s.Resolutions {
				cfg.Resolutions[k] = v
			}
		}
	}
	return cfg
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// FromEnvironment reads the settings kiln honors from the process
// environment.
func FromEnvironment() Source {
	var s Source
	if v, ok := os.LookupEnv("KILN_REGISTRY"); ok {
		s.Registry = &v
	}
	if v, ok := os.LookupEnv("KILN_HTTP_PROXY"); ok {
		s.HTTPProxy = &v
	}
	if v, ok := os.LookupEnv("KILN_HTTPS_PROXY"); ok {
		s.HTTPSProxy = &v
	}
	if v, ok := os.LookupEnv("KILN_OTP"); ok {
		s.OTP = &v
	}
	if v, ok := os.LookupEnv("KILN_PRODUCTION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Production = &b
		}
	}
	if v, ok := os.LookupEnv("KILN_OFFLINE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Offline = &b
		}
	}
	if v, ok := os.LookupEnv("KILN_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.NetworkConcurrency = &n
		}
	}
	if v, ok := os.LookupEnv("KILN_NETWORK_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			s.NetworkTimeout = &d
		}
	}
	return s
}

func defaultCacheFolder() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "kiln")
	}
	return ".kiln-cache"
}

// Cache is a get-or-factory in-memory cache: the first GetOrCreate for a
// key runs factory and remembers the result; later calls for the same key
// reuse it, and concurrent callers for a key already being produced await
// that same in-flight factory instead of running their own. kiln has no
// cross-run cache, only a within-run memoization of repeated
// registry/config lookups (one HTTP document fetch per package name,
// however many times Versions/Resolve ask for it).
type Cache struct {
	mu    sync.Mutex
	items map[string]interface{}
	group singleflight.Group
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{items: make(map[string]interface{})}
}

// GetOrCreate returns the cached value for key, running factory to produce
// and store it on first use. A factory error is not cached, so a later
// call can retry.
func (c *Cache) GetOrCreate(key string, factory func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if v, ok := c.items[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		v, err := factory()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[key] = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
