/*
Copyright 2025 The Project Host Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package codexcache manages per-account codex (openai) credential
// directories: push on login, pull-and-cache on use, and a periodic
// TTL-based garbage collector that respects live container mounts
// (SPEC_FULL.md §4.8).
package codexcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/sagemathinc/project-host/lib/ttlcache"
)

const (
	authFileName     = "auth.json"
	configFileName   = "config.json"
	lastUsedFileName = ".last_used"

	authFileMode = 0o600
	dirMode      = 0o700

	existenceCacheTTL        = 30 * time.Second
	existenceCacheMaxEntries = 10000

	// DefaultGCInterval, MinGCInterval, DefaultTTL match SPEC_FULL.md §4.8.
	DefaultGCInterval = time.Hour
	MinGCInterval     = time.Minute
	DefaultTTL        = 72 * time.Hour
)

// Registry is the central credential registry the master exposes.
type Registry interface {
	// Exists reports whether a credential for (provider, kind, accountID)
	// is present centrally.
	Exists(accountID string) (bool, error)
	// Pull fetches the current auth.json payload for accountID.
	Pull(accountID string) ([]byte, error)
	// Push uploads a fresh auth.json payload for accountID.
	Push(accountID string, payload []byte) error
	// NotifyUsed is a fire-and-forget hint that accountID's credential
	// was just used; failures are not surfaced to the caller.
	NotifyUsed(accountID string)
}

// ContainerRuntime answers whether any live container currently bind
// mounts dir at /root/.codex, so the GC sweep can skip it.
type ContainerRuntime interface {
	HasLiveMount(dir string) (bool, error)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Root is the directory under which one subdirectory per account id
	// is maintained.
	Root     string
	Registry Registry
	Clock    clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Root == "" {
		return trace.BadParameter("root directory is required")
	}
	if c.Registry == nil {
		return trace.BadParameter("registry is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cache manages the on-disk codex credential directories under Root.
type Cache struct {
	cfg      CacheConfig
	existence *ttlcache.Cache[string, bool]
}

// NewCache constructs a Cache from cfg.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Root, dirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	existence, err := ttlcache.New[string, bool](ttlcache.Config{TTL: existenceCacheTTL, MaxEntries: existenceCacheMaxEntries, Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{cfg: cfg, existence: existence}, nil
}

func (c *Cache) accountDir(accountID string) string {
	return filepath.Join(c.cfg.Root, accountID)
}

// Push uploads payload as the account's credential, per the "on
// successful local login" path.
func (c *Cache) Push(accountID string, payload []byte) error {
	if err := c.cfg.Registry.Push(accountID, payload); err != nil {
		return trace.Wrap(err)
	}
	c.existence.Set(accountID, true)
	return nil
}

// Resolve implements the pull-on-use protocol: it returns the local
// path to auth.json, pulling and caching it from the registry if
// necessary, or an error if the account has no credential anywhere.
func (c *Cache) Resolve(accountID string) (string, error) {
	dir := c.accountDir(accountID)
	authPath := filepath.Join(dir, authFileName)

	_, statErr := os.Stat(authPath)
	localExists := statErr == nil

	if localExists {
		exists, err := c.centralExists(accountID)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if !exists {
			// Revoked elsewhere: drop the stale local copy and fall
			// through to re-check/pull below.
			os.Remove(authPath)
			localExists = false
		}
	}

	if !localExists {
		payload, err := c.cfg.Registry.Pull(accountID)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if err := c.writeCredential(dir, payload); err != nil {
			return "", trace.Wrap(err)
		}
		c.existence.Set(accountID, true)
	}

	if err := c.touchLastUsed(dir); err != nil {
		return "", trace.Wrap(err)
	}
	c.cfg.Registry.NotifyUsed(accountID)
	return authPath, nil
}

func (c *Cache) centralExists(accountID string) (bool, error) {
	if v, ok := c.existence.Get(accountID); ok {
		return v, nil
	}
	exists, err := c.cfg.Registry.Exists(accountID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	c.existence.Set(accountID, exists)
	return exists, nil
}

func (c *Cache) writeCredential(dir string, payload []byte) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	authPath := filepath.Join(dir, authFileName)
	if err := writeAtomic(authPath, payload, authFileMode); err != nil {
		return trace.Wrap(err)
	}
	// Force file-based credential storage rather than any OS keychain.
	configPath := filepath.Join(dir, configFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := writeAtomic(configPath, []byte(`{"preferred_auth_method":"file"}`), authFileMode); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (c *Cache) touchLastUsed(dir string) error {
	path := filepath.Join(dir, lastUsedFileName)
	now := c.cfg.Clock.Now()
	if err := writeAtomic(path, []byte(now.Format(time.RFC3339)), authFileMode); err != nil {
		return trace.Wrap(err)
	}
	return os.Chtimes(path, now, now)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp.Name(), path))
}

// lockPath is the flock file guarding re-entrant GC sweeps.
func (c *Cache) lockPath() string {
	return filepath.Join(c.cfg.Root, ".gc.lock")
}

// tryLockSweep acquires the GC re-entrancy guard without blocking.
// Returns ok=false if another sweep already holds it.
func (c *Cache) tryLockSweep() (*flock.Flock, bool, error) {
	fl := flock.New(c.lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, trace.ConvertSystemError(err)
	}
	return fl, ok, nil
}
