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

package codexcache

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// GCConfig configures the periodic credential-directory sweep.
type GCConfig struct {
	Cache    *Cache
	Runtime  ContainerRuntime
	Interval time.Duration
	TTL      time.Duration
	Log      *logrus.Entry

	// randomJitter is overridable in tests for deterministic startup.
	randomJitter func(max time.Duration) time.Duration
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *GCConfig) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("cache is required")
	}
	if c.Runtime == nil {
		return trace.BadParameter("container runtime is required")
	}
	if c.Interval <= 0 {
		c.Interval = DefaultGCInterval
	}
	if c.Interval < MinGCInterval {
		c.Interval = MinGCInterval
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "codexcache-gc")
	}
	if c.randomJitter == nil {
		c.randomJitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		}
	}
	return nil
}

// GC runs the periodic credential-directory sweep described in
// SPEC_FULL.md §4.8.
type GC struct {
	cfg GCConfig
}

// NewGC constructs a GC from cfg.
func NewGC(cfg GCConfig) (*GC, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &GC{cfg: cfg}, nil
}

// Run sleeps an initial random jitter up to half the interval, then
// sweeps on every tick until ctx is canceled.
func (g *GC) Run(ctx context.Context) {
	jitter := g.cfg.randomJitter(g.cfg.Interval / 2)
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	g.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Sweep runs one pass over the subscription root. Re-entrant calls are
// dropped: if another sweep (in this process or another) holds the
// lock, Sweep returns immediately.
func (g *GC) Sweep() {
	fl, ok, err := g.cfg.Cache.tryLockSweep()
	if err != nil {
		g.cfg.Log.WithError(err).Warn("failed to acquire GC lock")
		return
	}
	if !ok {
		g.cfg.Log.Debug("GC sweep already in progress, skipping")
		return
	}
	defer fl.Unlock()

	entries, err := os.ReadDir(g.cfg.Cache.cfg.Root)
	if err != nil {
		g.cfg.Log.WithError(err).Warn("failed to list credential root")
		return
	}

	now := g.cfg.Cache.cfg.Clock.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(g.cfg.Cache.cfg.Root, entry.Name())
		if err := g.sweepOne(dir, now); err != nil {
			g.cfg.Log.WithError(err).WithField("dir", dir).Warn("GC sweep of credential directory failed")
		}
	}
}

func (g *GC) sweepOne(dir string, now time.Time) error {
	inUse, err := g.cfg.Runtime.HasLiveMount(dir)
	if err != nil {
		return trace.Wrap(err)
	}
	if inUse {
		return nil
	}

	age := now.Sub(newestMtime(dir))
	if age <= g.cfg.TTL {
		return nil
	}
	return trace.ConvertSystemError(os.RemoveAll(dir))
}

// newestMtime returns the most recent mtime among .last_used, auth.json,
// config.json, and the directory itself.
func newestMtime(dir string) time.Time {
	newest := statMtime(dir)
	for _, name := range []string{lastUsedFileName, authFileName, configFileName} {
		if t := statMtime(filepath.Join(dir, name)); t.After(newest) {
			newest = t
		}
	}
	return newest
}

func statMtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
