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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type noLiveMounts struct{}

func (noLiveMounts) HasLiveMount(dir string) (bool, error) { return false, nil }

type onlyLiveMount struct{ dir string }

func (m onlyLiveMount) HasLiveMount(dir string) (bool, error) { return dir == m.dir, nil }

func TestGCSweepRemovesExpiredDirectory(t *testing.T) {
	registry := newFakeRegistry()
	require.NoError(t, registry.Push("acct-1", []byte(`{}`)))
	clock := clockwork.NewFakeClockAt(time.Now())
	c, err := NewCache(CacheConfig{Root: t.TempDir(), Registry: registry, Clock: clock})
	require.NoError(t, err)

	_, err = c.Resolve("acct-1")
	require.NoError(t, err)

	gc, err := NewGC(GCConfig{Cache: c, Runtime: noLiveMounts{}, TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	gc.Sweep()

	_, statErr := os.Stat(filepath.Join(c.cfg.Root, "acct-1"))
	require.True(t, os.IsNotExist(statErr))
}

func TestGCSweepSkipsDirectoryWithLiveMount(t *testing.T) {
	registry := newFakeRegistry()
	require.NoError(t, registry.Push("acct-1", []byte(`{}`)))
	clock := clockwork.NewFakeClockAt(time.Now())
	c, err := NewCache(CacheConfig{Root: t.TempDir(), Registry: registry, Clock: clock})
	require.NoError(t, err)

	_, err = c.Resolve("acct-1")
	require.NoError(t, err)
	dir := filepath.Join(c.cfg.Root, "acct-1")

	gc, err := NewGC(GCConfig{Cache: c, Runtime: onlyLiveMount{dir: dir}, TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	gc.Sweep()

	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)
}

func TestGCSweepIsReentrancySafe(t *testing.T) {
	registry := newFakeRegistry()
	c, err := NewCache(CacheConfig{Root: t.TempDir(), Registry: registry, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	fl, ok, err := c.tryLockSweep()
	require.NoError(t, err)
	require.True(t, ok)
	defer fl.Unlock()

	gc, err := NewGC(GCConfig{Cache: c, Runtime: noLiveMounts{}})
	require.NoError(t, err)
	gc.Sweep() // should no-op: lock already held
}

func TestGCSweepDroppedDirectoryIsNoopOnSecondRun(t *testing.T) {
	registry := newFakeRegistry()
	require.NoError(t, registry.Push("acct-1", []byte(`{}`)))
	clock := clockwork.NewFakeClockAt(time.Now())
	c, err := NewCache(CacheConfig{Root: t.TempDir(), Registry: registry, Clock: clock})
	require.NoError(t, err)
	_, err = c.Resolve("acct-1")
	require.NoError(t, err)

	gc, err := NewGC(GCConfig{Cache: c, Runtime: noLiveMounts{}, TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	gc.Sweep()
	gc.Sweep() // re-running after removal must not error
}
