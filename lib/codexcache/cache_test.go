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
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	exists    map[string]bool
	payloads  map[string][]byte
	notified  []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{exists: map[string]bool{}, payloads: map[string][]byte{}}
}

func (r *fakeRegistry) Exists(accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exists[accountID], nil
}

func (r *fakeRegistry) Pull(accountID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.payloads[accountID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return payload, nil
}

func (r *fakeRegistry) Push(accountID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exists[accountID] = true
	r.payloads[accountID] = payload
	return nil
}

func (r *fakeRegistry) NotifyUsed(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, accountID)
}

func newTestCache(t *testing.T, registry Registry) (*Cache, string) {
	t.Helper()
	root := t.TempDir()
	c, err := NewCache(CacheConfig{Root: root, Registry: registry, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return c, root
}

func TestPushThenResolvePullsFromRegistry(t *testing.T) {
	registry := newFakeRegistry()
	require.NoError(t, registry.Push("acct-1", []byte(`{"token":"abc"}`)))
	c, root := newTestCache(t, registry)

	path, err := c.Resolve("acct-1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "acct-1", authFileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"token":"abc"}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(authFileMode), info.Mode().Perm())
}

func TestResolveIsIdempotentOnFastPath(t *testing.T) {
	registry := newFakeRegistry()
	require.NoError(t, registry.Push("acct-1", []byte(`{"token":"abc"}`)))
	c, _ := newTestCache(t, registry)

	_, err := c.Resolve("acct-1")
	require.NoError(t, err)
	_, err = c.Resolve("acct-1")
	require.NoError(t, err)

	require.Len(t, registry.notified, 2)
}

func TestResolveDropsLocalCopyWhenCentralRevoked(t *testing.T) {
	registry := newFakeRegistry()
	require.NoError(t, registry.Push("acct-1", []byte(`{"token":"abc"}`)))
	c, root := newTestCache(t, registry)

	_, err := c.Resolve("acct-1")
	require.NoError(t, err)

	registry.mu.Lock()
	registry.exists["acct-1"] = false
	delete(registry.payloads, "acct-1")
	registry.mu.Unlock()
	c.existence.Flush()

	_, err = c.Resolve("acct-1")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "acct-1", authFileName))
	require.True(t, os.IsNotExist(statErr))
}

func TestResolveUnknownAccountErrors(t *testing.T) {
	registry := newFakeRegistry()
	c, _ := newTestCache(t, registry)
	_, err := c.Resolve("nope")
	require.Error(t, err)
}
