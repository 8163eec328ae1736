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

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConatPasswordGeneratedOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	p1, err := store.ConatPassword("")
	require.NoError(t, err)
	require.NotEmpty(t, p1)

	p2, err := store.ConatPassword("")
	require.NoError(t, err)
	require.Equal(t, p1, p2, "a second call must not regenerate the secret")

	info, err := os.Stat(filepath.Join(dir, "project-host-conat-password"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConatPasswordEnvOverride(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	p, err := store.ConatPassword("from-env")
	require.NoError(t, err)
	require.Equal(t, "from-env", p)

	// the override must not be persisted to disk
	_, err = os.Stat(filepath.Join(dir, "project-host-conat-password"))
	require.True(t, os.IsNotExist(err))
}

func TestMasterTokenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tok, err := store.MasterToken("")
	require.NoError(t, err)
	require.Empty(t, tok)

	require.NoError(t, store.SetMasterToken("abc123"))

	tok, err = store.MasterToken("")
	require.NoError(t, err)
	require.Equal(t, "abc123", tok)
}

func TestReadTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("  value \n"), 0600))
	v, err := store.Read("x")
	require.NoError(t, err)
	require.Equal(t, "value", v)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Write("f", "one"))
	require.NoError(t, store.Write("f", "two"))

	v, err := store.Read("f")
	require.NoError(t, err)
	require.Equal(t, "two", v)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp files")
}
