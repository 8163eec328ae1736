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

package store

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHostIdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	id, err := s.HostIdentity()
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, s.SetHostIdentity("host-1"))
	id, err = s.HostIdentity()
	require.NoError(t, err)
	require.Equal(t, "host-1", id)

	require.NoError(t, s.SetHostIdentity("host-2"))
	id, err = s.HostIdentity()
	require.NoError(t, err)
	require.Equal(t, "host-2", id)
}

func TestProjectUpsertAndGet(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertProject(Project{
		ProjectID: "p1",
		Title:     "My Project",
		Users: map[string]ProjectUser{
			"a1": {Group: "owner"},
			"a2": {Group: "collaborator"},
		},
	})
	require.NoError(t, err)

	p, err := s.GetProject("p1")
	require.NoError(t, err)
	require.Equal(t, "My Project", p.Title)
	require.Equal(t, "owner", p.Users["a1"].Group)

	_, err = s.GetProject("missing")
	require.True(t, trace.IsNotFound(err))
}

func TestIsCollaborator(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertProject(Project{
		ProjectID: "p1",
		Title:     "x",
		Users: map[string]ProjectUser{
			"a1": {Group: "owner"},
			"a2": {Group: "viewer"},
		},
	}))

	ok, err := s.IsCollaborator("a1", "p1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.IsCollaborator("a2", "p1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.IsCollaborator("p1", "p1")
	require.NoError(t, err)
	require.True(t, ok, "project self-access")

	ok, err = s.IsCollaborator("a3", "missing-project")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSecretTokenGeneratedOnce(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertProject(Project{ProjectID: "p1", Title: "x"}))

	calls := 0
	gen := func() (string, error) {
		calls++
		return "generated-token", nil
	}

	tok1, err := s.SecretToken("p1", gen)
	require.NoError(t, err)
	require.Equal(t, "generated-token", tok1)

	tok2, err := s.SecretToken("p1", gen)
	require.NoError(t, err)
	require.Equal(t, tok1, tok2)
	require.Equal(t, 1, calls, "token must only be generated once")
}

func TestAccountRevocation(t *testing.T) {
	s := openTestStore(t)

	revoked, err := s.IsRevoked("a1", 1000)
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, s.SetAccountRevocation("a1", 1000*1000+1, 2000))

	revoked, err = s.IsRevoked("a1", 1000)
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = s.IsRevoked("a1", 1001)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestAccountRevocationDoesNotRegressOnStaleUpdate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetAccountRevocation("a1", 5000, 2000))
	require.NoError(t, s.SetAccountRevocation("a1", 0, 1000)) // stale, smaller updated_ms

	rb, err := s.AccountRevocation("a1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), rb, "a stale revocation update must not roll back the cursor")
}
