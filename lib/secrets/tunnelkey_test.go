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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTunnelKeyPairGeneratedOnceAndStable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	signer1, pub1, err := store.TunnelKeyPair()
	require.NoError(t, err)
	require.NotEmpty(t, pub1)

	signer2, pub2, err := store.TunnelKeyPair()
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)
	require.Equal(t, signer1.PublicKey().Marshal(), signer2.PublicKey().Marshal())
}
