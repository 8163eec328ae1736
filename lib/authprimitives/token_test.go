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

package authprimitives

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func TestRoutedTokenSignAndVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	priv := mustKey(t)

	minter, err := NewTokenKey(TokenKeyConfig{Clock: clock, PrivateKey: priv})
	require.NoError(t, err)

	verifier, err := NewTokenKey(TokenKeyConfig{Clock: clock, PublicKey: priv.Public()})
	require.NoError(t, err)

	accountID := "11111111-1111-1111-1111-111111111111"
	exp := josejwt.NewNumericDate(clock.Now().Add(time.Hour))
	token, err := minter.Sign(accountID, "host-1", "proj-1", *exp)
	require.NoError(t, err)

	claims, err := verifier.Verify(token, "host-1")
	require.NoError(t, err)
	require.Equal(t, accountID, claims.Subject)
	require.Equal(t, "proj-1", claims.ProjectID)
	require.Equal(t, "account", claims.Act)
}

func TestRoutedTokenWrongAudienceRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	priv := mustKey(t)
	minter, err := NewTokenKey(TokenKeyConfig{Clock: clock, PrivateKey: priv})
	require.NoError(t, err)
	verifier, err := NewTokenKey(TokenKeyConfig{Clock: clock, PublicKey: priv.Public()})
	require.NoError(t, err)

	accountID := "11111111-1111-1111-1111-111111111111"
	exp := josejwt.NewNumericDate(clock.Now().Add(time.Hour))
	token, err := minter.Sign(accountID, "host-1", "proj-1", *exp)
	require.NoError(t, err)

	_, err = verifier.Verify(token, "host-2")
	require.Error(t, err)
}

func TestRoutedTokenExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	priv := mustKey(t)
	minter, err := NewTokenKey(TokenKeyConfig{Clock: clock, PrivateKey: priv})
	require.NoError(t, err)
	verifier, err := NewTokenKey(TokenKeyConfig{Clock: clock, PublicKey: priv.Public()})
	require.NoError(t, err)

	accountID := "11111111-1111-1111-1111-111111111111"
	exp := josejwt.NewNumericDate(clock.Now().Add(time.Minute))
	token, err := minter.Sign(accountID, "host-1", "proj-1", *exp)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = verifier.Verify(token, "host-1")
	require.Error(t, err)
}

func TestHostNeverSigns(t *testing.T) {
	priv := mustKey(t)
	hostKey, err := NewTokenKey(TokenKeyConfig{PublicKey: priv.Public()})
	require.NoError(t, err)

	_, err = hostKey.Sign("11111111-1111-1111-1111-111111111111", "host-1", "proj-1", josejwt.NumericDate(0))
	require.Error(t, err)
}

func TestRoutedTokenRejectsNonUUIDSubject(t *testing.T) {
	clock := clockwork.NewFakeClock()
	priv := mustKey(t)
	minter, err := NewTokenKey(TokenKeyConfig{Clock: clock, PrivateKey: priv})
	require.NoError(t, err)

	_, err = minter.Sign("not-a-uuid", "host-1", "proj-1", josejwt.NumericDate(0))
	require.Error(t, err)
}
