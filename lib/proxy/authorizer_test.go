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

package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/authprimitives"
)

type allowAllCollaborators struct{}

func (allowAllCollaborators) IsCollaborator(accountID, projectID string) (bool, error) {
	return true, nil
}

type denyAllCollaborators struct{}

func (denyAllCollaborators) IsCollaborator(accountID, projectID string) (bool, error) {
	return false, nil
}

type fakeBearer struct {
	accountID string
	iat       time.Time
}

func (f fakeBearer) Verify(rawToken, hostID string) (*authprimitives.RoutedTokenClaims, error) {
	iat := f.iat
	if iat.IsZero() {
		iat = time.Now()
	}
	return &authprimitives.RoutedTokenClaims{
		Claims: josejwt.Claims{Subject: f.accountID, IssuedAt: josejwt.NewNumericDate(iat)},
		Act:    "account",
	}, nil
}

type neverRevoked struct{}

func (neverRevoked) IsRevoked(accountID string, iatSeconds int64) (bool, error) { return false, nil }

type alwaysRevoked struct{}

func (alwaysRevoked) IsRevoked(accountID string, iatSeconds int64) (bool, error) { return true, nil }

func newTestAuthorizer(t *testing.T, bearer BearerVerifier, revocations RevocationChecker, acl *authprimitives.ACL) *Authorizer {
	t.Helper()
	signer, err := authprimitives.NewSessionSigner(authprimitives.SessionSignerConfig{
		Secret: []byte("test-secret-test-secret"),
		Clock:  clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	a, err := NewAuthorizer(AuthorizerConfig{
		HostID:      "host-1",
		ACL:         acl,
		Sessions:    signer,
		Bearer:      bearer,
		Revocations: revocations,
	})
	require.NoError(t, err)
	return a
}

func TestAuthorizeNoCredentialRejected(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, neverRevoked{}, acl)

	r := httptest.NewRequest(http.MethodGet, "/p1/", nil)
	_, err = a.Authorize(r, "p1", false)
	require.Error(t, err)
}

func TestAuthorizeBearerHeaderIssuesSessionCookie(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, neverRevoked{}, acl)

	r := httptest.NewRequest(http.MethodGet, "/p1/", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	decision, err := a.Authorize(r, "p1", false)
	require.NoError(t, err)
	require.Equal(t, "a1", decision.AccountID)
	require.True(t, decision.FreshlyVerified)
	require.NotEmpty(t, decision.SetCookie)
	require.Contains(t, decision.SetCookie, projecthost.SessionCookieName)
}

func TestAuthorizeQueryParamGetRedirects(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, neverRevoked{}, acl)

	r := httptest.NewRequest(http.MethodGet, "/p1/?"+projecthost.BearerQueryParam+"=sometoken", nil)
	decision, err := a.Authorize(r, "p1", false)
	require.NoError(t, err)
	require.NotEmpty(t, decision.Redirect)
	require.NotContains(t, decision.Redirect, projecthost.BearerQueryParam)
}

func TestAuthorizeNonCollaboratorRejected(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: denyAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, neverRevoked{}, acl)

	r := httptest.NewRequest(http.MethodGet, "/p1/", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	_, err = a.Authorize(r, "p1", false)
	require.Error(t, err)
}

func TestAuthorizeRevokedAccountRejectedAndClearsCookie(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, alwaysRevoked{}, acl)

	r := httptest.NewRequest(http.MethodGet, "/p1/", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	decision, err := a.Authorize(r, "p1", false)
	require.Error(t, err)
	require.True(t, decision.ClearCookie)
}

func TestAuthorizeExistingSessionCookieHonored(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, neverRevoked{}, acl)

	cookie, _, err := a.cfg.Sessions.Issue("a1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/p1/", nil)
	r.AddCookie(&http.Cookie{Name: projecthost.SessionCookieName, Value: cookie})
	decision, err := a.Authorize(r, "p1", false)
	require.NoError(t, err)
	require.Equal(t, "a1", decision.AccountID)
	require.False(t, decision.FreshlyVerified)
	require.Empty(t, decision.SetCookie)
}

func TestAuthorizeWebSocketUpgradeSkipsCookieIssuance(t *testing.T) {
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)
	a := newTestAuthorizer(t, fakeBearer{accountID: "a1"}, neverRevoked{}, acl)

	r := httptest.NewRequest(http.MethodGet, "/p1/", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	decision, err := a.Authorize(r, "p1", true)
	require.NoError(t, err)
	require.Empty(t, decision.SetCookie)
	require.Empty(t, decision.Redirect)
}
