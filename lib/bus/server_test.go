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

package bus

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/authprimitives"
)

type allowAllCollaborators struct{}

func (allowAllCollaborators) IsCollaborator(accountID, projectID string) (bool, error) {
	return true, nil
}

type fakeSecrets struct{ secret string }

func (f fakeSecrets) CheckProjectSecret(projectID, secret string) (bool, error) {
	return secret == f.secret, nil
}

type fakeBearer struct{ accountID string }

func (f fakeBearer) Verify(rawToken, hostID string) (*authprimitives.RoutedTokenClaims, error) {
	return &authprimitives.RoutedTokenClaims{Claims: josejwt.Claims{Subject: f.accountID}, Act: "account"}, nil
}

type denyAllCollaborators struct{}

func (denyAllCollaborators) IsCollaborator(accountID, projectID string) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	auth, err := NewAuthenticator(AuthenticatorConfig{
		HostID:        "host-1",
		ConatPassword: "system-secret",
		Secrets:       fakeSecrets{secret: "proj-secret"},
		Bearer:        fakeBearer{},
	})
	require.NoError(t, err)

	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: allowAllCollaborators{}})
	require.NoError(t, err)

	s, err := NewServer(ServerConfig{Authenticator: auth, ACL: acl})
	require.NoError(t, err)

	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)
	return s, httpSrv
}

func dialAsHub(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	header := map[string][]string{"Cookie": {projecthost.SystemCookieName + "=system-secret"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	return ws
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	_, httpSrv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestPubSubRoundTrip(t *testing.T) {
	_, httpSrv := newTestServer(t)

	sub := dialAsHub(t, httpSrv)
	defer sub.Close()
	require.NoError(t, sub.WriteJSON(Frame{Type: frameSub, Subject: "project.p1.files.list"}))

	pub := dialAsHub(t, httpSrv)
	defer pub.Close()
	require.NoError(t, pub.WriteJSON(Frame{Type: framePub, Subject: "project.p1.files.list", Data: []byte(`"hello"`)}))

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	require.NoError(t, sub.ReadJSON(&got))
	require.Equal(t, "project.p1.files.list", got.Subject)
	require.JSONEq(t, `"hello"`, string(got.Data))
}

func TestUnauthorizedSubjectRejected(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		HostID:        "host-1",
		ConatPassword: "system-secret",
		Secrets:       fakeSecrets{secret: "proj-secret"},
		Bearer:        fakeBearer{accountID: "a1"},
	})
	require.NoError(t, err)
	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: denyAllCollaborators{}})
	require.NoError(t, err)
	s, err := NewServer(ServerConfig{Authenticator: auth, ACL: acl})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "?" + projecthost.BearerQueryParam + "=anything"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: frameSub, Subject: "project.p1.files.list", ID: "1"}))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	require.NoError(t, ws.ReadJSON(&got))
	require.Equal(t, frameErr, got.Type)
}
