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
	"net/http"

	"github.com/gravitational/trace"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/authprimitives"
)

// ProjectSecretChecker answers whether secret is the current secret
// token for projectID (SPEC_FULL.md §4.3).
type ProjectSecretChecker interface {
	CheckProjectSecret(projectID, secret string) (bool, error)
}

// BearerVerifier verifies a routed project-host bearer token against
// this host's id.
type BearerVerifier interface {
	Verify(rawToken, hostID string) (*authprimitives.RoutedTokenClaims, error)
}

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	// HostID identifies this host, the expected audience of bearer
	// tokens.
	HostID string
	// ConatPassword is the local system password; a request carrying it
	// in the system cookie authenticates as the hub identity.
	ConatPassword string
	Secrets       ProjectSecretChecker
	Bearer        BearerVerifier
}

// CheckAndSetDefaults validates c.
func (c *AuthenticatorConfig) CheckAndSetDefaults() error {
	if c.HostID == "" {
		return trace.BadParameter("host id is required")
	}
	if c.Secrets == nil {
		return trace.BadParameter("project secret checker is required")
	}
	if c.Bearer == nil {
		return trace.BadParameter("bearer verifier is required")
	}
	return nil
}

// Authenticator implements the three authentication paths a bus client
// may present, per SPEC_FULL.md §4.3.
type Authenticator struct {
	cfg AuthenticatorConfig
}

// NewAuthenticator constructs an Authenticator from cfg.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{cfg: cfg}, nil
}

// Authenticate inspects r for one of the three credential shapes and
// returns the resulting identity, or an AccessDenied error.
func (a *Authenticator) Authenticate(r *http.Request) (authprimitives.Identity, error) {
	if c, err := r.Cookie(projecthost.SystemCookieName); err == nil {
		if a.cfg.ConatPassword != "" && c.Value == a.cfg.ConatPassword {
			return authprimitives.Hub(), nil
		}
		return authprimitives.Identity{}, trace.AccessDenied("invalid system credential")
	}

	if projectID := r.URL.Query().Get(projecthost.ProjectSecretParam); projectID != "" {
		secret, err := r.Cookie(projectSecretCookieName(projectID))
		if err != nil {
			return authprimitives.Identity{}, trace.AccessDenied("missing project secret")
		}
		ok, err := a.cfg.Secrets.CheckProjectSecret(projectID, secret.Value)
		if err != nil {
			return authprimitives.Identity{}, trace.Wrap(err)
		}
		if !ok {
			return authprimitives.Identity{}, trace.AccessDenied("invalid project secret")
		}
		return authprimitives.Project(projectID), nil
	}

	token := bearerFromRequest(r)
	if token == "" {
		return authprimitives.Identity{}, trace.AccessDenied("no credential presented")
	}
	claims, err := a.cfg.Bearer.Verify(token, a.cfg.HostID)
	if err != nil {
		return authprimitives.Identity{}, trace.Wrap(err)
	}
	return authprimitives.Account(claims.Subject), nil
}

func projectSecretCookieName(projectID string) string {
	return "cocalc_project_secret_" + projectID
}

func bearerFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > len("Bearer ") && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if c, err := r.Cookie(projecthost.SessionCookieName); err == nil {
		return c.Value
	}
	return r.URL.Query().Get(projecthost.BearerQueryParam)
}
