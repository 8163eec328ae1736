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

// Package proxy implements the authenticating HTTP/WebSocket reverse
// proxy (SPEC_FULL.md §4.5): bearer-token-to-cookie upgrade, per-request
// collaborator enforcement, and the revocation sweep of live upgraded
// sockets.
package proxy

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/authprimitives"
)

// RevocationChecker reports the revocation cursor for an account.
type RevocationChecker interface {
	IsRevoked(accountID string, iatSeconds int64) (bool, error)
}

// BearerVerifier verifies a routed project-host bearer token against
// this host's id.
type BearerVerifier interface {
	Verify(rawToken, hostID string) (*authprimitives.RoutedTokenClaims, error)
}

// AuthorizerConfig configures an Authorizer.
type AuthorizerConfig struct {
	HostID      string
	ACL         *authprimitives.ACL
	Sessions    *authprimitives.SessionSigner
	Bearer      BearerVerifier
	Revocations RevocationChecker
	Clock       clockwork.Clock
	HTTPSEnabled bool
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *AuthorizerConfig) CheckAndSetDefaults() error {
	if c.HostID == "" {
		return trace.BadParameter("host id is required")
	}
	if c.ACL == nil {
		return trace.BadParameter("ACL is required")
	}
	if c.Sessions == nil {
		return trace.BadParameter("session signer is required")
	}
	if c.Bearer == nil {
		return trace.BadParameter("bearer verifier is required")
	}
	if c.Revocations == nil {
		return trace.BadParameter("revocation checker is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Decision is the outcome of authorizing one request.
type Decision struct {
	AccountID string
	// IssuedAt is the verified credential's iat, in seconds — the
	// session cookie's if one was used, otherwise the bearer token's.
	// This is the timestamp a revocation must be compared against, not
	// the time the request happened to arrive.
	IssuedAt int64
	// FreshlyVerified is true when the identity came from a bearer token
	// on this request rather than an existing session cookie — the
	// caller should issue a new session cookie in this case.
	FreshlyVerified bool
	// SetCookie, if non-empty, must be written as a Set-Cookie header.
	SetCookie string
	// ClearCookie is true when the existing session cookie must be
	// cleared (a revoked account was detected).
	ClearCookie bool
	// Redirect, if non-empty, is a 302 target the caller must issue
	// instead of forwarding the request.
	Redirect string
}

// Authorizer evaluates the per-request protocol of SPEC_FULL.md §4.5.
type Authorizer struct {
	cfg AuthorizerConfig
}

// NewAuthorizer constructs an Authorizer from cfg.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authorizer{cfg: cfg}, nil
}

// Authorize runs the full per-request protocol for a request scoped to
// projectID. isWebSocketUpgrade disables step 6/7 (cookie issuance and
// query-redirect), since neither is possible after a 101 response.
func (a *Authorizer) Authorize(r *http.Request, projectID string, isWebSocketUpgrade bool) (Decision, error) {
	var decision Decision

	// Step 1: existing session cookie.
	if c, err := r.Cookie(projecthost.SessionCookieName); err == nil {
		claims, err := a.cfg.Sessions.Verify(c.Value)
		if err == nil {
			if err := a.checkRevocationAndMembership(&decision, claims.AccountID, claims.IssuedAt, projectID); err != nil {
				return decision, trace.Wrap(err)
			}
			return decision, nil
		}
	}

	// Step 2: bearer token from header, cookie, or query param.
	token, fromQuery := bearerFromRequest(r)
	if token == "" {
		return decision, trace.AccessDenied("no credential presented")
	}

	// Step 3: verify via the auth-primitive library.
	claims, err := a.cfg.Bearer.Verify(token, a.cfg.HostID)
	if err != nil {
		return decision, trace.Wrap(err)
	}
	decision.FreshlyVerified = true

	if err := a.checkRevocationAndMembership(&decision, claims.Subject, claims.IssuedAt.Time().Unix(), projectID); err != nil {
		return decision, trace.Wrap(err)
	}

	if !isWebSocketUpgrade {
		// Step 6: issue a session cookie for the freshly verified bearer.
		cookie, _, err := a.cfg.Sessions.Issue(decision.AccountID)
		if err != nil {
			return decision, trace.Wrap(err)
		}
		decision.SetCookie = a.renderSetCookie(cookie, r)

		// Step 7: redirect GET/HEAD requests to strip the query param;
		// otherwise the caller strips it in-place before forwarding.
		if fromQuery && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			decision.Redirect = stripQueryParam(r.URL, projecthost.BearerQueryParam)
		}
	}

	return decision, nil
}

func (a *Authorizer) checkRevocationAndMembership(decision *Decision, accountID string, iatSeconds int64, projectID string) error {
	revoked, err := a.cfg.Revocations.IsRevoked(accountID, iatSeconds)
	if err != nil {
		return trace.Wrap(err)
	}
	if revoked {
		decision.ClearCookie = true
		return trace.AccessDenied("session revoked")
	}

	allow, err := a.cfg.ACL.Allow(authprimitives.Account(accountID), "project."+projectID, projecthost.SubjectReq)
	if err != nil {
		return trace.Wrap(err)
	}
	if !allow {
		return trace.AccessDenied("not a collaborator on project %s", projectID)
	}

	decision.AccountID = accountID
	decision.IssuedAt = iatSeconds
	return nil
}

func (a *Authorizer) renderSetCookie(value string, r *http.Request) string {
	cookie := &http.Cookie{
		Name:     projecthost.SessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(projecthost.DefaultSessionTTL / time.Second),
		Secure:   a.cfg.HTTPSEnabled && r.TLS != nil,
	}
	return cookie.String()
}

func bearerFromRequest(r *http.Request) (token string, fromQuery bool) {
	if auth := r.Header.Get("Authorization"); len(auth) > len("Bearer ") && auth[:7] == "Bearer " {
		return auth[7:], false
	}
	if c, err := r.Cookie(projecthost.SessionCookieName); err == nil && c.Value != "" {
		return c.Value, false
	}
	if v := r.URL.Query().Get(projecthost.BearerQueryParam); v != "" {
		return v, true
	}
	return "", false
}

func stripQueryParam(u *url.URL, param string) string {
	stripped := *u
	q := stripped.Query()
	q.Del(param)
	stripped.RawQuery = q.Encode()
	return stripped.String()
}
