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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	projecthost "github.com/sagemathinc/project-host"
)

// SessionClaims is the payload carried, HMAC-signed, inside a session
// cookie. It is opaque to the browser; the host holds only the signing
// secret.
type SessionClaims struct {
	AccountID string `json:"account_id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
}

// SessionSignerConfig configures a SessionSigner.
type SessionSignerConfig struct {
	// Secret is the HMAC key used to sign and verify session tokens. It
	// must be stable across restarts so existing sessions keep working.
	Secret []byte
	// TTL is the lifetime assigned to newly issued sessions.
	TTL time.Duration
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *SessionSignerConfig) CheckAndSetDefaults() error {
	if len(c.Secret) == 0 {
		return trace.BadParameter("session signing secret is required")
	}
	if c.TTL == 0 {
		c.TTL = projecthost.DefaultSessionTTL
	}
	if c.TTL < projecthost.MinSessionTTL {
		return trace.BadParameter("session TTL %s is below the minimum %s", c.TTL, projecthost.MinSessionTTL)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SessionSigner mints and verifies opaque session tokens of the form
// base64url(JSON payload) + "." + base64url(HMAC-SHA256(secret, payload)).
type SessionSigner struct {
	cfg SessionSignerConfig
}

// NewSessionSigner constructs a SessionSigner from cfg.
func NewSessionSigner(cfg SessionSignerConfig) (*SessionSigner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SessionSigner{cfg: cfg}, nil
}

// Issue mints a fresh session token for accountID using the configured
// TTL, starting from the signer's clock.
func (s *SessionSigner) Issue(accountID string) (string, SessionClaims, error) {
	now := s.cfg.Clock.Now()
	claims := SessionClaims{
		AccountID: accountID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.cfg.TTL).Unix(),
		Nonce:     uuid.NewString(),
	}
	token, err := s.sign(claims)
	if err != nil {
		return "", SessionClaims{}, trace.Wrap(err)
	}
	return token, claims, nil
}

func (s *SessionSigner) sign(claims SessionClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", trace.Wrap(err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	sig := s.mac(encoded)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *SessionSigner) mac(encodedPayload string) []byte {
	h := hmac.New(sha256.New, s.cfg.Secret)
	h.Write([]byte(encodedPayload))
	return h.Sum(nil)
}

// Verify parses and validates token, returning "no session" (a
// trace.AccessDenied) on any parse, signature, or expiry failure — the
// caller never learns which, by design, since a session cookie is
// untrusted client input.
func (s *SessionSigner) Verify(token string) (SessionClaims, error) {
	var zero SessionClaims

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return zero, trace.AccessDenied("no session")
	}
	encoded, sigPart := parts[0], parts[1]

	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return zero, trace.AccessDenied("no session")
	}
	expected := s.mac(encoded)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return zero, trace.AccessDenied("no session")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return zero, trace.AccessDenied("no session")
	}
	var claims SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return zero, trace.AccessDenied("no session")
	}

	now := s.cfg.Clock.Now().Unix()
	if claims.ExpiresAt <= now {
		return zero, trace.AccessDenied("no session")
	}
	return claims, nil
}
