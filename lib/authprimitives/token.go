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
	"crypto"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/cryptosigner"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

// RoutedTokenClaims are the claims carried by a routed project-host
// token (SPEC_FULL.md §3, "Routed project-host token"): proof that the
// master authorized an account to act on a project at this host until
// Expiry.
type RoutedTokenClaims struct {
	josejwt.Claims
	// Act is always "account"; reserved for future actor kinds.
	Act       string `json:"act"`
	ProjectID string `json:"project_id"`
}

// TokenKeyConfig configures a TokenKey. Exactly one of PrivateKey (for
// minting, master-side only) or PublicKey (for verification, host-side)
// is required; a private key implies its public half.
type TokenKeyConfig struct {
	Clock      clockwork.Clock
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	Algorithm  jose.SignatureAlgorithm
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *TokenKeyConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PrivateKey != nil && c.PublicKey == nil {
		c.PublicKey = c.PrivateKey.Public()
	}
	if c.PrivateKey == nil && c.PublicKey == nil {
		return trace.BadParameter("a public or private key is required")
	}
	if c.Algorithm == "" {
		c.Algorithm = jose.ES256
	}
	return nil
}

// TokenKey signs (master side) and verifies (host side) routed
// project-host tokens. The host process is only ever constructed with a
// PublicKey, so a call to Sign on the host fails with BadParameter —
// "the host never signs these tokens" is enforced structurally, not by
// convention.
type TokenKey struct {
	cfg TokenKeyConfig
}

// NewTokenKey constructs a TokenKey from cfg.
func NewTokenKey(cfg TokenKeyConfig) (*TokenKey, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenKey{cfg: cfg}, nil
}

// MintParams groups the values that Sign takes as separate arguments;
// Sign itself does not accept a MintParams.
type MintParams struct {
	AccountID string
	HostID    string
	ProjectID string
	TTL       josejwt.NumericDate
}

// Sign mints a routed project-host token for (AccountID, ProjectID) on
// HostID, issued at the clock's current time and valid until the
// caller-supplied absolute expiry time. Only callable with a PrivateKey
// configured.
func (k *TokenKey) Sign(accountID, hostID, projectID string, expires josejwt.NumericDate) (string, error) {
	if k.cfg.PrivateKey == nil {
		return "", trace.BadParameter("cannot sign a routed project-host token without a private key")
	}
	if err := ValidateAccountID(accountID); err != nil {
		return "", trace.Wrap(err)
	}
	if hostID == "" {
		return "", trace.BadParameter("host id missing")
	}
	if projectID == "" {
		return "", trace.BadParameter("project id missing")
	}

	var signer interface{} = cryptosigner.Opaque(k.cfg.PrivateKey)
	signingKey := jose.SigningKey{Algorithm: k.cfg.Algorithm, Key: signer}
	sig, err := jose.NewSigner(signingKey, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", trace.Wrap(err)
	}

	now := josejwt.NewNumericDate(k.cfg.Clock.Now())
	claims := RoutedTokenClaims{
		Claims: josejwt.Claims{
			Subject:  accountID,
			Audience: josejwt.Audience{hostID},
			IssuedAt: now,
			Expiry:   &expires,
		},
		Act:       "account",
		ProjectID: projectID,
	}
	token, err := josejwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Verify parses and validates a routed project-host token against
// hostID: exp > now, aud == hostID, act == "account", sub is a UUID.
func (k *TokenKey) Verify(rawToken, hostID string) (*RoutedTokenClaims, error) {
	if k.cfg.PublicKey == nil {
		return nil, trace.AccessDenied("no verification key installed")
	}
	tok, err := josejwt.ParseSigned(rawToken)
	if err != nil {
		return nil, trace.AccessDenied("malformed token")
	}

	var claims RoutedTokenClaims
	if err := tok.Claims(k.cfg.PublicKey, &claims); err != nil {
		return nil, trace.AccessDenied("invalid token signature")
	}

	// Zero leeway: go-jose's default would accept a token for a minute
	// past its expiry.
	if err := claims.ValidateWithLeeway(josejwt.Expected{
		Audience: josejwt.Audience{hostID},
		Time:     k.cfg.Clock.Now(),
	}, 0); err != nil {
		return nil, trace.AccessDenied("token failed validation: %v", err)
	}
	if claims.Act != "account" {
		return nil, trace.AccessDenied("unexpected token actor %q", claims.Act)
	}
	if !IsValidUUID(claims.Subject) {
		return nil, trace.AccessDenied("token subject is not a valid account id")
	}
	return &claims, nil
}
