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

// Package hosttoken implements the host-side consumer of routed
// project-host tokens (SPEC_FULL.md §4.4): a per-(host,project) cache
// that refreshes ahead of expiry and deduplicates concurrent issuance
// requests with a single-flight guard.
package hosttoken

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	projecthost "github.com/sagemathinc/project-host"
)

// Issuer calls the master's issueProjectHostAuthToken RPC.
type Issuer interface {
	IssueProjectHostAuthToken(hostID, projectID string) (token string, expiresAt time.Time, err error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	HostID string
	Issuer Issuer
	Clock  clockwork.Clock
	// Leeway is how far ahead of expiry a cached token is refreshed.
	// Defaults to projecthost.HostTokenLeeway.
	Leeway time.Duration
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.HostID == "" {
		return trace.BadParameter("host id is required")
	}
	if c.Issuer == nil {
		return trace.BadParameter("issuer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Leeway == 0 {
		c.Leeway = projecthost.HostTokenLeeway
	}
	return nil
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Client caches routed project-host tokens per (host, project) and
// refreshes them transparently. It guarantees at most one in-flight
// issuance per project at a time (SPEC_FULL.md §5, testable property 3).
type Client struct {
	cfg ClientConfig

	mu     sync.Mutex
	tokens map[string]cachedToken

	group singleflight.Group
}

// NewClient constructs a Client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, tokens: make(map[string]cachedToken)}, nil
}

// Token returns a valid routed project-host token for projectID,
// reusing the cached one unless it expires within the configured
// leeway.
func (c *Client) Token(projectID string) (string, error) {
	if cached, ok := c.get(projectID); ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(projectID, func() (interface{}, error) {
		if cached, ok := c.get(projectID); ok {
			return cached, nil
		}
		token, expiresAt, err := c.cfg.Issuer.IssueProjectHostAuthToken(c.cfg.HostID, projectID)
		if err != nil {
			return "", trace.Wrap(err)
		}
		c.set(projectID, token, expiresAt)
		return token, nil
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return v.(string), nil
}

// Invalidate drops the cached token for projectID, e.g. after observing
// a 401-class error on a routed connection using it.
func (c *Client) Invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, projectID)
}

func (c *Client) get(projectID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tokens[projectID]
	if !ok {
		return "", false
	}
	if c.cfg.Clock.Now().Add(c.cfg.Leeway).After(t.expiresAt) {
		return "", false
	}
	return t.token, true
}

func (c *Client) set(projectID, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[projectID] = cachedToken{token: token, expiresAt: expiresAt}
}
