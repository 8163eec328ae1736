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
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/ttlcache"
)

// CollaboratorChecker answers whether accountID is a collaborator (or
// owner) on projectID. It is backed by the SQLite project projection;
// ACL exposes only the narrow predicate it needs, not the row.
type CollaboratorChecker interface {
	IsCollaborator(accountID, projectID string) (bool, error)
}

// ACLConfig configures an ACL.
type ACLConfig struct {
	Collaborators CollaboratorChecker
	Clock         clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *ACLConfig) CheckAndSetDefaults() error {
	if c.Collaborators == nil {
		return trace.BadParameter("collaborator checker is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ACL evaluates the subject-level allow/deny predicate shared by the bus
// server and the HTTP/WS proxy. It owns the two short-TTL caches the
// predicate depends on; both are flushed together by Flush so a
// revocation or membership change can never be served stale past a
// single call.
type ACL struct {
	cfg ACLConfig

	collaboratorCache *ttlcache.Cache[string, bool]
	decisionCache     *ttlcache.Cache[string, bool]
}

// NewACL constructs an ACL from cfg.
func NewACL(cfg ACLConfig) (*ACL, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	collabCache, err := ttlcache.New[string, bool](ttlcache.Config{
		TTL:        projecthost.CollaboratorCacheTTL,
		MaxEntries: projecthost.CollaboratorCacheMaxEntries,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	decisionCache, err := ttlcache.New[string, bool](ttlcache.Config{
		TTL:        projecthost.AuthDecisionCacheTTL,
		MaxEntries: projecthost.AuthDecisionCacheMaxEntries,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &ACL{cfg: cfg, collaboratorCache: collabCache, decisionCache: decisionCache}, nil
}

// commonAllowlist covers subjects every identity may use regardless of
// scope: heartbeats and the identity's own inbox.
func commonAllowlist(user Identity, subject string) bool {
	if subject == "heartbeat" {
		return true
	}
	return strings.HasPrefix(subject, user.InboxPrefix())
}

// subjectScope extracts the scope kind and id from a dotted subject name
// of the form "<kind>.<id>.<rest...>", e.g. "project.<uuid>.files.list".
// Subjects with no recognizable scope prefix are treated as unscoped and
// denied by everything but the hub.
func subjectScope(subject string) (kind, id string, ok bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	switch parts[0] {
	case "account", "project":
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

// Allow evaluates whether user may perform typ on subject, per
// SPEC_FULL.md §4.1. Decisions are cached with projecthost.AuthDecisionCacheTTL.
func (a *ACL) Allow(user Identity, subject string, typ projecthost.SubjectType) (bool, error) {
	cacheKey := fmt.Sprintf("%s:%s:%s:%s", user.Type, user.ID, typ, subject)
	if allow, ok := a.decisionCache.Get(cacheKey); ok {
		return allow, nil
	}

	allow, err := a.evaluate(user, subject)
	if err != nil {
		return false, err
	}
	a.decisionCache.Set(cacheKey, allow)
	return allow, nil
}

func (a *ACL) evaluate(user Identity, subject string) (bool, error) {
	if commonAllowlist(user, subject) {
		return true, nil
	}

	// Rule 1: hub is allowed everything.
	if user.Type == projecthost.UserTypeHub {
		return true, nil
	}

	kind, id, ok := subjectScope(subject)
	if !ok {
		return false, nil
	}

	switch user.Type {
	case projecthost.UserTypeAccount:
		// Rule 2: scoped to the account itself...
		if kind == "account" && id == user.ID {
			return true, nil
		}
		// ...or scoped to a project this account collaborates on.
		if kind == "project" {
			isCollab, err := a.isCollaboratorCached(user.ID, id)
			if err != nil {
				return false, err
			}
			return isCollab, nil
		}
		return false, nil
	case projecthost.UserTypeProject:
		// Rule 3: project(P) is allowed on subjects scoped to project P.
		return kind == "project" && id == user.ID, nil
	default:
		return false, nil
	}
}

func (a *ACL) isCollaboratorCached(accountID, projectID string) (bool, error) {
	cacheKey := accountID + ":" + projectID
	if v, ok := a.collaboratorCache.Get(cacheKey); ok {
		return v, nil
	}
	isCollab, err := a.cfg.Collaborators.IsCollaborator(accountID, projectID)
	if err != nil {
		return false, err
	}
	a.collaboratorCache.Set(cacheKey, isCollab)
	return isCollab, nil
}

// Flush empties both the collaborator and decision caches. Both must be
// dropped together: stale entries in either one can resurrect a denied
// decision.
func (a *ACL) Flush() {
	a.collaboratorCache.Flush()
	a.decisionCache.Flush()
}
