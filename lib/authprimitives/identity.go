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

// Package authprimitives implements the bearer-token verification,
// session-cookie signing, and subject-level ACL predicate shared by the
// bus server and the HTTP/WS proxy authorizer.
package authprimitives

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	projecthost "github.com/sagemathinc/project-host"
)

// Identity is the authenticated principal bound to a bus connection or
// an HTTP session: one of a hub service, an account, or a project acting
// on its own behalf.
type Identity struct {
	Type projecthost.UserType
	// ID is the account id or project id; empty for the hub identity.
	ID string
}

// Hub is the identity shared by trusted, in-process services.
func Hub() Identity { return Identity{Type: projecthost.UserTypeHub} }

// Account builds the identity for an authenticated end user.
func Account(id string) Identity { return Identity{Type: projecthost.UserTypeAccount, ID: id} }

// Project builds the identity a project assumes for its own bus traffic.
func Project(id string) Identity { return Identity{Type: projecthost.UserTypeProject, ID: id} }

// InboxPrefix is the subject prefix bound to this identity's reply
// subjects, so a reply can never be delivered to a different principal.
func (id Identity) InboxPrefix() string {
	switch id.Type {
	case projecthost.UserTypeHub:
		return "_inbox.hub"
	case projecthost.UserTypeAccount:
		return fmt.Sprintf("_inbox.account.%s", id.ID)
	case projecthost.UserTypeProject:
		return fmt.Sprintf("_inbox.project.%s", id.ID)
	default:
		return "_inbox.unknown"
	}
}

func (id Identity) String() string {
	if id.Type == projecthost.UserTypeHub {
		return "hub"
	}
	return fmt.Sprintf("%s(%s)", id.Type, id.ID)
}

// IsValidUUID reports whether s parses as a UUID, the shape required of
// both account and project identifiers.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidateAccountID checks that id is present and a well-formed UUID.
func ValidateAccountID(id string) error {
	if id == "" {
		return trace.BadParameter("account id missing")
	}
	if !IsValidUUID(id) {
		return trace.BadParameter("account id %q is not a valid UUID", id)
	}
	return nil
}
