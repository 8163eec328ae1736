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

// Package store holds the host's SQLite-backed projections: project
// rows, secret tokens, the account-revocation cursor, and the host's own
// identity. Every table here is treated as an opaque, process-local
// cache of state the master owns — the store never talks to the master
// directly; callers refresh it from bus messages.
package store

import (
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS host_identity (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	host_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	host_id TEXT,
	state TEXT,
	last_edited INTEGER,
	deleted INTEGER,
	users TEXT NOT NULL DEFAULT '{}',
	secret_token TEXT
);

CREATE TABLE IF NOT EXISTS account_revocations (
	account_id TEXT PRIMARY KEY,
	revoked_before_ms INTEGER NOT NULL,
	updated_ms INTEGER NOT NULL
);
`

// Store wraps a *sql.DB holding the host's local SQLite projections.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY churn.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "applying schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

// HostIdentity returns the persisted host id, or "" if none has been
// chosen yet.
func (s *Store) HostIdentity() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT host_id FROM host_identity WHERE id = 0`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return id, nil
}

// SetHostIdentity persists hostID, called once at first boot.
func (s *Store) SetHostIdentity(hostID string) error {
	_, err := s.db.Exec(
		`INSERT INTO host_identity (id, host_id) VALUES (0, ?)
		 ON CONFLICT (id) DO UPDATE SET host_id = excluded.host_id`,
		hostID,
	)
	return trace.Wrap(err)
}

// ProjectUser is one entry of a project's users map.
type ProjectUser struct {
	Group string `json:"group"`
}

// Project mirrors the master's project row (SPEC_FULL.md §3).
type Project struct {
	ProjectID   string
	Title       string
	HostID      string
	State       string
	LastEdited  int64
	Deleted     bool
	Users       map[string]ProjectUser
	SecretToken string
}

// UpsertProject stores or updates p's non-secret fields. SecretToken is
// managed separately by SecretToken and is not
// overwritten here unless p.SecretToken is non-empty.
func (s *Store) UpsertProject(p Project) error {
	usersJSON, err := json.Marshal(p.Users)
	if err != nil {
		return trace.Wrap(err)
	}

	if p.SecretToken != "" {
		_, err = s.db.Exec(`
			INSERT INTO projects (project_id, title, host_id, state, last_edited, deleted, users, secret_token)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (project_id) DO UPDATE SET
				title = excluded.title, host_id = excluded.host_id, state = excluded.state,
				last_edited = excluded.last_edited, deleted = excluded.deleted, users = excluded.users,
				secret_token = excluded.secret_token`,
			p.ProjectID, p.Title, p.HostID, p.State, p.LastEdited, p.Deleted, string(usersJSON), p.SecretToken,
		)
		return trace.Wrap(err)
	}

	_, err = s.db.Exec(`
		INSERT INTO projects (project_id, title, host_id, state, last_edited, deleted, users)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			title = excluded.title, host_id = excluded.host_id, state = excluded.state,
			last_edited = excluded.last_edited, deleted = excluded.deleted, users = excluded.users`,
		p.ProjectID, p.Title, p.HostID, p.State, p.LastEdited, p.Deleted, string(usersJSON),
	)
	return trace.Wrap(err)
}

// GetProject returns the project row for id, or NotFound.
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	var usersJSON string
	var hostID, state, secretToken sql.NullString
	var lastEdited sql.NullInt64

	err := s.db.QueryRow(
		`SELECT project_id, title, host_id, state, last_edited, deleted, users, secret_token FROM projects WHERE project_id = ?`,
		id,
	).Scan(&p.ProjectID, &p.Title, &hostID, &state, &lastEdited, &p.Deleted, &usersJSON, &secretToken)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("project %s not found", id)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.HostID = hostID.String
	p.State = state.String
	p.LastEdited = lastEdited.Int64
	p.SecretToken = secretToken.String

	p.Users = map[string]ProjectUser{}
	if usersJSON != "" {
		if err := json.Unmarshal([]byte(usersJSON), &p.Users); err != nil {
			return nil, trace.Wrap(err, "decoding users for project %s", id)
		}
	}
	return &p, nil
}

// IsCollaborator implements authprimitives.CollaboratorChecker: an
// account is a collaborator iff its group is "owner" or "collaborator",
// or the account id equals the project id (the project-identity
// self-access case).
func (s *Store) IsCollaborator(accountID, projectID string) (bool, error) {
	if accountID == projectID {
		return true, nil
	}
	p, err := s.GetProject(projectID)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	u, ok := p.Users[accountID]
	if !ok {
		return false, nil
	}
	return u.Group == "owner" || u.Group == "collaborator", nil
}

// SecretToken returns p's secret token, generating and persisting one on
// first read if the row does not yet have one (SPEC_FULL.md §3: "never
// leaves the host").
func (s *Store) SecretToken(projectID string, generate func() (string, error)) (string, error) {
	p, err := s.GetProject(projectID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if p.SecretToken != "" {
		return p.SecretToken, nil
	}

	token, err := generate()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := s.db.Exec(`UPDATE projects SET secret_token = ? WHERE project_id = ?`, token, projectID); err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// CheckProjectSecret implements bus.ProjectSecretChecker: secret
// authenticates as projectID iff it matches the row's persisted
// secret_token exactly.
func (s *Store) CheckProjectSecret(projectID, secret string) (bool, error) {
	p, err := s.GetProject(projectID)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return p.SecretToken != "" && p.SecretToken == secret, nil
}

// AccountRevocation returns the revoked_before_ms cursor for accountID,
// or 0 if the account has never been revoked.
func (s *Store) AccountRevocation(accountID string) (int64, error) {
	var revokedBefore int64
	err := s.db.QueryRow(`SELECT revoked_before_ms FROM account_revocations WHERE account_id = ?`, accountID).Scan(&revokedBefore)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return revokedBefore, nil
}

// SetAccountRevocation records that accountID's sessions issued at or
// before revokedBeforeMs must be rejected, stamped with updatedMs.
func (s *Store) SetAccountRevocation(accountID string, revokedBeforeMs, updatedMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO account_revocations (account_id, revoked_before_ms, updated_ms) VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			revoked_before_ms = excluded.revoked_before_ms, updated_ms = excluded.updated_ms
		WHERE excluded.updated_ms >= account_revocations.updated_ms`,
		accountID, revokedBeforeMs, updatedMs,
	)
	return trace.Wrap(err)
}

// IsRevoked reports whether a session issued at iatSeconds must be
// rejected for accountID (SPEC_FULL.md §3 invariant).
func (s *Store) IsRevoked(accountID string, iatSeconds int64) (bool, error) {
	revokedBefore, err := s.AccountRevocation(accountID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return iatSeconds*1000 <= revokedBefore, nil
}
