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

// Package secrets persists the host's own credentials — the local
// conat password and the master bearer token — on disk with restrictive
// permissions, generating the former if it is missing. It is the only
// package in this repository allowed to write these two files; callers
// that need the current value read through Store rather than touching
// the filesystem directly.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"

	projecthost "github.com/sagemathinc/project-host"
)

const (
	fileMode = 0600
	dirMode  = 0700
)

// Store reads and writes the host's local credential files under Dir.
type Store struct {
	// Dir is the secrets directory. Created with dirMode if missing.
	Dir string
}

// NewStore constructs a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, trace.BadParameter("secrets directory is required")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Read returns the trimmed contents of name, or "" if the file is
// absent. Whitespace-only contents are also treated as absent.
func (s *Store) Read(name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", trace.ConvertSystemError(err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write atomically replaces name's contents: it writes to a temp file in
// the same directory (so the rename is on one filesystem) with fileMode,
// then renames it over the target. Concurrent writers are not
// serialized here; callers must respect the single-owner-per-file rule
// (only C10 writes the master token, only C2 generates the conat
// password).
func (s *Store) Write(name, value string) error {
	target := s.path(name)
	tmp, err := os.CreateTemp(s.Dir, "."+name+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// generateSecret returns a base64url-encoded 256-bit random secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ConatPassword returns the host's local conat password: envOverride if
// non-empty, else the on-disk value, generating and persisting a fresh
// 256-bit secret if none exists yet.
func (s *Store) ConatPassword(envOverride string) (string, error) {
	if envOverride != "" {
		return envOverride, nil
	}

	existing, err := s.Read(projecthost.ConatPasswordFile)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if existing != "" {
		return existing, nil
	}

	lock := flock.New(s.path(projecthost.ConatPasswordFile + ".lock"))
	if err := lock.Lock(); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer lock.Unlock()

	// Re-check under the lock: another process may have generated one
	// while we were waiting.
	existing, err = s.Read(projecthost.ConatPasswordFile)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if existing != "" {
		return existing, nil
	}

	secret, err := generateSecret()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.Write(projecthost.ConatPasswordFile, secret); err != nil {
		return "", trace.Wrap(err)
	}
	return secret, nil
}

// MasterToken returns the current master bearer token, or "" if none has
// been written yet (C10 writes it via SetMasterToken once a rotation
// succeeds).
func (s *Store) MasterToken(envOverride string) (string, error) {
	if envOverride != "" {
		return envOverride, nil
	}
	return s.Read(projecthost.MasterTokenFile)
}

// SetMasterToken persists the master bearer token. Only the registration
// loop (C10) should call this.
func (s *Store) SetMasterToken(token string) error {
	return trace.Wrap(s.Write(projecthost.MasterTokenFile, token))
}

// SessionSecret returns the HMAC key used to sign session cookies,
// generating and persisting a fresh 256-bit secret the first time it is
// needed. Stable across restarts so existing sessions keep working.
func (s *Store) SessionSecret() ([]byte, error) {
	existing, err := s.Read(projecthost.SessionSecretFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing != "" {
		return base64.RawURLEncoding.DecodeString(existing)
	}

	lock := flock.New(s.path(projecthost.SessionSecretFile + ".lock"))
	if err := lock.Lock(); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer lock.Unlock()

	existing, err = s.Read(projecthost.SessionSecretFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing != "" {
		return base64.RawURLEncoding.DecodeString(existing)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Write(projecthost.SessionSecretFile, secret); err != nil {
		return nil, trace.Wrap(err)
	}
	return base64.RawURLEncoding.DecodeString(secret)
}

// BootstrapToken returns the one-time token used to acquire the first
// master bearer token on a fresh host: the environment variable if set,
// else the on-disk bootstrap config file fallback. Returns a
// BadParameter error if neither is present, since the registration loop
// cannot proceed without one.
func (s *Store) BootstrapToken() (string, error) {
	if env := os.Getenv(projecthost.EnvBootstrapToken); env != "" {
		return env, nil
	}
	token, err := s.Read(projecthost.BootstrapTokenFile)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if token == "" {
		return "", trace.BadParameter("no bootstrap token found in %s or %s", projecthost.EnvBootstrapToken, s.path(projecthost.BootstrapTokenFile))
	}
	return token, nil
}
