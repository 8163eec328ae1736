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

package secrets

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	projecthost "github.com/sagemathinc/project-host"
)

// TunnelKeyPair loads the Ed25519 key pair used to authenticate the
// reverse-SSH tunnel, generating and persisting one the first time it is
// requested. The private key file is mode 0600; the public key (in
// authorized_keys format, uploaded to the master on every registration)
// is mode 0644.
func (s *Store) TunnelKeyPair() (signer ssh.Signer, publicKeyLine string, err error) {
	keyPath := s.path(projecthost.TunnelKeyFile)
	pubPath := s.path(projecthost.TunnelPubKeyFile)

	if err := os.MkdirAll(filepath.Dir(keyPath), dirMode); err != nil {
		return nil, "", trace.ConvertSystemError(err)
	}

	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err = ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, "", trace.Wrap(err, "parsing existing tunnel key at %s", keyPath)
		}
	case os.IsNotExist(err):
		signer, err = generateTunnelKey(keyPath, pubPath)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
	default:
		return nil, "", trace.ConvertSystemError(err)
	}

	pubRaw, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, "", trace.ConvertSystemError(err)
	}
	return signer, string(pubRaw), nil
}

func generateTunnelKey(keyPath, pubPath string) (ssh.Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), fileMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}
