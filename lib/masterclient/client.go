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

// Package masterclient is the host's outbound RPC client to the
// master's conat bus (SPEC_FULL.md §4.9/§4.4/§4.7/§4.8): one
// request/reply round trip per call, dialed fresh over websocket and
// authenticated with either the current master bearer token or, during
// bootstrap, the one-time bootstrap token. It implements the narrow
// client interfaces lib/hosttoken, lib/tunnel, lib/registration, and
// lib/codexcache each declare against the master.
package masterclient

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/sagemathinc/project-host/lib/registration"
	"github.com/sagemathinc/project-host/lib/tunnel"
)

// frame mirrors lib/bus's wire shape: one JSON message type covering
// request, reply, and error.
type frame struct {
	Type    string          `json:"type"`
	Subject string          `json:"subject,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TokenSource returns the bearer token to present on the next dial.
// Called fresh for every request so a rotated token takes effect
// immediately.
type TokenSource func() (string, error)

// Config configures a Client.
type Config struct {
	// URL is the master conat server's websocket URL
	// (COCALC_MASTER_CONAT_SERVER).
	URL string
	// Token supplies the bearer credential for each dial.
	Token TokenSource
	// DialTimeout bounds the websocket handshake. Defaults to 10s.
	DialTimeout time.Duration
	// RequestTimeout bounds a single request/reply round trip.
	// Defaults to 30s, per SPEC_FULL.md's default RPC timeout.
	RequestTimeout time.Duration
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("master conat server URL is required")
	}
	if c.Token == nil {
		return trace.BadParameter("token source is required")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return nil
}

// Client is a stateless (per-call) RPC client to the master. Each call
// dials, authenticates, sends exactly one request frame, reads exactly
// one reply frame, and closes — matching SPEC_FULL.md's description of
// master RPCs as single-turn request/reply.
type Client struct {
	cfg Config
}

// New constructs a Client from cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.Token()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := map[string][]string{"Authorization": {"Bearer " + token}}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing master conat server")
	}
	return ws, nil
}

// call performs one request/reply round trip on subject, marshaling
// req as the request payload and unmarshaling the reply payload into
// resp (if non-nil).
func (c *Client) call(ctx context.Context, subject string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ws, err := c.dial(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer ws.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return trace.Wrap(err)
	}
	if dl, ok := ctx.Deadline(); ok {
		ws.SetWriteDeadline(dl)
		ws.SetReadDeadline(dl)
	}
	if err := ws.WriteJSON(frame{Type: "req", Subject: subject, ID: uuid.NewString(), Data: data}); err != nil {
		return trace.ConnectionProblem(err, "writing request to master")
	}

	var reply frame
	if err := ws.ReadJSON(&reply); err != nil {
		return trace.ConnectionProblem(err, "reading reply from master")
	}
	if reply.Type == "err" {
		return trace.BadParameter("master rejected %s: %s", subject, reply.Error)
	}
	if resp == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, resp); err != nil {
		return trace.Wrap(err, "decoding reply from %s", subject)
	}
	return nil
}

// IssueProjectHostAuthToken implements lib/hosttoken.Issuer.
func (c *Client) IssueProjectHostAuthToken(hostID, projectID string) (string, time.Time, error) {
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	req := struct {
		HostID    string `json:"host_id"`
		ProjectID string `json:"project_id"`
	}{hostID, projectID}
	if err := c.call(context.Background(), "issueProjectHostAuthToken", req, &resp); err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return resp.Token, resp.ExpiresAt, nil
}

// RegisterOnPremTunnel implements lib/tunnel.Registrar.
func (c *Client) RegisterOnPremTunnel(ctx context.Context, hostID, publicKey string) (tunnel.Params, error) {
	var resp struct {
		SSHDHost       string `json:"sshd_host"`
		SSHDPort       int    `json:"sshd_port"`
		SSHUser        string `json:"ssh_user"`
		HTTPTunnelPort int    `json:"http_tunnel_port"`
		SSHTunnelPort  int    `json:"ssh_tunnel_port"`
		RestPort       int    `json:"rest_port"`
	}
	req := struct {
		HostID    string `json:"host_id"`
		PublicKey string `json:"public_key"`
	}{hostID, publicKey}
	if err := c.call(ctx, "registerOnPremTunnel", req, &resp); err != nil {
		return tunnel.Params{}, trace.Wrap(err)
	}
	return tunnel.Params{
		SSHDHost:       resp.SSHDHost,
		SSHDPort:       resp.SSHDPort,
		SSHUser:        resp.SSHUser,
		HTTPTunnelPort: resp.HTTPTunnelPort,
		SSHTunnelPort:  resp.SSHTunnelPort,
		RestPort:       resp.RestPort,
	}, nil
}

// RotateMasterConatToken implements lib/registration.Master.
func (c *Client) RotateMasterConatToken(ctx context.Context, hostID, bootstrapToken string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	req := struct {
		HostID         string `json:"host_id"`
		BootstrapToken string `json:"bootstrap_token"`
	}{hostID, bootstrapToken}
	// The bootstrap call authenticates with the bootstrap token itself,
	// not the (possibly absent) master bearer token.
	bootstrapped := &Client{cfg: c.cfg}
	bootstrapped.cfg.Token = func() (string, error) { return bootstrapToken, nil }
	if err := bootstrapped.call(ctx, "rotateMasterConatToken", req, &resp); err != nil {
		return "", trace.Wrap(err)
	}
	return resp.Token, nil
}

// FetchProjectHostAuthPublicKey implements lib/registration.Master.
func (c *Client) FetchProjectHostAuthPublicKey(ctx context.Context) (crypto.PublicKey, error) {
	var resp struct {
		PublicKeyDER []byte `json:"public_key_der"`
	}
	if err := c.call(ctx, "fetchProjectHostAuthPublicKey", struct{}{}, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	pub, err := x509.ParsePKIXPublicKey(resp.PublicKeyDER)
	if err != nil {
		return nil, trace.Wrap(err, "parsing project-host auth public key")
	}
	return pub, nil
}

// SubscribeKeyBroadcast implements lib/registration.Master. It holds one
// connection open and invokes onUpdate for every broadcast received,
// returning when ctx is canceled or the connection drops.
func (c *Client) SubscribeKeyBroadcast(ctx context.Context, onUpdate func(crypto.PublicKey)) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(frame{Type: "sub", Subject: "projectHostAuthKey.broadcast", ID: uuid.NewString()}); err != nil {
		return trace.ConnectionProblem(err, "subscribing to key broadcast")
	}

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.ConnectionProblem(err, "key broadcast subscription dropped")
		}
		var payload struct {
			PublicKeyDER []byte `json:"public_key_der"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(payload.PublicKeyDER)
		if err != nil {
			continue
		}
		onUpdate(pub)
	}
}

// Announce implements lib/registration.Master.
func (c *Client) Announce(ctx context.Context, a registration.Announcement) error {
	return trace.Wrap(c.call(ctx, "register", a, nil))
}

// Heartbeat implements lib/registration.Master.
func (c *Client) Heartbeat(ctx context.Context, hostID string) error {
	req := struct {
		ID string `json:"id"`
	}{hostID}
	return trace.Wrap(c.call(ctx, "heartbeat", req, nil))
}

// Exists implements lib/codexcache.Registry.
func (c *Client) Exists(accountID string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	req := struct {
		AccountID string `json:"account_id"`
	}{accountID}
	if err := c.call(context.Background(), "codexCredential.exists", req, &resp); err != nil {
		return false, trace.Wrap(err)
	}
	return resp.Exists, nil
}

// Pull implements lib/codexcache.Registry.
func (c *Client) Pull(accountID string) ([]byte, error) {
	var resp struct {
		Payload []byte `json:"payload"`
	}
	req := struct {
		AccountID string `json:"account_id"`
	}{accountID}
	if err := c.call(context.Background(), "codexCredential.pull", req, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Payload, nil
}

// Push implements lib/codexcache.Registry.
func (c *Client) Push(accountID string, payload []byte) error {
	req := struct {
		AccountID string `json:"account_id"`
		Payload   []byte `json:"payload"`
	}{accountID, payload}
	return trace.Wrap(c.call(context.Background(), "codexCredential.push", req, nil))
}

// NotifyUsed implements lib/codexcache.Registry. Best-effort: a failed
// call is discarded, neither returned nor logged. The call itself is
// synchronous and bounded by RequestTimeout.
func (c *Client) NotifyUsed(accountID string) {
	req := struct {
		AccountID string `json:"account_id"`
	}{accountID}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	c.call(ctx, "codexCredential.notifyUsed", req, nil)
}
