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

// Package registration implements the host's registration loop against
// the master (SPEC_FULL.md §4.9): bootstrap the master conat token,
// install the project-host auth public key, announce this host, send
// heartbeats, and keep the master bearer token fresh.
package registration

import (
	"context"
	"crypto"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultBearerCheckInterval = 30 * time.Second
)

// Announcement is the payload published on the "register" subject.
type Announcement struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Region              string            `json:"region"`
	PublicURL           string            `json:"public_url,omitempty"`
	InternalURL         string            `json:"internal_url,omitempty"`
	SSHServer           bool              `json:"ssh_server"`
	SSHPiperdPublicKey  string            `json:"sshpiperd_public_key,omitempty"`
	Version             string            `json:"version"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Master is the subset of bus/control RPCs the registration loop needs
// against the master.
type Master interface {
	RotateMasterConatToken(ctx context.Context, hostID, bootstrapToken string) (string, error)
	FetchProjectHostAuthPublicKey(ctx context.Context) (crypto.PublicKey, error)
	SubscribeKeyBroadcast(ctx context.Context, onUpdate func(crypto.PublicKey)) error
	Announce(ctx context.Context, a Announcement) error
	Heartbeat(ctx context.Context, hostID string) error
}

// TokenStore persists and reads the master bearer token, and exposes
// the bootstrap token this host was provisioned with.
type TokenStore interface {
	MasterToken(envOverride string) (string, error)
	SetMasterToken(token string) error
	BootstrapToken() (string, error)
}

// KeyInstaller installs a freshly fetched project-host auth public key
// process-wide (it backs authprimitives.TokenKey's PublicKey on the
// host side).
type KeyInstaller interface {
	InstallPublicKey(crypto.PublicKey)
}

// ControlService registers the per-host control RPC surface (create,
// start/stop project, update authorized keys, etc.) under
// hosts.<host_id>. It is opaque to this package: wiring the concrete
// methods together is the caller's job, this loop only calls Register
// once the bus client is ready.
type ControlService interface {
	Register(ctx context.Context, hostID string) error
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	HostID          string
	Announcement    Announcement
	Master          Master
	Tokens          TokenStore
	Keys            KeyInstaller
	Control         ControlService
	Clock           clockwork.Clock
	Log             *logrus.Entry
	HeartbeatInterval  time.Duration
	BearerCheckInterval time.Duration
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *LoopConfig) CheckAndSetDefaults() error {
	if c.HostID == "" {
		return trace.BadParameter("host id is required")
	}
	if c.Master == nil {
		return trace.BadParameter("master client is required")
	}
	if c.Tokens == nil {
		return trace.BadParameter("token store is required")
	}
	if c.Keys == nil {
		return trace.BadParameter("key installer is required")
	}
	if c.Control == nil {
		return trace.BadParameter("control service is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "registration")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.BearerCheckInterval <= 0 {
		c.BearerCheckInterval = defaultBearerCheckInterval
	}
	return nil
}

// Loop owns the registration and heartbeat lifecycle for one host
// process.
type Loop struct {
	cfg LoopConfig
}

// NewLoop constructs a Loop from cfg.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Loop{cfg: cfg}, nil
}

// Bootstrap ensures a master bearer token exists on disk, rotating
// from the bootstrap token if necessary (SPEC_FULL.md §4.9 step 2).
func (l *Loop) Bootstrap(ctx context.Context) error {
	token, err := l.cfg.Tokens.MasterToken("")
	if err != nil {
		return trace.Wrap(err)
	}
	if token != "" {
		return nil
	}

	bootstrap, err := l.cfg.Tokens.BootstrapToken()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := validateBootstrapEnvelope(bootstrap); err != nil {
		return trace.Wrap(err)
	}

	rotated, err := l.cfg.Master.RotateMasterConatToken(ctx, l.cfg.HostID, bootstrap)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(l.cfg.Tokens.SetMasterToken(rotated))
}

// validateBootstrapEnvelope does a structural sanity check on the
// bootstrap token before spending an RPC on it: it must be a
// well-formed (if unverified, since the host has no key to verify it
// with yet) JWT envelope. A malformed envelope fails fast with a clear
// error rather than an opaque RPC rejection.
func validateBootstrapEnvelope(token string) error {
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err != nil {
		return trace.BadParameter("malformed bootstrap token: %v", err)
	}
	return nil
}

// Start runs the one-time setup (steps 1-6) and returns; the caller
// runs Run in a goroutine for the ongoing heartbeat/bearer-check loop.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.Bootstrap(ctx); err != nil {
		return trace.Wrap(err)
	}

	key, err := l.cfg.Master.FetchProjectHostAuthPublicKey(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	l.cfg.Keys.InstallPublicKey(key)

	// SubscribeKeyBroadcast blocks for the life of ctx (it's a read loop
	// over the master connection), so it must run in its own goroutine:
	// inline, it would never let Announce/Control.Register below run.
	go l.runKeyBroadcastSubscription(ctx)

	if err := l.cfg.Master.Announce(ctx, l.cfg.Announcement); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(l.cfg.Control.Register(ctx, l.cfg.HostID))
}

// runKeyBroadcastSubscription keeps the project-host auth public key
// current for as long as ctx lives. A returned error other than context
// cancellation is logged and not retried here; the host keeps running
// with whatever key it installed last.
func (l *Loop) runKeyBroadcastSubscription(ctx context.Context) {
	if err := l.cfg.Master.SubscribeKeyBroadcast(ctx, l.cfg.Keys.InstallPublicKey); err != nil && ctx.Err() == nil {
		l.cfg.Log.WithError(err).Warn("project-host auth key broadcast subscription ended")
	}
}

// Run sends periodic heartbeats and checks the master bearer token
// until ctx is canceled. Call after Start succeeds.
func (l *Loop) Run(ctx context.Context) {
	heartbeat := l.cfg.Clock.NewTicker(l.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	bearerCheck := l.cfg.Clock.NewTicker(l.cfg.BearerCheckInterval)
	defer bearerCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.Chan():
			if err := l.cfg.Master.Heartbeat(ctx, l.cfg.HostID); err != nil {
				l.cfg.Log.WithError(err).Warn("heartbeat failed")
			}
		case <-bearerCheck.Chan():
			if err := l.checkBearerToken(ctx); err != nil {
				l.cfg.Log.WithError(err).Warn("master bearer token check failed, will retry next tick")
			}
		}
	}
}

func (l *Loop) checkBearerToken(ctx context.Context) error {
	token, err := l.cfg.Tokens.MasterToken("")
	if err != nil {
		return trace.Wrap(err)
	}
	if token != "" {
		return nil
	}

	bootstrap, err := l.cfg.Tokens.BootstrapToken()
	if err != nil {
		return trace.Wrap(err)
	}
	rotated, err := l.cfg.Master.RotateMasterConatToken(ctx, l.cfg.HostID, bootstrap)
	if err != nil {
		// Never reuse the previous (already-invalidated-by-the-master)
		// token; leave it absent and retry on the next tick.
		return trace.Wrap(err)
	}
	return trace.Wrap(l.cfg.Tokens.SetMasterToken(rotated))
}
