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

// Package tunnel supervises the reverse-SSH tunnel that keeps a
// project host reachable from the master without an inbound listener
// (SPEC_FULL.md §4.7): register, spawn, watch for forward failures,
// and restart with backoff.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// forwardFailurePatterns are stderr substrings that indicate one of the
// tunnel's remote forwards could not be established upstream.
var forwardFailurePatterns = []string{
	"connect_to 127.0.0.1 port",
	"open failed: connect failed: Connection refused",
}

// Params is the reverse-tunnel configuration returned by the master's
// registerOnPremTunnel RPC.
type Params struct {
	SSHDHost       string
	SSHDPort       int
	SSHUser        string
	HTTPTunnelPort int
	SSHTunnelPort  int
	RestPort       int
}

// Registrar performs registerOnPremTunnel against the master.
type Registrar interface {
	RegisterOnPremTunnel(ctx context.Context, hostID, publicKey string) (Params, error)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	HostID        string
	PublicKey     string
	KeyPath       string
	Registrar     Registrar
	LocalHTTPPort int
	LocalSSHPort  int
	RestLocalPort int
	Clock         clockwork.Clock
	Log           *logrus.Entry

	// RestartDelay is the fixed delay before restarting after a clean
	// child exit or a debounced forward failure. Defaults to 5s.
	RestartDelay time.Duration
	// ForwardFailureDebounce is the minimum spacing between two
	// forward-failure-triggered restarts. Defaults to 15s.
	ForwardFailureDebounce time.Duration
	// BackoffInitial/BackoffMax bound registration retry backoff.
	// Default to 2s / 60s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// runSSH spawns the ssh child; overridable in tests.
	runSSH func(ctx context.Context, args []string) (cmd *exec.Cmd, stderr io.ReadCloser, err error)
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *SupervisorConfig) CheckAndSetDefaults() error {
	if c.HostID == "" {
		return trace.BadParameter("host id is required")
	}
	if c.PublicKey == "" {
		return trace.BadParameter("public key is required")
	}
	if c.KeyPath == "" {
		return trace.BadParameter("key path is required")
	}
	if c.Registrar == nil {
		return trace.BadParameter("registrar is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "tunnel")
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.ForwardFailureDebounce <= 0 {
		c.ForwardFailureDebounce = 15 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.runSSH == nil {
		c.runSSH = spawnSSH
	}
	return nil
}

// Supervisor keeps one reverse-SSH tunnel alive, re-registering and
// restarting as needed.
type Supervisor struct {
	cfg SupervisorConfig

	mu             sync.Mutex
	current        Params
	lastForwardFail time.Time
	cancel         context.CancelFunc
}

// NewSupervisor constructs a Supervisor from cfg.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Supervisor{cfg: cfg}, nil
}

// Run registers, spawns, and supervises the tunnel child process until
// ctx is canceled. It blocks; run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}

		params, err := s.register(ctx)
		if err != nil {
			s.cfg.Log.WithError(err).Warn("tunnel registration exhausted retries, will try again")
			if !sleepCtx(ctx, s.cfg.Clock, s.cfg.RestartDelay) {
				return
			}
			continue
		}
		s.adopt(params)

		exitReason := s.runOnce(ctx, params)
		if ctx.Err() != nil {
			return
		}

		delay := s.cfg.RestartDelay
		if exitReason == reasonForwardFailure {
			s.mu.Lock()
			sinceLast := s.cfg.Clock.Now().Sub(s.lastForwardFail)
			s.lastForwardFail = s.cfg.Clock.Now()
			s.mu.Unlock()
			if sinceLast < s.cfg.ForwardFailureDebounce {
				s.cfg.Log.Debug("debouncing repeated forward failure")
				if wait := s.cfg.ForwardFailureDebounce - sinceLast; wait > delay {
					delay = wait
				}
			}
		}
		if !sleepCtx(ctx, s.cfg.Clock, delay) {
			return
		}
	}
}

// Stop cancels the supervisor loop and its child, per the SIGTERM +
// cancel-timers shutdown contract.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) register(ctx context.Context) (Params, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffInitial
	bo.MaxInterval = s.cfg.BackoffMax
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var params Params
	op := func() error {
		p, err := s.cfg.Registrar.RegisterOnPremTunnel(ctx, s.cfg.HostID, s.cfg.PublicKey)
		if err != nil {
			return trace.Wrap(err)
		}
		params = p
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Params{}, trace.Wrap(err)
	}
	return params, nil
}

func (s *Supervisor) adopt(params Params) {
	s.mu.Lock()
	prev := s.current
	s.current = params
	s.mu.Unlock()

	if prev != (Params{}) &&
		(prev.SSHDHost != params.SSHDHost || prev.SSHDPort != params.SSHDPort || prev.RestPort != params.RestPort) {
		s.cfg.Log.WithFields(logrus.Fields{
			"sshd_host": params.SSHDHost,
			"sshd_port": params.SSHDPort,
			"rest_port": params.RestPort,
		}).Info("tunnel parameters changed")
	}
}

type exitReason int

const (
	reasonExit exitReason = iota
	reasonForwardFailure
)

func (s *Supervisor) runOnce(ctx context.Context, p Params) exitReason {
	args := s.sshArgs(p)
	cmd, stderr, err := s.cfg.runSSH(ctx, args)
	if err != nil {
		s.cfg.Log.WithError(err).Warn("failed to start ssh tunnel")
		return reasonExit
	}

	failures := make(chan struct{}, 1)
	go watchStderr(stderr, failures, s.cfg.Log)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-failures:
		cmd.Process.Kill()
		<-done
		return reasonForwardFailure
	case err := <-done:
		if err != nil {
			s.cfg.Log.WithError(err).Info("ssh tunnel exited")
		}
		return reasonExit
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return reasonExit
	}
}

func (s *Supervisor) sshArgs(p Params) []string {
	return []string{
		"-i", s.cfg.KeyPath,
		"-N", "-T",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-p", fmt.Sprintf("%d", p.SSHDPort),
		"-R", fmt.Sprintf("0.0.0.0:%d:127.0.0.1:%d", p.HTTPTunnelPort, s.cfg.LocalHTTPPort),
		"-R", fmt.Sprintf("0.0.0.0:%d:127.0.0.1:%d", p.SSHTunnelPort, s.cfg.LocalSSHPort),
		"-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", s.cfg.RestLocalPort, p.RestPort),
		fmt.Sprintf("%s@%s", p.SSHUser, p.SSHDHost),
	}
}

func spawnSSH(ctx context.Context, args []string) (*exec.Cmd, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "ssh", args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return cmd, stderr, nil
}

func watchStderr(stderr io.ReadCloser, failures chan<- struct{}, log *logrus.Entry) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(line)
		for _, pattern := range forwardFailurePatterns {
			if strings.Contains(line, pattern) {
				select {
				case failures <- struct{}{}:
				default:
				}
			}
		}
	}
}

// sleepCtx sleeps d on clock, returning false if ctx is canceled first.
func sleepCtx(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
