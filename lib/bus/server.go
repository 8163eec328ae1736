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

package bus

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/authprimitives"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Authenticator *Authenticator
	ACL           *authprimitives.ACL
	Log           *logrus.Entry
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Authenticator == nil {
		return trace.BadParameter("authenticator is required")
	}
	if c.ACL == nil {
		return trace.BadParameter("ACL is required")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, projecthost.ComponentBus)
	}
	return nil
}

// Server accepts websocket bus connections, authenticates each one, and
// routes subject-scoped publish/subscribe/request traffic between them
// subject to the ACL predicate.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
	// subscribers maps subject -> set of subscribed connections.
	subscribers map[string]map[*conn]struct{}
	// pendingReqs maps an in-flight request's frame ID to the connection
	// that sent it, so its reply can be routed back regardless of which
	// subscriber ends up answering.
	pendingReqs map[string]*conn
}

// NewServer constructs a Server from cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg:         cfg,
		upgrader:    websocket.Upgrader{},
		conns:       make(map[*conn]struct{}),
		subscribers: make(map[string]map[*conn]struct{}),
		pendingReqs: make(map[string]*conn),
	}, nil
}

// ServeHTTP upgrades r to a websocket connection, authenticates it, and
// begins serving bus frames. Failed authentication closes the
// connection without upgrading.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Log.WithError(err).Warn("bus websocket upgrade failed")
		return
	}

	c := newConn(s, ws, identity)
	s.addConn(c)
	c.readLoop()
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	for subject, subs := range s.subscribers {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.subscribers, subject)
		}
	}
	for id, requester := range s.pendingReqs {
		if requester == c {
			delete(s.pendingReqs, id)
		}
	}
}

// ConnCount returns the number of currently live connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) dispatch(c *conn, f Frame) {
	switch f.Type {
	case frameSub:
		s.handleSub(c, f)
	case frameUnsub:
		s.handleUnsub(c, f)
	case framePub:
		s.handlePub(c, f)
	case frameReq:
		s.handleReq(c, f)
	case frameReply, frameErr:
		s.handleReply(c, f)
	default:
		c.writeFrame(Frame{Type: frameErr, ID: f.ID, Error: "unknown frame type"})
	}
}

func (s *Server) handleSub(c *conn, f Frame) {
	allow, err := s.cfg.ACL.Allow(c.identity, f.Subject, projecthost.SubjectSub)
	if err != nil || !allow {
		c.writeFrame(Frame{Type: frameErr, ID: f.ID, Error: "not authorized to subscribe"})
		return
	}

	s.mu.Lock()
	if s.subscribers[f.Subject] == nil {
		s.subscribers[f.Subject] = make(map[*conn]struct{})
	}
	s.subscribers[f.Subject][c] = struct{}{}
	s.mu.Unlock()

	c.addSub(f.Subject)
}

func (s *Server) handleUnsub(c *conn, f Frame) {
	s.mu.Lock()
	if subs, ok := s.subscribers[f.Subject]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.subscribers, f.Subject)
		}
	}
	s.mu.Unlock()
	c.removeSub(f.Subject)
}

func (s *Server) handlePub(c *conn, f Frame) {
	allow, err := s.cfg.ACL.Allow(c.identity, f.Subject, projecthost.SubjectPub)
	if err != nil || !allow {
		c.writeFrame(Frame{Type: frameErr, ID: f.ID, Error: "not authorized to publish"})
		return
	}

	s.mu.RLock()
	subs := s.subscribers[f.Subject]
	targets := make([]*conn, 0, len(subs))
	for target := range subs {
		targets = append(targets, target)
	}
	s.mu.RUnlock()

	for _, target := range targets {
		target.writeFrame(Frame{
			Type:    framePub,
			Subject: f.Subject,
			Inbox:   f.Inbox,
			ID:      f.ID,
			Data:    f.Data,
		})
	}
}

// handleReq routes a request frame to one subscriber of its subject and
// remembers the requesting connection under the frame's ID, so the
// matching reply or err frame the subscriber later sends can be routed
// back to whoever asked, regardless of which connection answers.
func (s *Server) handleReq(c *conn, f Frame) {
	allow, err := s.cfg.ACL.Allow(c.identity, f.Subject, projecthost.SubjectReq)
	if err != nil || !allow {
		c.writeFrame(Frame{Type: frameErr, ID: f.ID, Error: "not authorized to publish"})
		return
	}

	s.mu.Lock()
	var target *conn
	for t := range s.subscribers[f.Subject] {
		target = t
		break
	}
	if target != nil {
		s.pendingReqs[f.ID] = c
	}
	s.mu.Unlock()

	if target == nil {
		c.writeFrame(Frame{Type: frameErr, ID: f.ID, Error: "no subscriber for subject " + f.Subject})
		return
	}

	target.writeFrame(Frame{
		Type:    frameReq,
		Subject: f.Subject,
		Inbox:   f.Inbox,
		ID:      f.ID,
		Data:    f.Data,
	})
}

// handleReply forwards a responder's reply or err frame back to the
// connection whose pending request it answers. Frames with no matching
// pending request (e.g. a server-issued frameErr written directly to
// its own connection) are not re-dispatched here.
func (s *Server) handleReply(c *conn, f Frame) {
	s.mu.Lock()
	target, ok := s.pendingReqs[f.ID]
	if ok {
		delete(s.pendingReqs, f.ID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	target.writeFrame(f)
}

// Close forcibly disconnects every live connection, e.g. when the host
// shuts down.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}
