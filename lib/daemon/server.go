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

package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Handler serves one daemon action.
type Handler func(ctx *Context, req Request) (data json.RawMessage, meta json.RawMessage, err error)

// ServerConfig configures a Server.
type ServerConfig struct {
	SocketPath string
	Registry   *ContextRegistry
	Handlers   map[string]Handler
	Log        *logrus.Entry
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.SocketPath == "" {
		return trace.BadParameter("socket path is required")
	}
	if c.Registry == nil {
		return trace.BadParameter("context registry is required")
	}
	if c.Handlers == nil {
		return trace.BadParameter("handlers are required")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "daemon")
	}
	return nil
}

// Server is the single long-lived process behind the per-user Unix
// socket.
type Server struct {
	cfg      ServerConfig
	listener net.Listener

	closeOnce sync.Once
	shutdown  chan struct{}
}

// New constructs a Server, removing any stale socket file and binding
// a fresh Unix listener.
func New(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	return &Server{cfg: cfg, listener: ln, shutdown: make(chan struct{})}, nil
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				return trace.Wrap(err)
			}
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener and every registered bus context.
func (s *Server) Stop() error {
	s.closeOnce.Do(func() { close(s.shutdown) })
	s.cfg.Registry.CloseAll()
	return trace.Wrap(s.listener.Close())
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	writer := json.NewEncoder(conn)

	for reader.Scan() {
		var req Request
		if err := json.Unmarshal(reader.Bytes(), &req); err != nil {
			writer.Encode(Response{OK: false, Error: "malformed request"})
			continue
		}
		resp := s.dispatch(req)
		if err := writer.Encode(resp); err != nil {
			return
		}
		if req.Action == "shutdown" {
			go s.Stop()
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Action {
	case "ping":
		return Response{ID: req.ID, OK: true, Data: json.RawMessage(`"pong"`)}
	case "shutdown":
		return Response{ID: req.ID, OK: true}
	}

	handler, ok := s.cfg.Handlers[req.Action]
	if !ok {
		return Response{ID: req.ID, OK: false, Error: "unknown action: " + req.Action}
	}

	ctx, err := s.contextFor(req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}

	data, meta, err := handler(ctx, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error(), Meta: meta}
	}
	return Response{ID: req.ID, OK: true, Data: data, Meta: meta}
}

func (s *Server) contextFor(req Request) (*Context, error) {
	if len(req.Globals) == 0 {
		return s.cfg.Registry.Get(AuthKey{})
	}
	var key AuthKey
	if err := json.Unmarshal(req.Globals, &key); err != nil {
		return nil, trace.BadParameter("malformed globals: %v", err)
	}
	return s.cfg.Registry.Get(key)
}
