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

package proxy

import (
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/utils"
)

// defaultSweepInterval is how often live upgraded sockets are
// re-checked against the revocation cursor.
const defaultSweepInterval = 30 * time.Second

// hopByHopHeaders are stripped before a request is forwarded upstream,
// same convention as net/http/httputil.ReverseProxy uses internally.
var hopByHopHeaders = utils.CanonicalMIMEHeaderKeys([]string{
	"Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
})

// ProjectResolver extracts the project id a request targets, e.g. from
// a path segment or Host header.
type ProjectResolver func(r *http.Request) (string, error)

// TargetResolver resolves the upstream address to forward an
// authorized request to, e.g. the project's local listener.
type TargetResolver func(r *http.Request) (string, error)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Authorizer    *Authorizer
	ResolveProject ProjectResolver
	ResolveTarget  TargetResolver
	Clock         clockwork.Clock
	SweepInterval time.Duration
	Log           *logrus.Entry
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Authorizer == nil {
		return trace.BadParameter("authorizer is required")
	}
	if c.ResolveProject == nil {
		return trace.BadParameter("project resolver is required")
	}
	if c.ResolveTarget == nil {
		return trace.BadParameter("target resolver is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "proxy")
	}
	return nil
}

type liveSocket struct {
	conn       *websocket.Conn
	accountID  string
	iatSeconds int64
}

// Handler is the authenticating HTTP/WebSocket reverse proxy in front
// of a project's workspace listener.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[*websocket.Conn]liveSocket

	closeOnce sync.Once
	stop      chan struct{}
}

// NewHandler constructs a Handler from cfg and starts its background
// revocation sweep.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sockets:  make(map[*websocket.Conn]liveSocket),
		stop:     make(chan struct{}),
	}
	go h.sweepLoop()
	return h, nil
}

// Close stops the background revocation sweep and closes all tracked
// sockets.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.sockets {
		conn.Close()
	}
	h.sockets = make(map[*websocket.Conn]liveSocket)
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID, err := h.cfg.ResolveProject(r)
	if err != nil {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	isUpgrade := websocket.IsWebSocketUpgrade(r)

	decision, err := h.cfg.Authorizer.Authorize(r, projectID, isUpgrade)
	if err != nil {
		code := http.StatusUnauthorized
		switch {
		case decision.ClearCookie:
			h.clearSessionCookie(w)
		case trace.IsAccessDenied(err) && decision.FreshlyVerified:
			// Verified the caller's identity but they are not a
			// collaborator on this project.
			code = http.StatusForbidden
		}
		http.Error(w, trace.UserMessage(err), code)
		return
	}

	if decision.SetCookie != "" {
		w.Header().Add("Set-Cookie", decision.SetCookie)
	}
	if decision.Redirect != "" {
		http.Redirect(w, r, decision.Redirect, http.StatusFound)
		return
	}
	if !isUpgrade && r.URL.Query().Get(projecthost.BearerQueryParam) != "" {
		q := r.URL.Query()
		q.Del(projecthost.BearerQueryParam)
		r.URL.RawQuery = q.Encode()
	}

	target, err := h.cfg.ResolveTarget(r)
	if err != nil {
		http.Error(w, "project not running", http.StatusBadGateway)
		return
	}

	if isUpgrade {
		h.proxyUpgrade(w, r, target, decision)
		return
	}

	h.proxyHTTP(w, r, target)
}

func (h *Handler) proxyHTTP(w http.ResponseWriter, r *http.Request, target string) {
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = target
			for _, hdr := range hopByHopHeaders {
				req.Header.Del(hdr)
			}
		},
	}
	proxy.ServeHTTP(w, r)
}

func (h *Handler) proxyUpgrade(w http.ResponseWriter, r *http.Request, target string, decision Decision) {
	upstream, _, err := websocket.DefaultDialer.Dial("ws://"+target+r.URL.RequestURI(), nil)
	if err != nil {
		http.Error(w, "project not running", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	clientConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Log.WithError(err).Warn("failed to upgrade client connection")
		return
	}
	defer clientConn.Close()

	h.track(clientConn, decision.AccountID, decision.IssuedAt)
	defer h.untrack(clientConn)

	pipe(clientConn, upstream)
}

func pipe(a, b *websocket.Conn) {
	errc := make(chan error, 2)
	go relay(a, b, errc)
	go relay(b, a, errc)
	<-errc
}

func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}

func (h *Handler) track(conn *websocket.Conn, accountID string, iatSeconds int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sockets[conn] = liveSocket{conn: conn, accountID: accountID, iatSeconds: iatSeconds}
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, conn)
}

func (h *Handler) sweepLoop() {
	ticker := h.cfg.Clock.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.Chan():
			h.sweep()
		}
	}
}

func (h *Handler) sweep() {
	h.mu.Lock()
	toCheck := make([]liveSocket, 0, len(h.sockets))
	for _, s := range h.sockets {
		toCheck = append(toCheck, s)
	}
	h.mu.Unlock()

	for _, s := range toCheck {
		revoked, err := h.cfg.Authorizer.cfg.Revocations.IsRevoked(s.accountID, s.iatSeconds)
		if err != nil {
			h.cfg.Log.WithError(err).Warn("revocation sweep check failed")
			continue
		}
		if revoked {
			h.mu.Lock()
			delete(h.sockets, s.conn)
			h.mu.Unlock()
			s.conn.Close()
		}
	}
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   projecthost.SessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}
