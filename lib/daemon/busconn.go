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
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
)

// frame mirrors lib/bus's wire shape from the client side.
type frame struct {
	Type    string          `json:"type"`
	Subject string          `json:"subject,omitempty"`
	Inbox   string          `json:"inbox,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// wsBusConn is the production BusConn: one persistent authenticated
// websocket connection to the project host's bus server (C4), shared
// by every workspace.file.* request a Context serves.
type wsBusConn struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan frame

	closeOnce sync.Once
	done      chan struct{}
}

// DialBus authenticates key against busURL and returns a live BusConn.
// At most one of key's credential fields is presented, in this order of
// precedence: HubPassword as the system cookie, then Bearer, then Cookie;
// Bearer and Cookie are both sent as an "Authorization: Bearer" header.
// The project-secret path of bus.Authenticator is not used here.
func DialBus(busURL string, key AuthKey) (BusConn, error) {
	header := http.Header{}
	switch {
	case key.HubPassword != "":
		header.Set("Cookie", projectHostSystemCookie+"="+key.HubPassword)
	case key.Bearer != "":
		header.Set("Authorization", "Bearer "+key.Bearer)
	case key.Cookie != "":
		header.Set("Authorization", "Bearer "+key.Cookie)
	}

	ws, _, err := websocket.DefaultDialer.Dial(busURL, header)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing project host bus")
	}

	c := &wsBusConn{conn: ws, pending: make(map[string]chan frame), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// projectHostSystemCookie matches projecthost.SystemCookieName; daemon
// deliberately does not import the root module package to keep this
// file's concerns purely transport-level.
const projectHostSystemCookie = "cocalc_project_host_system"

func (c *wsBusConn) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		if f.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// Request sends one req frame on subject and waits for its reply.
func (c *wsBusConn) Request(subject string, payload json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(frame{Type: "req", Subject: subject, ID: id, Data: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, trace.ConnectionProblem(err, "writing bus request")
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, trace.ConnectionProblem(nil, "bus connection closed while awaiting reply")
		}
		if f.Type == "err" {
			return nil, trace.BadParameter("%s: %s", subject, f.Error)
		}
		return f.Data, nil
	case <-time.After(30 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "timed out waiting for %s reply", subject)
	}
}

// Close terminates the underlying connection.
func (c *wsBusConn) Close() error {
	c.closeOnce.Do(func() { c.conn.Close() })
	return nil
}
