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
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/sagemathinc/project-host/lib/authprimitives"
)

// conn is one authenticated bus connection. Its identity is fixed at
// sign-in time; inbox subscriptions are bound to the identity's prefix
// so a reply can never be delivered cross-identity (SPEC_FULL.md §4.3).
type conn struct {
	server   *Server
	ws       *websocket.Conn
	identity authprimitives.Identity
	log      *logrus.Entry

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	subsMu sync.Mutex
	subs   map[string]bool
}

func newConn(s *Server, ws *websocket.Conn, identity authprimitives.Identity) *conn {
	return &conn{
		server:   s,
		ws:       ws,
		identity: identity,
		log:      s.cfg.Log.WithField("identity", identity.String()),
		done:     make(chan struct{}),
		subs:     make(map[string]bool),
	}
}

func (c *conn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.server.removeConn(c)
	})
}

// readLoop owns the connection's lifetime: it reads frames until the
// socket errs or closes, dispatching each to the server. Grounded on the
// read-goroutine-plus-done-channel pattern used for session streams
// elsewhere in this repository.
func (c *conn) readLoop() {
	defer c.close()

	for {
		ty, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithError(err).Debug("bus connection read failed")
			}
			return
		}
		if ty != websocket.TextMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.writeFrame(Frame{Type: frameErr, Error: "malformed frame"})
			continue
		}
		c.server.dispatch(c, f)
	}
}

func (c *conn) isSubscribed(subject string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[subject]
}

func (c *conn) addSub(subject string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[subject] = true
}

func (c *conn) removeSub(subject string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, subject)
}

func (c *conn) subscribedSubjects() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}
