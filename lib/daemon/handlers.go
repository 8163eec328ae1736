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

	"github.com/gravitational/trace"
)

// passthroughRequest is what every forwarding handler sends over the
// shared bus context: the caller's cwd (file paths in Payload are
// relative to it, and it is ignored by actions that don't need one)
// plus the action's own arguments.
type passthroughRequest struct {
	Cwd     string          `json:"cwd,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// forwardToProject builds the Handler for an action that the daemon
// does no local work for: it forwards req.Cwd and req.Payload to
// whatever is listening on subject over the caller's bus context
// (the project for workspace.file.*, the submitter's own runtime for
// lro.get) and returns whatever comes back.
func forwardToProject(subject string) Handler {
	return func(ctx *Context, req Request) (json.RawMessage, json.RawMessage, error) {
		body, err := json.Marshal(passthroughRequest{Cwd: req.Cwd, Payload: req.Payload})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		data, err := ctx.Bus.Request(subject, body)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return data, nil, nil
	}
}

// DefaultHandlers returns the standard passthrough handler set, one
// per action in Actions besides ping/shutdown (which dispatch handles
// directly), each forwarding its action name verbatim as the bus
// request subject.
func DefaultHandlers() map[string]Handler {
	handlers := make(map[string]Handler)
	for _, action := range Actions {
		if action == "ping" || action == "shutdown" {
			continue
		}
		handlers[action] = forwardToProject(action)
	}
	return handlers
}
