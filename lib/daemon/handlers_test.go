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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHandlersCoversEveryActionExceptPingAndShutdown(t *testing.T) {
	handlers := DefaultHandlers()
	for _, action := range Actions {
		if action == "ping" || action == "shutdown" {
			_, ok := handlers[action]
			require.False(t, ok)
			continue
		}
		_, ok := handlers[action]
		require.True(t, ok, "missing handler for %s", action)
	}
}

func TestForwardToProjectSendsSubjectAndPayload(t *testing.T) {
	conn := &fakeBusConn{}
	ctx := &Context{Bus: conn}

	handler := forwardToProject("workspace.file.list")
	data, meta, err := handler(ctx, Request{Cwd: "/home/user/proj", Payload: json.RawMessage(`{"path":"."}`)})
	require.NoError(t, err)
	require.Nil(t, meta)
	require.JSONEq(t, `{}`, string(data))
	require.Equal(t, []string{"workspace.file.list"}, conn.requests)
	require.Len(t, conn.payloads, 1)
	require.JSONEq(t, `{"cwd":"/home/user/proj","payload":{"path":"."}}`, string(conn.payloads[0]))
}
