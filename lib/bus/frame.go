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

// Package bus implements the local message-bus server: websocket
// transport, per-connection identity, and subject-level authorization
// via lib/authprimitives.
package bus

import "encoding/json"

// frameType enumerates the bus wire protocol's single-message-kind
// control frame, mirrored on Frame as optional fields so one JSON
// message shape covers publish, subscribe, request, and reply.
type frameType string

const (
	framePub      frameType = "pub"
	frameSub      frameType = "sub"
	frameUnsub    frameType = "unsub"
	frameReq      frameType = "req"
	frameReply    frameType = "reply"
	frameErr      frameType = "err"
)

// Frame is the single wire message shape exchanged over the bus
// websocket connection in both directions.
type Frame struct {
	Type    frameType       `json:"type"`
	Subject string          `json:"subject,omitempty"`
	// Inbox is the reply-to subject for a req frame.
	Inbox string          `json:"inbox,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
