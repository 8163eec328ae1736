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

package hosttoken

import "sync"

// RoutedClientState tracks whether a routed client for one project has
// already rebuilt its connection once in response to a 401-class error.
// Per SPEC_FULL.md §4.4, the cached token is invalidated and the client
// is rebuilt at most once per failure.
type RoutedClientState struct {
	client    *Client
	projectID string

	mu               sync.Mutex
	allowTokenRetry bool
}

// NewRoutedClientState constructs state for one (client, project) pair,
// with the single allowed retry available.
func NewRoutedClientState(client *Client, projectID string) *RoutedClientState {
	return &RoutedClientState{client: client, projectID: projectID, allowTokenRetry: true}
}

// OnUnauthorized invalidates the cached token and reports whether the
// caller may rebuild the connection and retry. The allowance resets only
// when ResetRetry is called after a subsequent success.
func (r *RoutedClientState) OnUnauthorized() (retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.client.Invalidate(r.projectID)
	if !r.allowTokenRetry {
		return false
	}
	r.allowTokenRetry = false
	return true
}

// ResetRetry re-arms the single retry allowance after a connection
// succeeds, so the next independent failure gets its own retry.
func (r *RoutedClientState) ResetRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowTokenRetry = true
}
