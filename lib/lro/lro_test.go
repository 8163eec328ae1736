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

package lro

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	projecthost "github.com/sagemathinc/project-host"
)

func TestSubmitAndWaitSucceeds(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{})
	require.NoError(t, err)

	opID := rt.Submit("backup", Scope{Type: "project", ID: "p1"}, nil, "a1", func(ctx context.Context) (any, error) {
		return "done", nil
	})

	require.Eventually(t, func() bool {
		s, err := rt.Get(opID)
		require.NoError(t, err)
		return s.Status == projecthost.LROSucceeded
	}, time.Second, time.Millisecond)

	s, err := rt.Get(opID)
	require.NoError(t, err)
	require.Equal(t, "done", s.Result)
}

func TestSubmitFailurePropagatesError(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{})
	require.NoError(t, err)

	opID := rt.Submit("backup", Scope{Type: "project", ID: "p1"}, nil, "a1", func(ctx context.Context) (any, error) {
		return nil, trace.BadParameter("boom")
	})

	require.Eventually(t, func() bool {
		s, err := rt.Get(opID)
		require.NoError(t, err)
		return s.IsTerminal()
	}, time.Second, time.Millisecond)

	s, err := rt.Get(opID)
	require.NoError(t, err)
	require.Equal(t, projecthost.LROFailed, s.Status)
	require.Contains(t, s.Error, "boom")
}

func TestCancelStopsHandler(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{})
	require.NoError(t, err)

	started := make(chan struct{})
	opID := rt.Submit("long", Scope{Type: "project", ID: "p1"}, nil, "a1", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	require.NoError(t, rt.Cancel(opID))

	require.Eventually(t, func() bool {
		s, err := rt.Get(opID)
		require.NoError(t, err)
		return s.Status == projecthost.LROCanceled
	}, time.Second, time.Millisecond)
}

func TestGetUnknownOperation(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{})
	require.NoError(t, err)

	_, err = rt.Get("nope")
	require.True(t, trace.IsNotFound(err))
}

func TestListFiltersByScopeAndCompletion(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{})
	require.NoError(t, err)

	scope := Scope{Type: "project", ID: "p1"}
	opID := rt.Submit("backup", scope, nil, "a1", func(ctx context.Context) (any, error) { return nil, nil })
	rt.Submit("backup", Scope{Type: "project", ID: "other"}, nil, "a1", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, nil
	})

	require.Eventually(t, func() bool {
		s, err := rt.Get(opID)
		require.NoError(t, err)
		return s.IsTerminal()
	}, time.Second, time.Millisecond)

	withCompleted := rt.List(scope, true)
	require.Len(t, withCompleted, 1)

	withoutCompleted := rt.List(scope, false)
	require.Len(t, withoutCompleted, 0)
}
