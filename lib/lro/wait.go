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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Getter fetches the current summary of an operation, as a remote CLI
// client would over the bus (LRO state lives on whichever side submitted
// it).
type Getter interface {
	Get(opID string) (Summary, error)
}

// WaitResult is the outcome of Wait.
type WaitResult struct {
	Status    string
	TimedOut  bool
	Summary   Summary
}

// Wait polls g for opID every pollInterval until its status is terminal
// or timeout elapses, whichever comes first (SPEC_FULL.md §4.6). The
// most recent observation always wins.
func Wait(g Getter, opID string, timeout, pollInterval time.Duration, clock clockwork.Clock) (WaitResult, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pollInterval <= 0 {
		return WaitResult{}, trace.BadParameter("poll interval must be positive")
	}

	deadline := clock.Now().Add(timeout)
	var last Summary

	for {
		s, err := g.Get(opID)
		if err != nil {
			return WaitResult{}, trace.Wrap(err)
		}
		last = s
		if s.IsTerminal() {
			return WaitResult{Status: s.Status, TimedOut: false, Summary: s}, nil
		}
		if !clock.Now().Before(deadline) {
			return WaitResult{Status: last.Status, TimedOut: true, Summary: last}, nil
		}

		remaining := deadline.Sub(clock.Now())
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		clock.Sleep(sleep)
	}
}
