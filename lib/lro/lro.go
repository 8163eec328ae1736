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

// Package lro implements the long-running-operation protocol shared by
// the client CLI and the host (SPEC_FULL.md §4.6): submit, poll, cancel,
// and wait, with terminal status and error surfaced to the caller.
// State lives only in process memory — the master, not the host, is the
// system of record for LRO history across restarts.
package lro

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	projecthost "github.com/sagemathinc/project-host"
)

// Scope identifies what an operation is running against.
type Scope struct {
	Type string // project, account, host, hub
	ID   string
}

// Summary mirrors the LRO summary described in SPEC_FULL.md §3.
type Summary struct {
	OpID            string
	Kind            string
	Scope           Scope
	Status          string
	Error           string
	Attempt         int
	CreatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	Input           any
	Result          any
	ProgressSummary string
	CreatedBy       string
	OwnerType       string
	OwnerID         string
}

// IsTerminal reports whether s has reached a terminal status.
func (s Summary) IsTerminal() bool {
	return projecthost.IsLROTerminal(s.Status)
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Clock clockwork.Clock
	// TTL is accepted but not applied: completed operations stay visible
	// to Get and List for the Runtime's whole lifetime.
	TTL time.Duration
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *RuntimeConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type operation struct {
	summary Summary
	cancel  context.CancelFunc
}

// Runtime holds the set of in-flight and recently completed operations
// for one process.
type Runtime struct {
	cfg RuntimeConfig

	mu  sync.Mutex
	ops map[string]*operation
}

// NewRuntime constructs a Runtime from cfg.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runtime{cfg: cfg, ops: make(map[string]*operation)}, nil
}

// Handler is the function that actually performs an operation. It
// receives a context canceled by Cancel, and returns a result or error.
type Handler func(ctx context.Context) (result any, err error)

// Submit registers a new operation and starts handler in a goroutine.
// It returns immediately with the op_id.
func (r *Runtime) Submit(kind string, scope Scope, input any, createdBy string, handler Handler) string {
	opID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	now := r.cfg.Clock.Now()
	op := &operation{
		summary: Summary{
			OpID:      opID,
			Kind:      kind,
			Scope:     scope,
			Status:    projecthost.LROQueued,
			Attempt:   1,
			CreatedAt: now,
			UpdatedAt: now,
			Input:     input,
			CreatedBy: createdBy,
			OwnerType: scope.Type,
			OwnerID:   scope.ID,
		},
		cancel: cancel,
	}

	r.mu.Lock()
	r.ops[opID] = op
	r.mu.Unlock()

	go r.run(opID, ctx, handler)
	return opID
}

func (r *Runtime) run(opID string, ctx context.Context, handler Handler) {
	r.transition(opID, func(s *Summary) {
		s.Status = projecthost.LRORunning
		s.StartedAt = r.cfg.Clock.Now()
	})

	result, err := handler(ctx)

	r.transition(opID, func(s *Summary) {
		s.FinishedAt = r.cfg.Clock.Now()
		switch {
		case ctx.Err() == context.Canceled:
			s.Status = projecthost.LROCanceled
		case err != nil:
			s.Status = projecthost.LROFailed
			s.Error = err.Error()
		default:
			s.Status = projecthost.LROSucceeded
			s.Result = result
		}
	})
}

// transition atomically mutates an operation's summary, bumping
// UpdatedAt. updated_at never decreases: this is the only mutation path.
func (r *Runtime) transition(opID string, fn func(*Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[opID]
	if !ok {
		return
	}
	fn(&op.summary)
	op.summary.UpdatedAt = r.cfg.Clock.Now()
}

// Get returns the current summary for opID.
func (r *Runtime) Get(opID string) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[opID]
	if !ok {
		return Summary{}, trace.NotFound("operation %s not found", opID)
	}
	return op.summary, nil
}

// Cancel requests cancellation of opID. It is a no-op if the operation
// is already terminal; cancellation is cooperative, so the handler must
// observe ctx.Done to actually stop.
func (r *Runtime) Cancel(opID string) error {
	r.mu.Lock()
	op, ok := r.ops[opID]
	r.mu.Unlock()
	if !ok {
		return trace.NotFound("operation %s not found", opID)
	}
	if op.summary.IsTerminal() {
		return nil
	}
	op.cancel()
	return nil
}

// List returns summaries for every operation in scope, optionally
// including those that already reached a terminal status.
func (r *Runtime) List(scope Scope, includeCompleted bool) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Summary
	for _, op := range r.ops {
		if op.summary.Scope != scope {
			continue
		}
		if !includeCompleted && op.summary.IsTerminal() {
			continue
		}
		out = append(out, op.summary)
	}
	return out
}
