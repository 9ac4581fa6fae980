// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mock provides an in-memory tool server fleet for tests. Each
// simulated server records how it was started, dialed and called and
// lets tests inject failures.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// Handler implements one simulated tool.
type Handler func(ctx context.Context, args map[string]any) (*toolserver.CallResult, error)

// Echo returns its arguments as the payload.
func Echo(_ context.Context, args map[string]any) (*toolserver.CallResult, error) {
	return &toolserver.CallResult{Payload: args}, nil
}

// Fail always fails with err.
func Fail(err error) Handler {
	return func(context.Context, map[string]any) (*toolserver.CallResult, error) {
		return nil, err
	}
}

// FailTimes fails the first n calls with err and then delegates to next.
func FailTimes(n int, err error, next Handler) Handler {
	var calls atomic.Int64
	return func(ctx context.Context, args map[string]any) (*toolserver.CallResult, error) {
		if calls.Add(1) <= int64(n) {
			return nil, err
		}
		return next(ctx, args)
	}
}

// ToolError reports a tool-level failure without a transport error.
func ToolError(message string) Handler {
	return func(context.Context, map[string]any) (*toolserver.CallResult, error) {
		return &toolserver.CallResult{IsError: true, Text: message, Payload: message}, nil
	}
}

// Transient is a connection-level error classified as transient.
func Transient(server string) error {
	return &errors.ServerConnectionError{Server: server, Reason: "connection reset by peer"}
}

// Server is one simulated tool server.
type Server struct {
	name string

	mu         sync.Mutex
	handlers   map[string]Handler
	healthy    bool
	startErr   error
	startFails int
	startDelay time.Duration
	stopBlocks bool
	callDelay  time.Duration

	starts    atomic.Int64
	stops     atomic.Int64
	kills     atomic.Int64
	dials     atomic.Int64
	closes    atomic.Int64
	pings     atomic.Int64
	calls     atomic.Int64
	open      atomic.Int64
	maxOpen   atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

// NewServer creates a healthy server exposing an echo tool.
func NewServer(name string) *Server {
	return &Server{
		name:     name,
		handlers: map[string]Handler{"echo": Echo},
		healthy:  true,
	}
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// Handle installs or replaces a tool.
func (s *Server) Handle(tool string, h Handler) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[tool] = h
	return s
}

// SetHealthy controls whether pings succeed.
func (s *Server) SetHealthy(healthy bool) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
	return s
}

// SetStartError makes every Start fail with err.
func (s *Server) SetStartError(err error) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
	return s
}

// SetStartFailures makes the next n Starts fail before Start succeeds.
func (s *Server) SetStartFailures(n int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFails = n
	return s
}

// SetStartDelay makes Start block for d or until its context ends.
func (s *Server) SetStartDelay(d time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startDelay = d
	return s
}

// SetStopBlocks makes Stop ignore the shutdown request, forcing a kill.
func (s *Server) SetStopBlocks(block bool) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopBlocks = block
	return s
}

// SetCallDelay delays every tool call by d.
func (s *Server) SetCallDelay(d time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callDelay = d
	return s
}

// Counters.
func (s *Server) Starts() int    { return int(s.starts.Load()) }
func (s *Server) Stops() int     { return int(s.stops.Load()) }
func (s *Server) Kills() int     { return int(s.kills.Load()) }
func (s *Server) Dials() int     { return int(s.dials.Load()) }
func (s *Server) Closes() int    { return int(s.closes.Load()) }
func (s *Server) Pings() int     { return int(s.pings.Load()) }
func (s *Server) Calls() int     { return int(s.calls.Load()) }
func (s *Server) OpenConns() int { return int(s.open.Load()) }

// MaxOpenConns is the highest number of simultaneously open connections.
func (s *Server) MaxOpenConns() int { return int(s.maxOpen.Load()) }

// MaxInFlight is the highest number of simultaneous tool calls.
func (s *Server) MaxInFlight() int { return int(s.maxFlight.Load()) }

// tools lists the registered handlers as specs.
func (s *Server) tools() []toolserver.ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := make([]toolserver.ToolSpec, 0, len(s.handlers))
	for name := range s.handlers {
		specs = append(specs, toolserver.ToolSpec{
			Name:        name,
			Description: fmt.Sprintf("mock %s tool", name),
			InputSchema: []byte(`{"type":"object"}`),
		})
	}
	return specs
}

func (s *Server) start(ctx context.Context) error {
	s.starts.Add(1)
	s.mu.Lock()
	err, delay := s.startErr, s.startDelay
	if err == nil && s.startFails > 0 {
		s.startFails--
		err = fmt.Errorf("%s: simulated startup failure", s.name)
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Server) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Server) call(ctx context.Context, tool string, args map[string]any) (*toolserver.CallResult, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	raiseMax(&s.maxFlight, n)

	s.mu.Lock()
	h, ok := s.handlers[tool]
	delay := s.callDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTool, tool)
	}
	return h(ctx, args)
}

func raiseMax(max *atomic.Int64, n int64) {
	for {
		cur := max.Load()
		if n <= cur || max.CompareAndSwap(cur, n) {
			return
		}
	}
}
