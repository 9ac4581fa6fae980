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

package mock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// Type is the server type the fleet registers under.
const Type = "mock"

// Fleet hands out adapters for simulated servers by descriptor name.
// Servers not configured in advance are created healthy on first use.
type Fleet struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// NewFleet creates a fleet holding servers.
func NewFleet(servers ...*Server) *Fleet {
	f := &Fleet{servers: make(map[string]*Server)}
	for _, s := range servers {
		f.servers[s.Name()] = s
	}
	return f
}

// Server returns the simulated server for name, creating it if needed.
func (f *Fleet) Server(name string) *Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		s = NewServer(name)
		f.servers[name] = s
	}
	return s
}

// Factory implements toolserver.Factory.
func (f *Fleet) Factory(desc toolserver.Descriptor, _ *slog.Logger) (toolserver.Adapter, error) {
	return &Adapter{server: f.Server(desc.Name)}, nil
}

// Register adds the fleet to reg under Type.
func (f *Fleet) Register(reg *toolserver.Registry) error {
	return reg.Register(Type, f.Factory)
}

// Descriptor builds a valid local-process descriptor for a mock server.
func Descriptor(name string) toolserver.Descriptor {
	return toolserver.Descriptor{
		Name:      name,
		Type:      Type,
		Transport: toolserver.TransportLocalProcess,
		Command:   "mock-" + name,
	}
}

// Adapter drives one simulated server.
type Adapter struct {
	server *Server

	mu      sync.Mutex
	started bool
}

func (a *Adapter) Start(ctx context.Context) error {
	if err := a.server.start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Dial(context.Context) (toolserver.Conn, error) {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return nil, &errors.ServerConnectionError{Server: a.server.name, Reason: "server not started"}
	}

	a.server.dials.Add(1)
	raiseMax(&a.server.maxOpen, a.server.open.Add(1))
	return &Conn{server: a.server}, nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.server.stops.Add(1)
	a.server.mu.Lock()
	blocks := a.server.stopBlocks
	a.server.mu.Unlock()
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Kill() error {
	a.server.kills.Add(1)
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return nil
}

// Conn is a connection to a simulated server.
type Conn struct {
	server *Server

	mu     sync.Mutex
	closed bool
}

func (c *Conn) ListTools(context.Context) ([]toolserver.ToolSpec, error) {
	if c.isClosed() {
		return nil, &errors.ServerConnectionError{Server: c.server.name, Reason: "connection closed"}
	}
	return c.server.tools(), nil
}

func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*toolserver.CallResult, error) {
	if c.isClosed() {
		return nil, &errors.ServerConnectionError{Server: c.server.name, Reason: "connection closed"}
	}
	return c.server.call(ctx, name, args)
}

func (c *Conn) Ping(ctx context.Context) error {
	c.server.pings.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() || !c.server.isHealthy() {
		return &errors.ServerConnectionError{Server: c.server.name, Reason: "ping failed"}
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.server.closes.Add(1)
	c.server.open.Add(-1)
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
