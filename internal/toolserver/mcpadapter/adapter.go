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

package mcpadapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// Type is the server type this adapter registers under.
const Type = "mcp"

// ClientName identifies this process in the MCP initialize handshake.
const ClientName = "switchboard"

// ClientVersion is reported in the initialize handshake.
var ClientVersion = "dev"

// Network transport option values.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// Client is the subset of the mcp-go client the adapter uses.
type Client interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer creates an unstarted client for a descriptor.
type Dialer func(desc toolserver.Descriptor) (Client, error)

// Adapter manages one MCP server.
type Adapter struct {
	desc   toolserver.Descriptor
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	primary Client
	process *os.Process
}

// Factory is the toolserver.Factory for real MCP servers.
func Factory(desc toolserver.Descriptor, logger *slog.Logger) (toolserver.Adapter, error) {
	return NewFactory(DefaultDialer)(desc, logger)
}

// NewFactory returns a factory that creates clients with dial.
func NewFactory(dial Dialer) toolserver.Factory {
	return func(desc toolserver.Descriptor, logger *slog.Logger) (toolserver.Adapter, error) {
		if desc.WorkDir != "" && desc.Transport == toolserver.TransportLocalProcess {
			if info, err := os.Stat(desc.WorkDir); err != nil || !info.IsDir() {
				return nil, &errors.ConfigurationError{
					Key:    fmt.Sprintf("servers.%s.workdir", desc.Name),
					Reason: fmt.Sprintf("workdir %q is not a directory", desc.WorkDir),
					Cause:  err,
				}
			}
		}
		if desc.Transport == toolserver.TransportNetwork {
			switch desc.Options["transport"] {
			case "", TransportStreamableHTTP, TransportSSE:
			default:
				return nil, &errors.ConfigurationError{
					Key:    fmt.Sprintf("servers.%s.options.transport", desc.Name),
					Reason: fmt.Sprintf("unknown mcp transport %q (want %s or %s)", desc.Options["transport"], TransportStreamableHTTP, TransportSSE),
				}
			}
		}
		if logger == nil {
			logger = slog.Default()
		}
		return &Adapter{desc: desc, dial: dial, logger: log.WithServer(logger, desc.Name)}, nil
	}
}

// Register adds the adapter to reg.
func Register(reg *toolserver.Registry) error {
	return reg.Register(Type, Factory)
}

// DefaultDialer builds mcp-go clients for the descriptor's transport.
func DefaultDialer(desc toolserver.Descriptor) (Client, error) {
	var (
		c   *client.Client
		err error
	)
	switch {
	case desc.Transport == toolserver.TransportLocalProcess:
		return dialProcess(desc)
	case desc.Options["transport"] == TransportSSE:
		c, err = client.NewSSEMCPClient(desc.URL, transport.WithHeaders(desc.Headers))
	default:
		c, err = client.NewStreamableHttpClient(desc.URL, transport.WithHTTPHeaders(desc.Headers))
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// processClient is a stdio client that keeps hold of its child process.
type processClient struct {
	*client.Client
	cmd *exec.Cmd
}

// Process returns the spawned child.
func (c *processClient) Process() *os.Process {
	if c.cmd == nil {
		return nil
	}
	return c.cmd.Process
}

// dialProcess spawns desc.Command in desc.WorkDir and connects to it over stdio.
func dialProcess(desc toolserver.Descriptor) (Client, error) {
	var spawned *exec.Cmd
	spawn := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = append(os.Environ(), env...)
		cmd.Dir = desc.WorkDir
		spawned = cmd
		return cmd, nil
	}
	c, err := client.NewStdioMCPClientWithOptions(desc.Command, envList(desc.Env), desc.Args, transport.WithCommandFunc(spawn))
	if err != nil {
		return nil, err
	}
	return &processClient{Client: c, cmd: spawned}, nil
}

// processOf returns the child process behind c, if it has one.
func processOf(c Client) *os.Process {
	if pc, ok := c.(interface{ Process() *os.Process }); ok {
		return pc.Process()
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Start opens the primary session. For a local process this spawns it.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.primary != nil {
		return nil
	}

	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	a.primary = c
	a.process = processOf(c)
	a.logger.Debug("mcp session started", slog.String("transport", string(a.desc.Transport)))
	return nil
}

// open creates, starts and initializes a session.
func (a *Adapter) open(ctx context.Context) (Client, error) {
	c, err := a.dial(a.desc)
	if err != nil {
		return nil, &errors.ServerConnectionError{Server: a.desc.Name, Reason: "create mcp client", Cause: err}
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, &errors.ServerConnectionError{Server: a.desc.Name, Reason: "start mcp client", Cause: err}
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ClientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, &errors.ServerConnectionError{Server: a.desc.Name, Reason: "initialize", Cause: err}
	}
	return c, nil
}

// Dial returns a connection. Local processes share the primary session;
// network endpoints get a session of their own.
func (a *Adapter) Dial(ctx context.Context) (toolserver.Conn, error) {
	a.mu.Lock()
	primary := a.primary
	a.mu.Unlock()
	if primary == nil {
		return nil, &errors.ServerConnectionError{Server: a.desc.Name, Reason: "server not started"}
	}

	if a.desc.Transport == toolserver.TransportLocalProcess {
		return &Conn{server: a.desc.Name, client: primary, shared: true}, nil
	}
	c, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{server: a.desc.Name, client: c}, nil
}

// Stop closes the primary session, which ends a local process.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	c := a.primary
	a.mu.Unlock()
	if c == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		a.mu.Lock()
		a.primary, a.process = nil, nil
		a.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the process without waiting for it.
func (a *Adapter) Kill() error {
	a.mu.Lock()
	c, proc := a.primary, a.process
	a.primary, a.process = nil, nil
	a.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	if c != nil {
		go func() { _ = c.Close() }()
	}
	return nil
}
