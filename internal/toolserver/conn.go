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

// Package toolserver defines how switchboard describes, reaches and talks
// to tool servers, independent of the wire protocol a server speaks.
package toolserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// ToolSpec describes one callable tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is the outcome of a tool call that reached the server.
type CallResult struct {
	// Payload is the decoded result value.
	Payload any

	// IsError is set when the tool itself reported failure.
	IsError bool

	// Text is the raw textual content, kept for error messages.
	Text string
}

// Conn is a single client connection to a tool server. A Conn is used by
// one holder at a time; implementations need not be safe for concurrent use.
type Conn interface {
	// ListTools returns the tools the server exposes.
	ListTools(ctx context.Context) ([]ToolSpec, error)

	// CallTool invokes a tool. Errors reaching the server are returned as
	// errors; a tool that ran and failed returns a CallResult with IsError.
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	// Ping checks that the server is responsive over this connection.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Adapter manages the runtime side of one server: spawning or connecting
// to it, handing out connections, and shutting it down.
type Adapter interface {
	// Start spawns the process or attaches to the endpoint.
	Start(ctx context.Context) error

	// Dial opens a new connection to the started server.
	Dial(ctx context.Context) (Conn, error)

	// Stop requests graceful shutdown and waits until ctx ends.
	Stop(ctx context.Context) error

	// Kill force-terminates the server.
	Kill() error
}

// Factory builds an Adapter for a validated descriptor.
type Factory func(desc Descriptor, logger *slog.Logger) (Adapter, error)

// DecodePayload turns textual tool output into a structured value when it
// holds JSON, falling back to the trimmed string.
func DecodePayload(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return trimmed
}
