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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// Conn is one pooled connection to an MCP server.
type Conn struct {
	server string
	client Client
	shared bool

	once sync.Once
}

// ListTools implements toolserver.Conn.
func (c *Conn) ListTools(ctx context.Context) ([]toolserver.ToolSpec, error) {
	res, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.transportError("list tools", err)
	}

	specs := make([]toolserver.ToolSpec, 0, len(res.Tools))
	for _, tool := range res.Tools {
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			schema, err = json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("marshal input schema for %s: %w", tool.Name, err)
			}
		}
		specs = append(specs, toolserver.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return specs, nil
}

// CallTool implements toolserver.Conn. Text content blocks are joined and
// decoded; a result flagged as an error is returned as a tool failure.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*toolserver.CallResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, c.transportError("call "+name, err)
	}

	var parts []string
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
			continue
		}
		raw, err := json.Marshal(content)
		if err == nil {
			parts = append(parts, string(raw))
		}
	}
	text := strings.Join(parts, "\n")
	return &toolserver.CallResult{Payload: toolserver.DecodePayload(text), IsError: res.IsError, Text: text}, nil
}

// Ping implements toolserver.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return c.transportError("ping", err)
	}
	return nil
}

// Close implements toolserver.Conn. Shared sessions stay open; the
// adapter closes them on Stop.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		if !c.shared {
			err = c.client.Close()
		}
	})
	return err
}

// transportError marks failures of the session itself as connection
// errors so the executor retries them on a fresh connection.
func (c *Conn) transportError(op string, err error) error {
	if errors.IsTransient(err) {
		return &errors.ServerConnectionError{Server: c.server, Reason: op, Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
