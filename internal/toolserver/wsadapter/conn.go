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

package wsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// readLimit bounds a single response frame.
const readLimit = 16 << 20

// Conn is one WebSocket connection. Requests are serialized.
type Conn struct {
	server  string
	ws      *websocket.Conn
	onClose func()

	mu     sync.Mutex
	nextID int64
	once   sync.Once
}

// ListTools implements toolserver.Conn.
func (c *Conn) ListTools(ctx context.Context) ([]toolserver.ToolSpec, error) {
	var res ListToolsResult
	if err := c.call(ctx, MethodListTools, nil, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool implements toolserver.Conn.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*toolserver.CallResult, error) {
	var res CallToolResult
	if err := c.call(ctx, MethodCallTool, CallToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}

	out := &toolserver.CallResult{Payload: res.Output, IsError: res.IsError}
	switch v := res.Output.(type) {
	case string:
		out.Text = v
		out.Payload = toolserver.DecodePayload(v)
	case nil:
	default:
		if raw, err := json.Marshal(v); err == nil {
			out.Text = string(raw)
		}
	}
	return out, nil
}

// Ping implements toolserver.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, nil)
}

// Close implements toolserver.Conn.
func (c *Conn) Close() error {
	c.closeWith(websocket.StatusNormalClosure, "")
	return nil
}

func (c *Conn) closeWith(status websocket.StatusCode, reason string) {
	c.once.Do(func() {
		_ = c.ws.Close(status, reason)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// call sends one request and waits for the response with the same id.
// Frames with other ids are stale answers to abandoned requests.
func (c *Conn) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		return c.transportError(ctx, method, err)
	}
	for {
		var resp Response
		if err := wsjson.Read(ctx, c.ws, &resp); err != nil {
			return c.transportError(ctx, method, err)
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return rpcFailure(resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Conn) transportError(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &errors.ServerConnectionError{Server: c.server, Reason: method, Cause: err}
}

// rpcFailure maps protocol errors onto the permanent sentinels.
func rpcFailure(e *RPCError) error {
	switch e.Code {
	case CodeMethodNotFound, CodeUnknownTool:
		return fmt.Errorf("%w: %s", errors.ErrUnknownTool, e.Message)
	case CodeInvalidParams:
		return fmt.Errorf("%w: %s", errors.ErrInvalidArguments, e.Message)
	default:
		return e
	}
}
