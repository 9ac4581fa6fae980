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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// plugin is a host-application endpoint serving two tools.
type plugin struct {
	connections atomic.Int32
	token       atomic.Value
	stale       bool
	dropOnPing  atomic.Bool
}

func (p *plugin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.token.Store(r.Header.Get("Authorization"))
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	p.connections.Add(1)
	defer ws.CloseNow()

	ctx := r.Context()
	for {
		var req Request
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			return
		}
		if req.Method == MethodPing && p.dropOnPing.Load() {
			return
		}
		if p.stale {
			_ = wsjson.Write(ctx, ws, Response{JSONRPC: "2.0", ID: req.ID + 1000, Result: json.RawMessage(`{}`)})
		}
		_ = wsjson.Write(ctx, ws, p.answer(req))
	}
}

func (p *plugin) answer(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case MethodPing:
		resp.Result = json.RawMessage(`{}`)
	case MethodListTools:
		resp.Result = json.RawMessage(`{"tools":[{"name":"render","description":"Render frames","inputSchema":{"type":"object"}}]}`)
	case MethodCallTool:
		var params CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		switch params.Name {
		case "render":
			out, _ := json.Marshal(CallToolResult{Output: map[string]any{"frames": params.Arguments["frames"]}})
			resp.Result = out
		case "explain":
			resp.Result = json.RawMessage(`{"output":"{\"ok\":true}"}`)
		case "crash":
			resp.Result = json.RawMessage(`{"output":"scene locked","isError":true}`)
		case "strict":
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "frames must be positive"}
		default:
			resp.Error = &RPCError{Code: CodeUnknownTool, Message: "no such tool " + params.Name}
		}
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: req.Method}
	}
	return resp
}

func setup(t *testing.T, p *plugin) (toolserver.Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	desc := toolserver.Descriptor{
		Name:      "blender",
		Type:      Type,
		Transport: toolserver.TransportNetwork,
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Headers:   map[string]string{"Authorization": "Bearer secret"},
	}
	adapter, err := Factory(desc, log.Discard())
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(func() { _ = adapter.Kill() })
	return adapter, srv
}

func TestCallTools(t *testing.T) {
	p := &plugin{}
	adapter, _ := setup(t, p)
	ctx := context.Background()

	conn, err := adapter.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Bearer secret", p.token.Load())

	specs, err := conn.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "render", specs[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(specs[0].InputSchema))

	res, err := conn.CallTool(ctx, "render", map[string]any{"frames": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"frames": float64(2)}, res.Payload)
	assert.JSONEq(t, `{"frames":2}`, res.Text)

	res, err = conn.CallTool(ctx, "explain", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.Payload)

	res, err = conn.CallTool(ctx, "crash", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "scene locked", res.Text)
}

func TestRPCErrorsArePermanent(t *testing.T) {
	adapter, _ := setup(t, &plugin{})
	conn, err := adapter.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.CallTool(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, errors.ErrUnknownTool)
	assert.False(t, errors.IsTransient(err))

	_, err = conn.CallTool(context.Background(), "strict", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArguments)
}

func TestStaleResponsesAreSkipped(t *testing.T) {
	adapter, _ := setup(t, &plugin{stale: true})
	conn, err := adapter.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Ping(context.Background()))
	specs, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, specs, 1)
}

func TestBrokenConnectionIsTransient(t *testing.T) {
	p := &plugin{}
	adapter, _ := setup(t, p)
	conn, err := adapter.Dial(context.Background())
	require.NoError(t, err)

	p.dropOnPing.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = conn.Ping(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CodeServerConnection, errors.CodeOf(err))
	assert.True(t, errors.IsTransient(err))
}

func TestStopClosesConnections(t *testing.T) {
	p := &plugin{}
	adapter, _ := setup(t, p)
	conn, err := adapter.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, adapter.Stop(context.Background()))
	assert.Error(t, conn.Ping(context.Background()))

	_, err = adapter.Dial(context.Background())
	assert.Equal(t, errors.CodeServerConnection, errors.CodeOf(err))
}

func TestStartFailsWhenEndpointIsDown(t *testing.T) {
	desc := toolserver.Descriptor{Name: "down", Type: Type, Transport: toolserver.TransportNetwork, URL: "ws://127.0.0.1:1/rpc"}
	adapter, err := Factory(desc, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = adapter.Start(ctx)
	assert.Equal(t, errors.CodeServerConnection, errors.CodeOf(err))
}

func TestLocalProcessIsRejected(t *testing.T) {
	_, err := Factory(toolserver.Descriptor{Name: "x", Type: Type, Transport: toolserver.TransportLocalProcess, Command: "x"}, nil)
	assert.Equal(t, errors.CodeConfiguration, errors.CodeOf(err))
}
