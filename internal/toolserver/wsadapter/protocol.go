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

// Package wsadapter reaches tool servers embedded in host applications
// (editors, 3D suites, game engines) that expose JSON-RPC 2.0 over a
// WebSocket endpoint.
//
// Methods:
//
//	tools/list  -> {"tools": [{"name", "description", "inputSchema"}]}
//	tools/call  {"name", "arguments"} -> {"output": any, "isError": bool}
//	ping        -> {}
package wsadapter

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/switchboard/internal/toolserver"
)

// Method names.
const (
	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"
	MethodPing      = "ping"
)

// JSON-RPC error codes with a fixed meaning here.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeUnknownTool    = -32001
)

// Request is a JSON-RPC request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []toolserver.ToolSpec `json:"tools"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Output  any  `json:"output"`
	IsError bool `json:"isError,omitempty"`
}
