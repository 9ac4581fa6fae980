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

// Package provider defines the uniform interface over conversational AI
// backends.
//
// An Adapter turns message history into free text plus zero or more tool
// call requests. Backends differ in how they express tool calls; each
// adapter normalizes its backend's syntax into ToolCallRequest before
// returning. Adapters never retry: failures come back as
// *errors.ProviderError and the caller decides what to do.
package provider

import (
	"context"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls are the calls requested by an assistant message.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the request it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the qualified tool name a tool message answers.
	Name string `json:"name,omitempty"`

	// IsError marks a tool message that carries a failure.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCallRequest is a normalized tool invocation requested by the AI.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// QualifiedName is the name the backend saw for this call.
func (c ToolCallRequest) QualifiedName() string {
	return QualifiedName(c.Server, c.Tool)
}

// ToolDefinition describes one tool offered to the AI.
type ToolDefinition struct {
	Server      string         `json:"server"`
	Tool        string         `json:"tool"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// QualifiedName is the name exposed to the backend.
func (d ToolDefinition) QualifiedName() string {
	return QualifiedName(d.Server, d.Tool)
}

// Request is the input to Generate.
type Request struct {
	Messages  []Message
	Tools     []ToolDefinition
	Model     string
	MaxTokens int
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishFiltered  FinishReason = "content_filter"
)

// Usage is token consumption for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Generation is the normalized output of one AI turn.
type Generation struct {
	Text         string            `json:"text"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason FinishReason      `json:"finish_reason"`
	Usage        Usage             `json:"usage"`
	Model        string            `json:"model,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

// Adapter is implemented by every AI backend.
type Adapter interface {
	// Name returns the backend identifier (e.g. "anthropic").
	Name() string

	// Generate runs one AI turn over req.Messages.
	Generate(ctx context.Context, req Request) (*Generation, error)
}
