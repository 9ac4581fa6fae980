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

package executor

import (
	"time"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/retry"
)

// Status is the outcome of one tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// ToolCall is a request to invoke one tool on one server. ID pairs the
// call with its ToolResult regardless of completion order.
type ToolCall struct {
	ID     string         `json:"id"`
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// NewCall builds a ToolCall with a fresh ID.
func NewCall(server, tool string, args map[string]any) ToolCall {
	return ToolCall{ID: uuid.NewString(), Server: server, Tool: tool, Args: args}
}

// ToolResult is the outcome of a ToolCall.
type ToolResult struct {
	CallID     string        `json:"call_id"`
	Server     string        `json:"server"`
	Tool       string        `json:"tool"`
	Status     Status        `json:"status"`
	Payload    any           `json:"payload,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  errors.Code   `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
}

// OK reports whether the call succeeded.
func (r ToolResult) OK() bool { return r.Status == StatusSuccess }

// Config configures an Executor.
type Config struct {
	// MaxConcurrency bounds ExecuteBatch when the caller passes zero (default 8).
	MaxConcurrency int

	// Retry is the policy used by ExecuteBatch.
	Retry retry.Policy

	// CallTimeout applies to servers without their own call timeout (default 30s).
	CallTimeout time.Duration

	// AcquireTimeout bounds the wait for a pooled connection. Zero waits
	// for as long as the call timeout allows.
	AcquireTimeout time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Retry:          retry.DefaultPolicy(),
		CallTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}
