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

package conversation

import (
	"time"

	"github.com/tombee/switchboard/internal/executor"
	"github.com/tombee/switchboard/pkg/provider"
	"github.com/tombee/switchboard/pkg/retry"
)

// StopReason records why a SendMessage loop ended.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopMaxSteps      StopReason = "max_steps"
	StopCancelled     StopReason = "cancelled"
	StopProviderError StopReason = "provider_error"
)

// Step is one iteration of the loop: an AI turn and the tool calls it
// requested. Results[i] answers ToolCalls[i]; the pairing is by call ID.
type Step struct {
	Number    int                   `json:"number"`
	Text      string                `json:"text"`
	ToolCalls []executor.ToolCall   `json:"tool_calls,omitempty"`
	Results   []executor.ToolResult `json:"results,omitempty"`
	Usage     provider.Usage        `json:"usage"`
	Duration  time.Duration         `json:"duration"`
}

// Config configures a Client.
type Config struct {
	// MaxSteps is the per-message step bound when a session sets none (default 10).
	MaxSteps int

	// MaxConcurrency bounds the tool calls of one step (default 4).
	MaxConcurrency int

	// ProviderRetry is applied to retryable provider failures.
	ProviderRetry retry.Policy

	// ProviderTimeout bounds one generation (default 2m).
	ProviderTimeout time.Duration

	// CancelGrace is how long in-flight tool calls may run after Cancel
	// before they are aborted (default 5s).
	CancelGrace time.Duration

	// MaxHistoryTokens is the estimated token budget of the history sent
	// to the provider (default 100000).
	MaxHistoryTokens int

	// Model and MaxTokens are passed through to the provider.
	Model     string
	MaxTokens int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:         10,
		MaxConcurrency:   4,
		ProviderRetry:    retry.Policy{MaxRetries: 2, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2},
		ProviderTimeout:  2 * time.Minute,
		CancelGrace:      5 * time.Second,
		MaxHistoryTokens: 100000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.MaxHistoryTokens <= 0 {
		c.MaxHistoryTokens = d.MaxHistoryTokens
	}
	return c
}

// Option customizes one session.
type Option func(*sessionOptions)

type sessionOptions struct {
	systemPrompt string
	model        string
}

// WithSystemPrompt sets the session's system message.
func WithSystemPrompt(prompt string) Option {
	return func(o *sessionOptions) { o.systemPrompt = prompt }
}

// WithModel overrides the client's model for one session.
func WithModel(model string) Option {
	return func(o *sessionOptions) { o.model = model }
}
