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

// Package openai adapts the OpenAI Chat Completions API and compatible
// endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/httpclient"
	"github.com/tombee/switchboard/pkg/provider"
)

const (
	Name           = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o"
)

// Adapter implements provider.Adapter over chat completions.
type Adapter struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

// New creates an adapter. cfg.APIKey must already be resolved.
func New(cfg provider.Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigurationError{Key: "provider.api_key_env", Reason: "API key is required for OpenAI provider"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = 120 * time.Second
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}
	httpCfg.UserAgent = "switchboard-openai/1.0"
	httpCfg.Logger = logger
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	a := &Adapter{apiKey: cfg.APIKey, baseURL: strings.TrimSuffix(cfg.BaseURL, "/"), model: cfg.Model, maxTokens: cfg.MaxTokens, client: client}
	if a.baseURL == "" {
		a.baseURL = DefaultBaseURL
	}
	if a.model == "" {
		a.model = DefaultModel
	}
	return a, nil
}

// Factory resolves the API key and creates an adapter.
func Factory(cfg provider.Config, logger *slog.Logger) (provider.Adapter, error) {
	key, err := provider.ResolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	return New(cfg, logger)
}

// Register adds this backend to reg.
func Register(reg *provider.Registry) error {
	return reg.Register(Name, Factory)
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return Name }

// Generate sends one chat completion request.
func (a *Adapter) Generate(ctx context.Context, req provider.Request) (*provider.Generation, error) {
	requestID := uuid.NewString()
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{Field: "messages", Message: "generation request must have at least one message"}
	}

	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, a.fail(0, fmt.Sprintf("failed to marshal request: %v", err), requestID, err)
	}
	httpReq, err := http.NewRequestWithContext(httpclient.WithCorrelationID(ctx, requestID), http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(0, fmt.Sprintf("failed to create request: %v", err), requestID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.fail(0, fmt.Sprintf("request failed: %v", err), requestID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.fail(resp.StatusCode, fmt.Sprintf("failed to read response: %v", err), requestID, err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		msg := fmt.Sprintf("API request failed with status %d", resp.StatusCode)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, a.fail(resp.StatusCode, msg, requestID, nil)
	}

	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, a.fail(resp.StatusCode, fmt.Sprintf("failed to parse response: %v", err), requestID, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, a.fail(resp.StatusCode, "response has no choices", requestID, nil)
	}

	choice := parsed.Choices[0]
	gen := &provider.Generation{
		Text:         choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: provider.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
		Model:     parsed.Model,
		RequestID: requestID,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, a.fail(resp.StatusCode, fmt.Sprintf("tool call %s has malformed arguments: %v", tc.ID, err), requestID, err)
			}
		}
		server, tool, _ := provider.ResolveToolName(req.Tools, tc.Function.Name)
		gen.ToolCalls = append(gen.ToolCalls, provider.ToolCallRequest{ID: tc.ID, Server: server, Tool: tool, Arguments: args})
	}
	return gen, nil
}

func (a *Adapter) fail(status int, msg, requestID string, cause error) error {
	return &errors.ProviderError{Provider: Name, StatusCode: status, Message: msg, RequestID: requestID, Cause: cause}
}

func (a *Adapter) buildRequest(req provider.Request) *completionRequest {
	out := &completionRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if out.Model == "" {
		out.Model = a.model
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = a.maxTokens
	}

	for _, msg := range req.Messages {
		m := chatMessage{Role: string(msg.Role), Content: msg.Content}
		switch msg.Role {
		case provider.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil || tc.Arguments == nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, toolCall{ID: tc.ID, Type: "function", Function: functionCall{Name: tc.QualifiedName(), Arguments: string(args)}})
			}
		case provider.RoleTool:
			m.ToolCallID = msg.ToolCallID
		}
		out.Messages = append(out.Messages, m)
	}

	for _, d := range req.Tools {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, toolDef{Type: "function", Function: functionDef{Name: d.QualifiedName(), Description: d.Description, Parameters: params}})
	}
	return out
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "length":
		return provider.FinishLength
	case "tool_calls", "function_call":
		return provider.FinishToolCalls
	case "content_filter":
		return provider.FinishFiltered
	default:
		return provider.FinishStop
	}
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []toolDef     `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
