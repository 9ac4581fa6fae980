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

// Package anthropic adapts the Anthropic Messages API.
package anthropic

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
	// Name is the registry key of this backend.
	Name = "anthropic"

	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	// DefaultModel is used when the config names none.
	DefaultModel = "claude-sonnet-4-5"

	defaultMaxTokens = 4096
)

// Adapter implements provider.Adapter for Claude models.
type Adapter struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

// New creates an adapter. cfg.APIKey must already be resolved.
func New(cfg provider.Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigurationError{
			Key:    "provider.api_key_env",
			Reason: "API key is required for Anthropic provider",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = 120 * time.Second
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}
	httpCfg.UserAgent = "switchboard-anthropic/1.0"
	httpCfg.Logger = logger
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	a := &Adapter{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
		logger:    logger,
	}
	if a.baseURL == "" {
		a.baseURL = DefaultBaseURL
	}
	if a.model == "" {
		a.model = DefaultModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
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

// Generate sends one Messages API request.
func (a *Adapter) Generate(ctx context.Context, req provider.Request) (*provider.Generation, error) {
	requestID := uuid.NewString()
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "generation request must have at least one message",
			Suggestion: "Add at least one message to the request",
		}
	}

	apiReq := a.buildRequest(req)
	resp, err := a.doRequest(ctx, apiReq, requestID)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp, req.Tools, requestID), nil
}

func (a *Adapter) buildRequest(req provider.Request) *messagesRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	var system string
	var messages []message
	// appendUser merges consecutive user-role content, which is how tool
	// results for one assistant turn must be delivered.
	appendUser := func(block any) {
		if n := len(messages); n > 0 && messages[n-1].Role == "user" {
			messages[n-1].Content = append(messages[n-1].Content, block)
			return
		}
		messages = append(messages, message{Role: "user", Content: []any{block}})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case provider.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case provider.RoleUser:
			appendUser(textBlock{Type: "text", Text: msg.Content})

		case provider.RoleAssistant:
			var content []any
			if msg.Content != "" {
				content = append(content, textBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, toolUseBlock{Type: "tool_use", ID: tc.ID, Name: tc.QualifiedName(), Input: input})
			}
			if len(content) > 0 {
				messages = append(messages, message{Role: "assistant", Content: content})
			}

		case provider.RoleTool:
			appendUser(toolResultBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content, IsError: msg.IsError})
		}
	}

	tools := make([]tool, 0, len(req.Tools))
	for _, d := range req.Tools {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, tool{Name: d.QualifiedName(), Description: d.Description, InputSchema: schema})
	}

	return &messagesRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		System:    system,
		Tools:     tools,
	}
}

func (a *Adapter) doRequest(ctx context.Context, apiReq *messagesRequest, requestID string) (*messagesResponse, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: Name, Message: fmt.Sprintf("failed to marshal request: %v", err), RequestID: requestID}
	}

	httpReq, err := http.NewRequestWithContext(httpclient.WithCorrelationID(ctx, requestID), http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: Name, Message: fmt.Sprintf("failed to create request: %v", err), RequestID: requestID}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: Name, Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err), RequestID: requestID, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &errors.ProviderError{
				Provider:   Name,
				StatusCode: resp.StatusCode,
				Message:    errResp.Error.Message,
				Suggestion: suggestionFor(resp.StatusCode, errResp.Error.Type),
				RequestID:  requestID,
			}
		}
		return nil, &errors.ProviderError{
			Provider:   Name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(respBody)),
			Suggestion: suggestionFor(resp.StatusCode, ""),
			RequestID:  requestID,
		}
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{Provider: Name, Message: fmt.Sprintf("failed to parse response: %v", err), RequestID: requestID, Cause: err}
	}
	return &apiResp, nil
}

func suggestionFor(statusCode int, errorType string) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Check that your API key is valid and correctly configured"
	case http.StatusForbidden:
		return "Your API key may not have access to this model or feature"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded. Retry after a short delay"
	case http.StatusBadRequest:
		if errorType == "invalid_request_error" {
			return "Check the request parameters for errors"
		}
		return "Review the request format and parameters"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return "Anthropic API is experiencing issues. Retry after a short delay"
	default:
		return "Check the Anthropic API documentation for more details"
	}
}

func parseResponse(resp *messagesResponse, offered []provider.ToolDefinition, requestID string) *provider.Generation {
	var text strings.Builder
	var calls []provider.ToolCallRequest

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
		case "tool_use":
			server, toolName, _ := provider.ResolveToolName(offered, block.Name)
			calls = append(calls, provider.ToolCallRequest{
				ID:        block.ID,
				Server:    server,
				Tool:      toolName,
				Arguments: block.Input,
			})
		}
	}

	return &provider.Generation{
		Text:         text.String(),
		ToolCalls:    calls,
		FinishReason: mapStopReason(resp.StopReason),
		Usage: provider.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Model:     resp.Model,
		RequestID: requestID,
	}
}

func mapStopReason(stopReason string) provider.FinishReason {
	switch stopReason {
	case "max_tokens":
		return provider.FinishLength
	case "tool_use":
		return provider.FinishToolCalls
	case "refusal":
		return provider.FinishFiltered
	default:
		return provider.FinishStop
	}
}
