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

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
)

func TestGenerateParsesToolCalls(t *testing.T) {
	var captured completionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o",
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {"role": "assistant", "content": "", "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "gimp__crop", "arguments": "{\"w\":10}"}}
				]}
			}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`))
	}))
	defer server.Close()

	a, err := New(provider.Config{APIKey: "sk-test", BaseURL: server.URL}, log.Discard())
	require.NoError(t, err)

	gen, err := a.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "crop"},
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCallRequest{{ID: "prev", Server: "gimp", Tool: "open"}}},
			{Role: provider.RoleTool, ToolCallID: "prev", Content: "opened"},
		},
		Tools: []provider.ToolDefinition{{Server: "gimp", Tool: "crop"}},
	})
	require.NoError(t, err)

	assert.Equal(t, provider.FinishToolCalls, gen.FinishReason)
	assert.Equal(t, 8, gen.Usage.TotalTokens)
	require.Len(t, gen.ToolCalls, 1)
	assert.Equal(t, provider.ToolCallRequest{ID: "call_1", Server: "gimp", Tool: "crop", Arguments: map[string]any{"w": float64(10)}}, gen.ToolCalls[0])

	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "gimp__open", captured.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "{}", captured.Messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "prev", captured.Messages[2].ToolCallID)
	assert.Equal(t, "gimp__crop", captured.Tools[0].Function.Name)
	assert.Equal(t, DefaultModel, captured.Model)
}

func TestGenerateMalformedArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"tool_calls":[{"id":"c","function":{"name":"a__b","arguments":"{not json"}}]}}]}`))
	}))
	defer server.Close()

	a, err := New(provider.Config{APIKey: "k", BaseURL: server.URL}, log.Discard())
	require.NoError(t, err)
	_, err = a.Generate(context.Background(), provider.Request{Messages: []provider.Message{{Role: provider.RoleUser, Content: "x"}}})
	assert.Equal(t, errors.CodeProvider, errors.CodeOf(err))
}

func TestGenerateHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	a, err := New(provider.Config{APIKey: "k", BaseURL: server.URL}, log.Discard())
	require.NoError(t, err)
	_, err = a.Generate(context.Background(), provider.Request{Messages: []provider.Message{{Role: provider.RoleUser, Content: "x"}}})

	var perr *errors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.Equal(t, "bad key", perr.Message)
}
