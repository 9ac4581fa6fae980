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

package errors_test

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "configuration with key",
			err:  &sberrors.ConfigurationError{Key: "servers[0].url", Reason: "port out of range"},
			want: "config error at servers[0].url: port out of range",
		},
		{
			name: "startup",
			err:  &sberrors.ServerStartupError{Server: "blender", Attempts: 3, Cause: fmt.Errorf("health check failed")},
			want: "server blender failed to start after 3 attempt(s): health check failed",
		},
		{
			name: "tool execution with retries",
			err:  &sberrors.ToolExecutionError{Server: "gimp", Tool: "crop", Retries: 2, Cause: io.EOF},
			want: "tool crop on server gimp failed after 2 retries: EOF",
		},
		{
			name: "provider",
			err:  &sberrors.ProviderError{Provider: "anthropic", StatusCode: 529, Message: "overloaded", RequestID: "req_1"},
			want: "provider anthropic error [HTTP 529]: overloaded (request-id: req_1)",
		},
		{
			name: "timeout",
			err:  &sberrors.TimeoutError{Operation: "acquire connection", Kind: sberrors.TimeoutAcquire, Duration: time.Second},
			want: "acquire connection operation timed out after 1s",
		},
		{
			name: "state",
			err:  &sberrors.StateError{Resource: "server", ID: "a", State: "running", Operation: "restart"},
			want: "cannot restart server a in state running",
		},
		{
			name: "not found",
			err:  &sberrors.NotFoundError{Resource: "session", ID: "s1"},
			want: "session not found: s1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sberrors.Code
	}{
		{"nil", nil, ""},
		{"configuration", &sberrors.ConfigurationError{Reason: "x"}, sberrors.CodeConfiguration},
		{"startup wrapped", fmt.Errorf("ctx: %w", &sberrors.ServerStartupError{Server: "b"}), sberrors.CodeServerStartup},
		{"connection", &sberrors.ServerConnectionError{Server: "a"}, sberrors.CodeServerConnection},
		{"tool", &sberrors.ToolExecutionError{Server: "a", Tool: "t"}, sberrors.CodeToolExecution},
		{"provider", &sberrors.ProviderError{Provider: "p"}, sberrors.CodeProvider},
		{"cancellation", &sberrors.CancellationError{Operation: "send"}, sberrors.CodeCancellation},
		{"startup timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutStartup}, sberrors.CodeStartupTimeout},
		{"health timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutHealthCheck}, sberrors.CodeHealthCheckTimeout},
		{"acquire timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutAcquire}, sberrors.CodeAcquireTimeout},
		{"tool timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutToolCall}, sberrors.CodeToolCallTimeout},
		{"context cancelled", context.Canceled, sberrors.CodeCancellation},
		{"unknown tool", sberrors.ErrUnknownTool, sberrors.CodeToolExecution},
		{"plain", fmt.Errorf("boom"), sberrors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sberrors.CodeOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection error", &sberrors.ServerConnectionError{Server: "a", Reason: "ping failed"}, true},
		{"acquire timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutAcquire}, true},
		{"tool call timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutToolCall}, true},
		{"startup timeout", &sberrors.TimeoutError{Kind: sberrors.TimeoutStartup}, false},
		{"eof", io.EOF, true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"unknown tool", fmt.Errorf("call: %w", sberrors.ErrUnknownTool), false},
		{"invalid arguments", sberrors.ErrInvalidArguments, false},
		{"cancelled", context.Canceled, false},
		{"cancellation error", &sberrors.CancellationError{Operation: "x", Cause: io.EOF}, false},
		{"configuration", &sberrors.ConfigurationError{Reason: "bad"}, false},
		{"plain", fmt.Errorf("tool said no"), false},
		{"provider rate limited", &sberrors.ProviderError{Provider: "p", StatusCode: 429}, true},
		{"provider overloaded", &sberrors.ProviderError{Provider: "p", StatusCode: 503}, true},
		{"provider bad request", &sberrors.ProviderError{Provider: "p", StatusCode: 400}, false},
		{"provider transport", &sberrors.ProviderError{Provider: "p", Cause: syscall.ECONNRESET}, true},
		{"provider cancelled", &sberrors.ProviderError{Provider: "p", Cause: context.Canceled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sberrors.IsTransient(tt.err))
		})
	}
}

func TestUnwrapChains(t *testing.T) {
	root := fmt.Errorf("socket closed")
	err := &sberrors.ToolExecutionError{Server: "a", Tool: "t", Cause: &sberrors.ServerConnectionError{Server: "a", Reason: "read", Cause: root}}

	var connErr *sberrors.ServerConnectionError
	require.True(t, sberrors.As(err, &connErr))
	assert.Equal(t, "a", connErr.Server)
	assert.True(t, sberrors.Is(err, root))
}

func TestFromPanic(t *testing.T) {
	err := sberrors.FromPanic("tool call", "nil map write")
	assert.Equal(t, sberrors.CodeInternal, err.ErrorCode())
	assert.Contains(t, err.Error(), "nil map write")

	cause := fmt.Errorf("boom")
	err = sberrors.FromPanic("tool call", cause)
	assert.ErrorIs(t, err, cause)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, sberrors.Wrap(nil, "ctx"))
	assert.Nil(t, sberrors.Wrapf(nil, "ctx %d", 1))

	wrapped := sberrors.Wrapf(io.EOF, "reading %s", "frame")
	assert.EqualError(t, wrapped, "reading frame: EOF")
	assert.ErrorIs(t, wrapped, io.EOF)
}
