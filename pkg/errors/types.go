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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents invalid input to an operation, such as
// malformed tool arguments or an empty message.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorCode implements Coded.
func (e *ValidationError) ErrorCode() Code { return CodeValidation }

// NotFoundError represents a lookup of a server, session or tool that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "server", "session", "provider")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorCode implements Coded.
func (e *NotFoundError) ErrorCode() Code { return CodeNotFound }

// ConfigurationError represents a bad server descriptor or configuration value.
type ConfigurationError struct {
	// Key is the configuration key that has the problem (e.g., "servers[0].url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *ConfigurationError) ErrorCode() Code { return CodeConfiguration }

// ServerStartupError is reported when a server exhausts its startup attempts.
type ServerStartupError struct {
	Server   string
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *ServerStartupError) Error() string {
	return fmt.Sprintf("server %s failed to start after %d attempt(s): %v", e.Server, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ServerStartupError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *ServerStartupError) ErrorCode() Code { return CodeServerStartup }

// ServerConnectionError represents a failure to obtain or validate a
// connection to a running server. It is always transient.
type ServerConnectionError struct {
	Server string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ServerConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection to server %s failed: %s: %v", e.Server, e.Reason, e.Cause)
	}
	return fmt.Sprintf("connection to server %s failed: %s", e.Server, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ServerConnectionError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *ServerConnectionError) ErrorCode() Code { return CodeServerConnection }

// IsRetryable implements ErrorClassifier.
func (e *ServerConnectionError) IsRetryable() bool { return true }

// ToolExecutionError is a tool call that failed, possibly after retries.
type ToolExecutionError struct {
	Server  string
	Tool    string
	Retries int
	Cause   error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("tool %s on server %s failed", e.Tool, e.Server)
	if e.Retries > 0 {
		msg = fmt.Sprintf("%s after %d retries", msg, e.Retries)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *ToolExecutionError) ErrorCode() Code { return CodeToolExecution }

// ProviderError represents AI backend failures.
// Adapters return it as-is; retry is up to the caller.
type ProviderError struct {
	// Provider is the name of the AI provider (e.g., "anthropic", "openai")
	Provider string

	// Code is the provider-specific error code
	Code int

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *ProviderError) ErrorCode() Code { return CodeProvider }

// IsRetryable implements ErrorClassifier. Rate limits, server-side
// failures and transport errors are worth repeating.
func (e *ProviderError) IsRetryable() bool {
	switch {
	case e.StatusCode == 429 || e.StatusCode == 529:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0 && e.Cause != nil:
		return IsTransient(e.Cause)
	default:
		return false
	}
}

// TimeoutKind distinguishes which bounded wait was exceeded.
type TimeoutKind string

const (
	TimeoutStartup     TimeoutKind = "startup"
	TimeoutHealthCheck TimeoutKind = "health_check"
	TimeoutAcquire     TimeoutKind = "acquire"
	TimeoutToolCall    TimeoutKind = "tool_call"
	TimeoutProvider    TimeoutKind = "provider"
)

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "acquire connection to blender")
	Operation string

	// Kind selects the error code reported for this timeout
	Kind TimeoutKind

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *TimeoutError) ErrorCode() Code {
	switch e.Kind {
	case TimeoutStartup:
		return CodeStartupTimeout
	case TimeoutHealthCheck:
		return CodeHealthCheckTimeout
	case TimeoutAcquire:
		return CodeAcquireTimeout
	case TimeoutToolCall:
		return CodeToolCallTimeout
	case TimeoutProvider:
		return CodeProviderTimeout
	default:
		return CodeTimeout
	}
}

// IsRetryable implements ErrorClassifier. Waits on connections and tool
// calls are network-bound and worth repeating; the rest are not.
func (e *TimeoutError) IsRetryable() bool {
	return e.Kind == TimeoutAcquire || e.Kind == TimeoutToolCall
}

// CancellationError reports an operation aborted by cancellation.
type CancellationError struct {
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *CancellationError) ErrorCode() Code { return CodeCancellation }

// StateError is an operation attempted in a lifecycle state that does not allow it.
type StateError struct {
	Resource  string
	ID        string
	State     string
	Operation string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Operation, e.Resource, e.ID, e.State)
}

// ErrorCode implements Coded.
func (e *StateError) ErrorCode() Code { return CodeInvalidState }

// InternalError wraps a recovered panic or other unexpected fault.
type InternalError struct {
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coded.
func (e *InternalError) ErrorCode() Code { return CodeInternal }

// FromPanic converts a recovered value into an InternalError.
func FromPanic(operation string, recovered any) *InternalError {
	if err, ok := recovered.(error); ok {
		return &InternalError{Operation: operation, Cause: err}
	}
	return &InternalError{Operation: operation, Cause: fmt.Errorf("panic: %v", recovered)}
}
