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
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Code is a stable error code surfaced in Result envelopes and tool results.
type Code string

const (
	CodeConfiguration      Code = "CONFIGURATION_ERROR"
	CodeServerStartup      Code = "SERVER_STARTUP_ERROR"
	CodeServerConnection   Code = "SERVER_CONNECTION_ERROR"
	CodeToolExecution      Code = "TOOL_EXECUTION_ERROR"
	CodeProvider           Code = "PROVIDER_ERROR"
	CodeCancellation       Code = "CANCELLATION_ERROR"
	CodeTimeout            Code = "TIMEOUT_ERROR"
	CodeStartupTimeout     Code = "STARTUP_TIMEOUT"
	CodeHealthCheckTimeout Code = "HEALTH_CHECK_TIMEOUT"
	CodeAcquireTimeout     Code = "ACQUIRE_TIMEOUT"
	CodeToolCallTimeout    Code = "TOOL_CALL_TIMEOUT"
	CodeProviderTimeout    Code = "PROVIDER_TIMEOUT"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Sentinel errors returned by tool-server connections. Both are permanent.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// CodeOf returns the code of the first Coded error in err's chain.
// A bare context cancellation maps to CANCELLATION_ERROR and anything
// unrecognised to INTERNAL_ERROR. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, ErrUnknownTool) || errors.Is(err, ErrInvalidArguments) {
		return CodeToolExecution
	}
	return CodeInternal
}

// IsTransient reports whether err is worth retrying: connection failures,
// network timeouts, and abrupt connection loss. Cancellation and
// permanent tool errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var cancelled *CancellationError
	if errors.As(err, &cancelled) {
		return false
	}
	if errors.Is(err, ErrUnknownTool) || errors.Is(err, ErrInvalidArguments) {
		return false
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
