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

package shared

import (
	"fmt"
	"io"
	"os"

	"github.com/tombee/switchboard/pkg/errors"
)

// Exit codes for switchboard commands
const (
	ExitSuccess       = 0
	ExitFailed        = 1
	ExitInvalidConfig = 2
	ExitServersFailed = 3
	ExitProviderError = 4
	ExitUnavailable   = 69 // EX_UNAVAILABLE from sysexits.h
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for unreadable or invalid configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewServersFailedError reports servers that could not be started or validated
func NewServersFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitServersFailed, Message: msg, Cause: cause}
}

// NewProviderError creates an error for provider-related failures
func NewProviderError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitProviderError, Message: msg, Cause: cause}
}

// NewUnavailableError reports that a running switchboard could not be reached
func NewUnavailableError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUnavailable, Message: msg, Cause: cause}
}

// ExitCode maps err to a process exit code. Errors that are not an
// ExitError are classified by their error code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch errors.CodeOf(err) {
	case errors.CodeConfiguration, errors.CodeValidation:
		return ExitInvalidConfig
	case errors.CodeProvider, errors.CodeProviderTimeout:
		return ExitProviderError
	default:
		return ExitFailed
	}
}

// PrintError writes err and any suggestion it carries to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, RenderError(err.Error()))
	if s := suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

func suggestion(err error) string {
	var verr *errors.ValidationError
	if errors.As(err, &verr) && verr.Suggestion != "" {
		return verr.Suggestion
	}
	var perr *errors.ProviderError
	if errors.As(err, &perr) && perr.Suggestion != "" {
		return perr.Suggestion
	}
	return ""
}

// HandleExitError prints err and exits with the matching code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}
