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

// Coded is implemented by every error type in this package. The code is
// what crosses component boundaries inside a Result envelope.
type Coded interface {
	error

	// ErrorCode returns the stable machine-readable code for this error.
	ErrorCode() Code
}

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified for retry logic.
type ErrorClassifier interface {
	error

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}
