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

// Package result provides the envelope every public switchboard operation
// returns instead of propagating errors across component boundaries.
package result

import (
	"time"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/pkg/errors"
)

// Status is the outcome of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result carries either data or an error, never an error on success.
//
// A SUCCESS result always has Data set and Err nil. A FAILED result always
// has Err set; Data may accompany it when a partial value is useful, such
// as the final handle of a server that ended in ERROR.
type Result[T any] struct {
	Status        Status
	Data          *T
	Err           error
	ErrorCode     errors.Code
	Warnings      []string
	Duration      time.Duration
	CorrelationID string
}

// Success builds a SUCCESS result around value.
func Success[T any](value T, duration time.Duration) Result[T] {
	return Result[T]{
		Status:        StatusSuccess,
		Data:          &value,
		Duration:      duration,
		CorrelationID: uuid.NewString(),
	}
}

// Failure builds a FAILED result. A nil err is replaced by an internal
// error so the envelope still satisfies its invariant.
func Failure[T any](err error, duration time.Duration) Result[T] {
	if err == nil {
		err = &errors.InternalError{Operation: "result", Cause: errors.New("failure without error")}
	}
	return Result[T]{
		Status:        StatusFailed,
		Err:           err,
		ErrorCode:     errors.CodeOf(err),
		Duration:      duration,
		CorrelationID: uuid.NewString(),
	}
}

// FailureWith builds a FAILED result that still exposes value.
func FailureWith[T any](value T, err error, duration time.Duration) Result[T] {
	r := Failure[T](err, duration)
	r.Data = &value
	return r
}

// OK reports whether the result succeeded.
func (r Result[T]) OK() bool {
	return r.Status == StatusSuccess
}

// Value returns the data or the zero value when absent.
func (r Result[T]) Value() T {
	if r.Data == nil {
		var zero T
		return zero
	}
	return *r.Data
}

// Error returns the error message or an empty string.
func (r Result[T]) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// WithWarning appends a non-fatal warning.
func (r Result[T]) WithWarning(warning string) Result[T] {
	r.Warnings = append(r.Warnings, warning)
	return r
}

// WithCorrelationID overrides the generated correlation id so that
// results belonging to one request can be tied together in logs.
func (r Result[T]) WithCorrelationID(id string) Result[T] {
	if id != "" {
		r.CorrelationID = id
	}
	return r
}

// Void is the data type of operations that return nothing.
type Void struct{}
