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

// Package executor runs tool calls against pooled server connections.
//
// Every call acquires its connection through the pool and gives it back on
// all exit paths. Transient failures are retried with backoff; permanent
// ones fail at once. Batches run concurrently and a failing call never
// affects its siblings.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/result"
	"github.com/tombee/switchboard/pkg/retry"
)

type serverLimits struct {
	callTimeout time.Duration
	limiter     *rate.Limiter
}

// Executor dispatches ToolCalls.
type Executor struct {
	env    toolserver.Env
	pool   *pool.Pool
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]serverLimits
}

// New creates an executor that routes calls through p.
func New(env toolserver.Env, p *pool.Pool, cfg Config) *Executor {
	env = env.WithDefaults()
	return &Executor{
		env:     env,
		pool:    p,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent(env.Logger, "executor"),
		servers: make(map[string]serverLimits),
	}
}

// ConfigureServer applies a descriptor's call timeout and rate limit to
// calls targeting it.
func (e *Executor) ConfigureServer(desc toolserver.Descriptor) {
	limits := serverLimits{callTimeout: desc.CallTimeout}
	if desc.RateLimit > 0 {
		burst := desc.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limits.limiter = rate.NewLimiter(rate.Limit(desc.RateLimit), burst)
	}
	e.mu.Lock()
	e.servers[desc.Name] = limits
	e.mu.Unlock()
}

// ForgetServer drops limits set by ConfigureServer.
func (e *Executor) ForgetServer(name string) {
	e.mu.Lock()
	delete(e.servers, name)
	e.mu.Unlock()
}

func (e *Executor) limits(server string) serverLimits {
	e.mu.RLock()
	l, ok := e.servers[server]
	e.mu.RUnlock()
	if !ok || l.callTimeout <= 0 {
		l.callTimeout = e.cfg.CallTimeout
	}
	return l
}

// Execute runs call, retrying transient failures up to policy.MaxRetries
// times. The returned ToolResult is populated on failure as well as on
// success; RetryCount is the number of retries actually performed.
func (e *Executor) Execute(ctx context.Context, call ToolCall, policy retry.Policy) result.Result[ToolResult] {
	begin := e.env.Clock.Now()
	logger := e.logger.With(slog.String(log.ServerKey, call.Server), slog.String(log.ToolKey, call.Tool), slog.String("call_id", call.ID))

	ctx, span := e.env.Tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("server", call.Server),
		attribute.String("tool", call.Tool),
		attribute.String("call_id", call.ID),
	))

	tr := ToolResult{CallID: call.ID, Server: call.Server, Tool: call.Tool}
	finish := func(err error, retries int) result.Result[ToolResult] {
		tr.RetryCount = retries
		tr.Duration = e.env.Clock.Since(begin)
		span.SetAttributes(attribute.Int("tool.retries", retries))
		tracing.End(span, err)

		if err == nil {
			tr.Status = StatusSuccess
			e.env.Metrics.RecordToolCall(call.Server, call.Tool, string(tr.Status), tr.Duration, retries)
			logger.Debug("tool call succeeded", slog.Int("retries", retries), slog.Int64(log.DurationKey, tr.Duration.Milliseconds()))
			return result.Success(tr, tr.Duration)
		}

		code := classify(err)
		tr.Status = StatusFailed
		if isTimeout(err) {
			tr.Status = StatusTimeout
		}
		tr.Error = err.Error()
		tr.ErrorCode = code
		e.env.Metrics.RecordToolCall(call.Server, call.Tool, string(tr.Status), tr.Duration, retries)
		logger.Warn("tool call failed", slog.Int("retries", retries), slog.String("error_code", string(code)), log.Error(err))

		r := result.FailureWith(tr, err, tr.Duration)
		r.ErrorCode = code
		return r
	}

	if err := validateCall(call); err != nil {
		return finish(err, 0)
	}

	limits := e.limits(call.Server)
	for attempt := 0; ; attempt++ {
		cr, err := e.invoke(ctx, call, limits)
		if err == nil {
			tr.Payload = cr.Payload
			return finish(nil, attempt)
		}

		if ctx.Err() != nil {
			return finish(&errors.CancellationError{Operation: fmt.Sprintf("tool call %s/%s", call.Server, call.Tool), Cause: err}, attempt)
		}
		if !errors.IsTransient(err) || attempt >= policy.MaxRetries {
			return finish(&errors.ToolExecutionError{Server: call.Server, Tool: call.Tool, Retries: attempt, Cause: err}, attempt)
		}

		logger.Debug("retrying transient tool failure", slog.Int(log.AttemptKey, attempt+1), log.Error(err))
		if waitErr := policy.Wait(ctx, e.env.Clock, attempt+1); waitErr != nil {
			return finish(&errors.CancellationError{Operation: fmt.Sprintf("tool call %s/%s", call.Server, call.Tool), Cause: err}, attempt)
		}
	}
}

// invoke performs a single attempt bounded by the server's call timeout.
func (e *Executor) invoke(ctx context.Context, call ToolCall, limits serverLimits) (cr *toolserver.CallResult, err error) {
	if limits.limiter != nil {
		if err := limits.limiter.Wait(ctx); err != nil {
			return nil, &errors.CancellationError{Operation: "rate limit wait", Cause: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, limits.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			cr, err = nil, errors.FromPanic(fmt.Sprintf("tool call %s/%s", call.Server, call.Tool), r)
		}
	}()

	// A deadline hit before a connection was granted stays an acquire timeout.
	acquired := false
	err = e.pool.WithConn(callCtx, call.Server, e.cfg.AcquireTimeout, func(c *pool.Conn) error {
		acquired = true
		res, callErr := c.CallTool(callCtx, call.Tool, call.Args)
		if callErr != nil {
			return callErr
		}
		if res == nil {
			res = &toolserver.CallResult{}
		}
		if res.IsError {
			return &toolFailure{message: res.Text}
		}
		cr = res
		return nil
	})

	if err != nil && acquired && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &errors.TimeoutError{
			Operation: fmt.Sprintf("tool call %s/%s", call.Server, call.Tool),
			Kind:      errors.TimeoutToolCall,
			Duration:  limits.callTimeout,
			Cause:     err,
		}
	}
	return cr, err
}

// ExecuteBatch runs independent calls with at most maxConcurrency in
// flight (the configured default when zero). Results are in input order
// and each carries its call's ID. Calls missing an ID are assigned one.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall, maxConcurrency int) []result.Result[ToolResult] {
	if maxConcurrency <= 0 {
		maxConcurrency = e.cfg.MaxConcurrency
	}
	begin := e.env.Clock.Now()
	results := make([]result.Result[ToolResult], len(calls))
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var wg sync.WaitGroup

	for i := range calls {
		call := calls[i]
		if call.ID == "" {
			call.ID = NewCall("", "", nil).ID
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			tr := ToolResult{CallID: call.ID, Server: call.Server, Tool: call.Tool, Status: StatusFailed}
			cancelErr := &errors.CancellationError{Operation: fmt.Sprintf("tool call %s/%s", call.Server, call.Tool), Cause: err}
			tr.Error, tr.ErrorCode = cancelErr.Error(), errors.CodeCancellation
			tr.Duration = e.env.Clock.Since(begin)
			results[i] = result.FailureWith(tr, error(cancelErr), tr.Duration)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = e.Execute(ctx, call, e.cfg.Retry)
		}()
	}

	wg.Wait()
	return results
}

// toolFailure is a tool-level error reported by the server itself, such
// as a rejected argument. It is never retried.
type toolFailure struct {
	message string
}

func (f *toolFailure) Error() string {
	if f.message == "" {
		return "tool reported an error"
	}
	return f.message
}

func validateCall(call ToolCall) error {
	if call.Server == "" {
		return &errors.ValidationError{Field: "server", Message: "tool call has no target server"}
	}
	if call.Tool == "" {
		return &errors.ValidationError{Field: "tool", Message: "tool call has no tool name"}
	}
	return nil
}

// classify picks the most specific code for a failed call: a distinct
// timeout or connection code when one is in the chain, otherwise a tool
// execution error.
func classify(err error) errors.Code {
	var timeout *errors.TimeoutError
	if errors.As(err, &timeout) {
		return timeout.ErrorCode()
	}
	var cancelled *errors.CancellationError
	if errors.As(err, &cancelled) {
		return errors.CodeCancellation
	}
	var conn *errors.ServerConnectionError
	if errors.As(err, &conn) {
		return errors.CodeServerConnection
	}
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		return errors.CodeNotFound
	}
	var validation *errors.ValidationError
	if errors.As(err, &validation) {
		return errors.CodeValidation
	}
	var internal *errors.InternalError
	if errors.As(err, &internal) {
		return errors.CodeInternal
	}
	return errors.CodeToolExecution
}

func isTimeout(err error) bool {
	var timeout *errors.TimeoutError
	return errors.As(err, &timeout)
}
