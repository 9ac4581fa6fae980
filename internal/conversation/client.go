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

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/switchboard/internal/executor"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
	"github.com/tombee/switchboard/pkg/result"
)

// Client starts sessions and runs their step loops.
type Client struct {
	env     toolserver.Env
	exec    *executor.Executor
	catalog Catalog
	cfg     Config
	window  window
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewClient creates a conversation client. A nil catalog offers no tools.
func NewClient(env toolserver.Env, exec *executor.Executor, catalog Catalog, cfg Config) *Client {
	env = env.WithDefaults()
	cfg = cfg.withDefaults()
	return &Client{
		env:      env,
		exec:     exec,
		catalog:  catalog,
		cfg:      cfg,
		window:   window{maxTokens: cfg.MaxHistoryTokens},
		logger:   log.WithComponent(env.Logger, "conversation"),
		sessions: make(map[string]*Session),
	}
}

// StartSession creates a session scoped to servers. maxSteps bounds the
// steps of each SendMessage; zero selects the configured default.
func (c *Client) StartSession(servers []string, adapter provider.Adapter, maxSteps int, opts ...Option) result.Result[*Session] {
	begin := c.env.Clock.Now()
	if adapter == nil {
		return result.Failure[*Session](&errors.ValidationError{Field: "provider", Message: "a provider adapter is required"}, c.env.Clock.Since(begin))
	}
	if maxSteps < 0 {
		return result.Failure[*Session](&errors.ValidationError{Field: "max_steps", Message: "must not be negative"}, c.env.Clock.Since(begin))
	}
	if maxSteps == 0 {
		maxSteps = c.cfg.MaxSteps
	}

	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	scope := make(map[string]struct{}, len(servers))
	var names []string
	for _, name := range servers {
		if _, dup := scope[name]; dup || name == "" {
			continue
		}
		scope[name] = struct{}{}
		names = append(names, name)
	}

	model := c.cfg.Model
	if o.model != "" {
		model = o.model
	}

	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Servers:   names,
		Provider:  adapter.Name(),
		MaxSteps:  maxSteps,
		Model:     model,
		CreatedAt: c.env.Clock.Now(),
		adapter:   adapter,
		scope:     scope,
		logger:    log.WithSession(c.logger, id),
		cancelCh:  make(chan struct{}),
	}
	if o.systemPrompt != "" {
		s.history = append(s.history, provider.Message{Role: provider.RoleSystem, Content: o.systemPrompt})
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	s.logger.Info("session started", slog.String(log.ProviderKey, s.Provider), slog.Any("servers", names), slog.Int("max_steps", maxSteps))
	return result.Success(s, c.env.Clock.Since(begin)).WithCorrelationID(id)
}

// Session looks up a live session.
func (c *Client) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions returns the live sessions, oldest first.
func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel sets the session's cancellation flag. A running generation is
// aborted at once; in-flight tool calls get the configured grace before
// they are aborted. No new turn or dispatch starts afterwards. Cancel is
// terminal: the session is discarded once idle.
func (c *Client) Cancel(s *Session) {
	if s.cancel() {
		c.discard(s)
	}
	s.logger.Info("session cancelled")
}

// EndSession cancels and discards a session.
func (c *Client) EndSession(id string) result.Result[result.Void] {
	begin := c.env.Clock.Now()
	s, ok := c.Session(id)
	if !ok {
		return result.Failure[result.Void](&errors.NotFoundError{Resource: "session", ID: id}, c.env.Clock.Since(begin))
	}
	if s.end() {
		c.discard(s)
	}
	s.logger.Info("session ended")
	return result.Success(result.Void{}, c.env.Clock.Since(begin)).WithCorrelationID(id)
}

// Close ends every session.
func (c *Client) Close() {
	for _, s := range c.Sessions() {
		c.EndSession(s.ID)
	}
}

func (c *Client) discard(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.ID)
	c.mu.Unlock()
}

// SendMessage appends text to the session and runs steps until the AI
// stops asking for tools, the step bound is reached, the session is
// cancelled or the provider fails. The steps produced are returned in
// every case; a failed result carries them alongside the error.
func (c *Client) SendMessage(ctx context.Context, s *Session, text string) result.Result[[]Step] {
	begin := c.env.Clock.Now()
	if strings.TrimSpace(text) == "" {
		return result.Failure[[]Step](&errors.ValidationError{Field: "text", Message: "message is empty"}, c.env.Clock.Since(begin))
	}

	genCtx, abort := context.WithCancel(ctx)
	defer abort()
	if err := s.begin(abort); err != nil {
		return result.Failure[[]Step](err, c.env.Clock.Since(begin))
	}

	reason := StopCompleted
	defer func() {
		if s.finish(reason) {
			c.discard(s)
		}
	}()

	s.append(provider.Message{Role: provider.RoleUser, Content: text})
	tools := c.tools(ctx, s)

	var (
		produced []Step
		failure  error
	)
	for {
		if s.Cancelled() || ctx.Err() != nil {
			reason = StopCancelled
			break
		}
		if len(produced) >= s.MaxSteps {
			reason = StopMaxSteps
			break
		}

		step, done, err := c.runStep(ctx, genCtx, s, tools)
		if err != nil {
			failure = err
			reason = StopProviderError
			if s.Cancelled() || ctx.Err() != nil {
				reason = StopCancelled
			}
			break
		}
		produced = append(produced, step)
		if done {
			break
		}
	}

	elapsed := c.env.Clock.Since(begin)
	s.logger.Info("message processed", slog.String("stop_reason", string(reason)), slog.Int("steps", len(produced)), slog.Int64(log.DurationKey, elapsed.Milliseconds()))

	switch reason {
	case StopCancelled:
		cancelErr := &errors.CancellationError{Operation: fmt.Sprintf("session %s", s.ID), Cause: failure}
		return result.FailureWith(produced, error(cancelErr), elapsed).WithCorrelationID(s.ID)
	case StopProviderError:
		return result.FailureWith(produced, failure, elapsed).WithCorrelationID(s.ID)
	case StopMaxSteps:
		return result.Success(produced, elapsed).
			WithWarning(fmt.Sprintf("stopped after reaching the limit of %d steps", s.MaxSteps)).
			WithCorrelationID(s.ID)
	default:
		return result.Success(produced, elapsed).WithCorrelationID(s.ID)
	}
}

func (c *Client) tools(ctx context.Context, s *Session) []provider.ToolDefinition {
	if c.catalog == nil || len(s.Servers) == 0 {
		return nil
	}
	return c.catalog.Tools(ctx, s.Servers)
}

// runStep performs one AI turn and dispatches the tools it requested.
// done is set when the AI asked for no tools.
func (c *Client) runStep(ctx, genCtx context.Context, s *Session, tools []provider.ToolDefinition) (step Step, done bool, err error) {
	number := s.nextStep()
	begin := c.env.Clock.Now()

	ctx, span := c.env.Tracer.Start(ctx, "conversation.step", trace.WithAttributes(
		attribute.String("session_id", s.ID),
		attribute.Int("step", number),
		attribute.String("provider", s.Provider),
	))
	defer func() { tracing.End(span, err) }()
	logger := s.logger.With(slog.Int(log.StepKey, number))

	req := provider.Request{
		Messages:  c.window.fit(s.History()),
		Tools:     tools,
		Model:     s.Model,
		MaxTokens: c.cfg.MaxTokens,
	}
	gen, err := c.generate(trace.ContextWithSpan(genCtx, span), s, req)
	if err != nil {
		logger.Warn("generation failed", log.Error(err))
		return Step{}, false, err
	}
	c.env.Metrics.RecordConversationStep(s.Provider)

	step = Step{Number: number, Text: gen.Text, Usage: gen.Usage}
	assistant := provider.Message{Role: provider.RoleAssistant, Content: gen.Text}
	if len(gen.ToolCalls) == 0 {
		step.Duration = c.env.Clock.Since(begin)
		s.record(step, []provider.Message{assistant})
		logger.Debug("step completed without tool calls")
		return step, true, nil
	}

	for _, tc := range gen.ToolCalls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		assistant.ToolCalls = append(assistant.ToolCalls, tc)
		step.ToolCalls = append(step.ToolCalls, executor.ToolCall{ID: tc.ID, Server: tc.Server, Tool: tc.Tool, Args: tc.Arguments})
	}

	if s.Cancelled() || ctx.Err() != nil {
		step.Results = cancelledResults(step.ToolCalls)
	} else {
		step.Results = c.dispatch(ctx, s, step.ToolCalls)
	}
	step.Duration = c.env.Clock.Since(begin)

	messages := []provider.Message{assistant}
	failed := 0
	for _, tr := range step.Results {
		if !tr.OK() {
			failed++
		}
		messages = append(messages, toolMessage(tr))
	}
	s.record(step, messages)
	span.SetAttributes(attribute.Int("tool_calls", len(step.ToolCalls)), attribute.Int("tool_failures", failed))
	logger.Debug("step completed", slog.Int("tool_calls", len(step.ToolCalls)), slog.Int("tool_failures", failed))
	return step, false, nil
}

// dispatch runs the step's calls and pairs each result with its call by ID.
func (c *Client) dispatch(ctx context.Context, s *Session, calls []executor.ToolCall) []executor.ToolResult {
	byID := make(map[string]executor.ToolResult, len(calls))
	var batch []executor.ToolCall
	for _, call := range calls {
		if !s.inScope(call.Server) {
			err := &errors.ValidationError{Field: "server", Message: fmt.Sprintf("server %q is not available in this session", call.Server)}
			byID[call.ID] = failedResult(call, err)
			continue
		}
		batch = append(batch, call)
	}

	if len(batch) > 0 {
		toolCtx, stop := c.toolContext(ctx, s)
		for _, r := range c.exec.ExecuteBatch(toolCtx, batch, c.cfg.MaxConcurrency) {
			tr := r.Value()
			byID[tr.CallID] = tr
		}
		stop()
	}

	out := make([]executor.ToolResult, len(calls))
	for i, call := range calls {
		tr, ok := byID[call.ID]
		if !ok {
			tr = failedResult(call, &errors.InternalError{Operation: "dispatch", Cause: errors.New("no result for call " + call.ID)})
		}
		out[i] = tr
	}
	return out
}

// toolContext follows ctx and is additionally cancelled CancelGrace
// after the session is cancelled.
func (c *Client) toolContext(ctx context.Context, s *Session) (context.Context, context.CancelFunc) {
	toolCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-toolCtx.Done():
			return
		case <-s.cancelCh:
		}
		timer := c.env.Clock.NewTimer(c.cfg.CancelGrace)
		defer timer.Stop()
		select {
		case <-toolCtx.Done():
		case <-timer.Chan():
			s.logger.Warn("aborting in-flight tool calls", slog.Duration("grace", c.cfg.CancelGrace))
			cancel()
		}
	}()
	return toolCtx, cancel
}

// generate calls the provider, retrying retryable failures.
func (c *Client) generate(ctx context.Context, s *Session, req provider.Request) (*provider.Generation, error) {
	policy := c.cfg.ProviderRetry
	for attempt := 0; ; attempt++ {
		gen, err := c.generateOnce(ctx, s, req)
		if err == nil {
			c.env.Metrics.RecordProviderCall(s.Provider, "success")
			return gen, nil
		}
		if ctx.Err() != nil || !errors.IsTransient(err) || attempt >= policy.MaxRetries {
			c.env.Metrics.RecordProviderCall(s.Provider, "failure")
			return nil, err
		}
		s.logger.Debug("retrying provider failure", slog.Int(log.AttemptKey, attempt+1), log.Error(err))
		if waitErr := policy.Wait(ctx, c.env.Clock, attempt+1); waitErr != nil {
			c.env.Metrics.RecordProviderCall(s.Provider, "failure")
			return nil, err
		}
	}
}

func (c *Client) generateOnce(ctx context.Context, s *Session, req provider.Request) (gen *provider.Generation, err error) {
	ctx, span := c.env.Tracer.Start(ctx, "provider.generate", trace.WithAttributes(
		attribute.String("provider", s.Provider),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	))
	defer func() { tracing.End(span, err) }()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			gen, err = nil, errors.FromPanic("provider "+s.Provider, r)
		}
	}()

	gen, err = s.adapter.Generate(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &errors.TimeoutError{
				Operation: "generate with " + s.Provider,
				Kind:      errors.TimeoutProvider,
				Duration:  c.cfg.ProviderTimeout,
				Cause:     err,
			}
		}
		return nil, err
	}
	if gen == nil {
		return nil, &errors.ProviderError{Provider: s.Provider, Message: "empty generation"}
	}
	span.SetAttributes(attribute.Int("tool_calls", len(gen.ToolCalls)), attribute.Int("output_tokens", gen.Usage.OutputTokens))
	return gen, nil
}

func failedResult(call executor.ToolCall, err error) executor.ToolResult {
	return executor.ToolResult{
		CallID:    call.ID,
		Server:    call.Server,
		Tool:      call.Tool,
		Status:    executor.StatusFailed,
		Error:     err.Error(),
		ErrorCode: errors.CodeOf(err),
	}
}

func cancelledResults(calls []executor.ToolCall) []executor.ToolResult {
	out := make([]executor.ToolResult, len(calls))
	for i, call := range calls {
		out[i] = failedResult(call, &errors.CancellationError{Operation: fmt.Sprintf("tool call %s/%s", call.Server, call.Tool)})
	}
	return out
}

// toolMessage renders a result as the provider-facing tool message.
func toolMessage(tr executor.ToolResult) provider.Message {
	msg := provider.Message{
		Role:       provider.RoleTool,
		ToolCallID: tr.CallID,
		Name:       provider.QualifiedName(tr.Server, tr.Tool),
	}
	if !tr.OK() {
		msg.IsError = true
		msg.Content = fmt.Sprintf("error [%s]: %s", tr.ErrorCode, tr.Error)
		return msg
	}
	switch v := tr.Payload.(type) {
	case nil:
		msg.Content = "null"
	case string:
		msg.Content = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			msg.Content = fmt.Sprint(v)
		} else {
			msg.Content = string(data)
		}
	}
	return msg
}
