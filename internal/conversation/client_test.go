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
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/executor"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/internal/testing/mock"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
	"github.com/tombee/switchboard/pkg/provider/scripted"
	"github.com/tombee/switchboard/pkg/retry"
)

type fixture struct {
	client *Client
	server *mock.Server
	clock  clockwork.Clock
}

func setup(t *testing.T, clock clockwork.Clock, cfg Config) *fixture {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	env := toolserver.Env{Clock: clock, Logger: log.Discard(), Metrics: metrics.New(nil)}

	server := mock.NewServer("mockA").Handle("boom", mock.ToolError("bad input"))
	fleet := mock.NewFleet(server)
	adapter, err := fleet.Factory(mock.Descriptor("mockA"), nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background()))

	p := pool.New(env, pool.Options{SweepInterval: time.Hour})
	t.Cleanup(p.Close)
	require.NoError(t, p.Register("mockA", adapter.Dial, pool.Config{MaxConnections: 4}))

	exec := executor.New(env, p, executor.Config{Retry: retry.None(), MaxConcurrency: 4})
	client := NewClient(env, exec, PoolCatalog{Pool: p, Logger: env.Logger}, cfg)
	t.Cleanup(client.Close)
	return &fixture{client: client, server: server, clock: clock}
}

func (f *fixture) start(t *testing.T, adapter provider.Adapter, maxSteps int, opts ...Option) *Session {
	t.Helper()
	r := f.client.StartSession([]string{"mockA"}, adapter, maxSteps, opts...)
	require.True(t, r.OK(), r.Error())
	return r.Value()
}

func TestSendMessageWithoutTools(t *testing.T) {
	f := setup(t, nil, Config{})
	s := f.start(t, scripted.New(scripted.Reply("hello there")), 5)

	r := f.client.SendMessage(context.Background(), s, "hi")

	require.True(t, r.OK(), r.Error())
	steps := r.Value()
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Number)
	assert.Equal(t, "hello there", steps[0].Text)
	assert.Empty(t, steps[0].ToolCalls)
	assert.Equal(t, StopCompleted, s.LastStopReason())
	assert.Equal(t, s.ID, r.CorrelationID)

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, provider.RoleUser, history[0].Role)
	assert.Equal(t, provider.RoleAssistant, history[1].Role)
}

func TestSendMessageBoundedByMaxSteps(t *testing.T) {
	f := setup(t, nil, Config{})
	adapter := scripted.Forever(scripted.CallTools("again", scripted.Call("mockA", "echo", map[string]any{"n": 1})))
	s := f.start(t, adapter, 3)

	r := f.client.SendMessage(context.Background(), s, "loop")

	require.True(t, r.OK(), r.Error())
	assert.Len(t, r.Value(), 3)
	assert.Equal(t, 3, adapter.Calls())
	assert.Equal(t, 3, f.server.Calls())
	assert.Equal(t, StopMaxSteps, s.LastStopReason())
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "3 steps")
}

func TestToolFailureIsReportedToTheModel(t *testing.T) {
	f := setup(t, nil, Config{})
	adapter := scripted.New(
		scripted.CallTools("working",
			scripted.Call("mockA", "echo", map[string]any{"x": 1}),
			scripted.Call("mockA", "boom", nil),
		),
		scripted.Reply("one failed"),
	)
	s := f.start(t, adapter, 5)

	r := f.client.SendMessage(context.Background(), s, "do both")

	require.True(t, r.OK(), r.Error())
	steps := r.Value()
	require.Len(t, steps, 2)

	first := steps[0]
	require.Len(t, first.ToolCalls, 2)
	require.Len(t, first.Results, 2)
	for i, call := range first.ToolCalls {
		assert.Equal(t, call.ID, first.Results[i].CallID)
	}
	assert.Equal(t, executor.StatusSuccess, first.Results[0].Status)
	assert.Equal(t, map[string]any{"x": 1}, first.Results[0].Payload)
	assert.Equal(t, executor.StatusFailed, first.Results[1].Status)
	assert.Equal(t, errors.CodeToolExecution, first.Results[1].ErrorCode)

	// The second turn sees both results, the failure flagged as an error.
	reqs := adapter.Requests()
	require.Len(t, reqs, 2)
	var toolMsgs []provider.Message
	for _, m := range reqs[1].Messages {
		if m.Role == provider.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.False(t, toolMsgs[0].IsError)
	assert.JSONEq(t, `{"x":1}`, toolMsgs[0].Content)
	assert.True(t, toolMsgs[1].IsError)
	assert.Contains(t, toolMsgs[1].Content, "TOOL_EXECUTION_ERROR")
	assert.Equal(t, first.ToolCalls[1].ID, toolMsgs[1].ToolCallID)
	assert.Equal(t, "one failed", steps[1].Text)
}

func TestServerOutsideScopeIsRejected(t *testing.T) {
	f := setup(t, nil, Config{})
	adapter := scripted.New(
		scripted.CallTools("", scripted.Call("other", "echo", nil)),
		scripted.Reply("ok"),
	)
	s := f.start(t, adapter, 5)

	r := f.client.SendMessage(context.Background(), s, "try")

	require.True(t, r.OK(), r.Error())
	res := r.Value()[0].Results
	require.Len(t, res, 1)
	assert.Equal(t, errors.CodeValidation, res[0].ErrorCode)
	assert.Zero(t, f.server.Calls())
}

func TestToolsAndSystemPromptAreSent(t *testing.T) {
	f := setup(t, nil, Config{Model: "test-model"})
	adapter := scripted.New(scripted.Reply("ok"))
	s := f.start(t, adapter, 0, WithSystemPrompt("be brief"))
	assert.Equal(t, DefaultConfig().MaxSteps, s.MaxSteps)

	require.True(t, f.client.SendMessage(context.Background(), s, "hi").OK())

	req := adapter.Requests()[0]
	assert.Equal(t, "test-model", req.Model)
	require.NotEmpty(t, req.Messages)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	var names []string
	for _, tool := range req.Tools {
		names = append(names, tool.QualifiedName())
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
	assert.ElementsMatch(t, []string{"mockA__echo", "mockA__boom"}, names)
}

func TestStepNumbersContinueAcrossMessages(t *testing.T) {
	f := setup(t, nil, Config{})
	s := f.start(t, scripted.New(), 5)

	first := f.client.SendMessage(context.Background(), s, "one")
	second := f.client.SendMessage(context.Background(), s, "two")

	require.True(t, first.OK())
	require.True(t, second.OK())
	assert.Equal(t, 1, first.Value()[0].Number)
	assert.Equal(t, 2, second.Value()[0].Number)
	assert.Equal(t, "you said: two", second.Value()[0].Text)
	assert.Len(t, s.Steps(), 2)
}

func TestEmptyMessageIsInvalid(t *testing.T) {
	f := setup(t, nil, Config{})
	s := f.start(t, scripted.New(), 5)

	r := f.client.SendMessage(context.Background(), s, "   ")
	assert.Equal(t, errors.CodeValidation, r.ErrorCode)
}

func TestStartSessionRequiresAdapter(t *testing.T) {
	f := setup(t, nil, Config{})
	r := f.client.StartSession([]string{"mockA"}, nil, 1)
	assert.Equal(t, errors.CodeValidation, r.ErrorCode)
}

func TestProviderErrorEndsMessageButNotSession(t *testing.T) {
	f := setup(t, nil, Config{ProviderRetry: retry.None()})
	adapter := scripted.New(scripted.Fail("bad request"))
	s := f.start(t, adapter, 5)

	r := f.client.SendMessage(context.Background(), s, "hi")

	assert.False(t, r.OK())
	assert.Equal(t, errors.CodeProvider, r.ErrorCode)
	assert.Empty(t, r.Value())
	assert.Equal(t, StopProviderError, s.LastStopReason())

	next := f.client.SendMessage(context.Background(), s, "again")
	require.True(t, next.OK(), next.Error())
}

func TestRetryableProviderErrorIsRetried(t *testing.T) {
	policy := retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	f := setup(t, nil, Config{ProviderRetry: policy})
	overloaded := func(context.Context, provider.Request) (*provider.Generation, error) {
		return nil, &errors.ProviderError{Provider: scripted.Name, StatusCode: 503, Message: "overloaded"}
	}
	adapter := scripted.New(overloaded, scripted.Reply("recovered"))
	s := f.start(t, adapter, 5)

	r := f.client.SendMessage(context.Background(), s, "hi")

	require.True(t, r.OK(), r.Error())
	assert.Equal(t, "recovered", r.Value()[0].Text)
	assert.Equal(t, 2, adapter.Calls())
}

func TestProviderTimeout(t *testing.T) {
	f := setup(t, nil, Config{ProviderTimeout: 20 * time.Millisecond, ProviderRetry: retry.None()})
	s := f.start(t, scripted.New(scripted.Block()), 5)

	r := f.client.SendMessage(context.Background(), s, "hi")

	assert.False(t, r.OK())
	assert.Equal(t, errors.CodeProviderTimeout, r.ErrorCode)
}

func TestProviderPanicIsContained(t *testing.T) {
	f := setup(t, nil, Config{ProviderRetry: retry.None()})
	explode := func(context.Context, provider.Request) (*provider.Generation, error) { panic("kaboom") }
	s := f.start(t, scripted.New(explode), 5)

	r := f.client.SendMessage(context.Background(), s, "hi")
	assert.Equal(t, errors.CodeInternal, r.ErrorCode)
}

func TestConcurrentSendIsRejected(t *testing.T) {
	f := setup(t, nil, Config{})
	s := f.start(t, scripted.New(scripted.Block()), 5)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstCode errors.Code
	go func() {
		defer wg.Done()
		firstCode = f.client.SendMessage(context.Background(), s, "first").ErrorCode
	}()
	require.Eventually(t, s.Busy, time.Second, time.Millisecond)

	second := f.client.SendMessage(context.Background(), s, "second")
	assert.Equal(t, errors.CodeInvalidState, second.ErrorCode)

	f.client.Cancel(s)
	wg.Wait()
	assert.Equal(t, errors.CodeCancellation, firstCode)
	assert.Equal(t, StopCancelled, s.LastStopReason())

	_, live := f.client.Session(s.ID)
	assert.False(t, live)
	after := f.client.SendMessage(context.Background(), s, "third")
	assert.Equal(t, errors.CodeInvalidState, after.ErrorCode)
}

func TestCancelLetsInFlightToolsFinish(t *testing.T) {
	f := setup(t, nil, Config{CancelGrace: time.Hour})
	f.server.SetCallDelay(50 * time.Millisecond)
	adapter := scripted.Forever(scripted.CallTools("", scripted.Call("mockA", "echo", map[string]any{"v": "x"})))
	s := f.start(t, adapter, 10)

	done := make(chan struct{})
	var steps []Step
	var code errors.Code
	go func() {
		defer close(done)
		r := f.client.SendMessage(context.Background(), s, "go")
		steps, code = r.Value(), r.ErrorCode
	}()
	require.Eventually(t, func() bool { return f.server.Calls() == 1 }, time.Second, time.Millisecond)
	f.client.Cancel(s)
	<-done

	assert.Equal(t, errors.CodeCancellation, code)
	require.Len(t, steps, 1)
	assert.Equal(t, executor.StatusSuccess, steps[0].Results[0].Status)
	assert.Equal(t, 1, adapter.Calls())
	assert.Equal(t, 1, f.server.Calls())
}

func TestCancelAbortsToolsAfterGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := setup(t, clock, Config{CancelGrace: 5 * time.Second})
	f.server.SetCallDelay(time.Hour)
	adapter := scripted.Forever(scripted.CallTools("", scripted.Call("mockA", "echo", nil)))
	s := f.start(t, adapter, 10)

	done := make(chan struct{})
	var steps []Step
	go func() {
		defer close(done)
		steps = f.client.SendMessage(context.Background(), s, "go").Value()
	}()
	require.Eventually(t, func() bool { return f.server.Calls() == 1 }, time.Second, time.Millisecond)
	f.client.Cancel(s)

	// pool sweep ticker and the grace timer
	clock.BlockUntil(2)
	clock.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after grace elapsed")
	}
	require.Len(t, steps, 1)
	assert.Equal(t, errors.CodeCancellation, steps[0].Results[0].ErrorCode)
}

func TestEndSession(t *testing.T) {
	f := setup(t, nil, Config{})
	s := f.start(t, scripted.New(), 5)
	assert.Len(t, f.client.Sessions(), 1)

	require.True(t, f.client.EndSession(s.ID).OK())
	assert.Empty(t, f.client.Sessions())
	assert.Equal(t, errors.CodeNotFound, f.client.EndSession(s.ID).ErrorCode)
}
