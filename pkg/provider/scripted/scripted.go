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

// Package scripted is a deterministic backend that replays a fixed
// sequence of turns. It backs offline chat sessions and tests.
package scripted

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
)

// Name is the registry key of this backend.
const Name = "scripted"

// Step produces one generation.
type Step func(ctx context.Context, req provider.Request) (*provider.Generation, error)

// Adapter replays steps in order and then runs the fallback for every
// later turn.
type Adapter struct {
	mu       sync.Mutex
	steps    []Step
	fallback Step
	requests []provider.Request
}

// New creates an adapter that plays steps in order.
func New(steps ...Step) *Adapter {
	return &Adapter{steps: steps, fallback: EchoUser()}
}

// Then appends a step.
func (a *Adapter) Then(step Step) *Adapter {
	a.mu.Lock()
	a.steps = append(a.steps, step)
	a.mu.Unlock()
	return a
}

// WithFallback sets the step used once the script is exhausted.
func (a *Adapter) WithFallback(step Step) *Adapter {
	a.mu.Lock()
	a.fallback = step
	a.mu.Unlock()
	return a
}

// Factory implements provider.Factory: an adapter that echoes the user.
func Factory(provider.Config, *slog.Logger) (provider.Adapter, error) {
	return New(), nil
}

// Register adds this backend to reg.
func Register(reg *provider.Registry) error {
	return reg.Register(Name, Factory)
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return Name }

// Generate runs the next step.
func (a *Adapter) Generate(ctx context.Context, req provider.Request) (*provider.Generation, error) {
	a.mu.Lock()
	snapshot := req
	snapshot.Messages = append([]provider.Message(nil), req.Messages...)
	a.requests = append(a.requests, snapshot)
	step := a.fallback
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	}
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &errors.ProviderError{Provider: Name, Message: "generation cancelled", Cause: err}
	}
	return step(ctx, req)
}

// Requests returns every request received so far.
func (a *Adapter) Requests() []provider.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]provider.Request(nil), a.requests...)
}

// Calls returns how many generations were requested.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Reply answers with text and no tool calls.
func Reply(text string) Step {
	return func(context.Context, provider.Request) (*provider.Generation, error) {
		return &provider.Generation{Text: text, FinishReason: provider.FinishStop}, nil
	}
}

// CallTools requests the given calls. Calls without an ID get one.
func CallTools(text string, calls ...provider.ToolCallRequest) Step {
	return func(context.Context, provider.Request) (*provider.Generation, error) {
		out := make([]provider.ToolCallRequest, len(calls))
		for i, c := range calls {
			if c.ID == "" {
				c.ID = "call_" + uuid.NewString()
			}
			out[i] = c
		}
		return &provider.Generation{Text: text, ToolCalls: out, FinishReason: provider.FinishToolCalls}, nil
	}
}

// Call is shorthand for a single ToolCallRequest.
func Call(server, tool string, args map[string]any) provider.ToolCallRequest {
	return provider.ToolCallRequest{Server: server, Tool: tool, Arguments: args}
}

// Fail fails the turn with a provider error carrying message.
func Fail(message string) Step {
	return func(context.Context, provider.Request) (*provider.Generation, error) {
		return nil, &errors.ProviderError{Provider: Name, Message: message}
	}
}

// Block waits for ctx to end, simulating a slow backend.
func Block() Step {
	return func(ctx context.Context, _ provider.Request) (*provider.Generation, error) {
		<-ctx.Done()
		return nil, &errors.ProviderError{Provider: Name, Message: "generation aborted", Cause: ctx.Err()}
	}
}

// EchoUser replies with the latest user message.
func EchoUser() Step {
	return func(_ context.Context, req provider.Request) (*provider.Generation, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == provider.RoleUser {
				return &provider.Generation{Text: fmt.Sprintf("you said: %s", req.Messages[i].Content), FinishReason: provider.FinishStop}, nil
			}
		}
		return &provider.Generation{FinishReason: provider.FinishStop}, nil
	}
}

// Forever repeats step for every turn, for bounded-iteration tests.
func Forever(step Step) *Adapter {
	return New().WithFallback(step)
}
