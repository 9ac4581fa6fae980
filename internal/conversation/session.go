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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
)

// Session is one conversation. Its history is owned by the session and
// only mutated by the single SendMessage allowed to run at a time.
type Session struct {
	ID        string
	Servers   []string
	Provider  string
	MaxSteps  int
	Model     string
	CreatedAt time.Time

	adapter provider.Adapter
	scope   map[string]struct{}
	logger  *slog.Logger

	mu        sync.Mutex
	history   []provider.Message
	steps     []Step
	busy      bool
	cancelled bool
	ended     bool
	lastStop  StopReason
	abort     context.CancelFunc
	cancelCh  chan struct{}
}

// Steps returns every step recorded so far.
func (s *Session) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps...)
}

// History returns the full transcript, including messages that the
// history window no longer sends to the provider.
func (s *Session) History() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Message(nil), s.history...)
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Busy reports whether a message is being processed.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastStopReason is why the most recent SendMessage ended.
func (s *Session) LastStopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStop
}

func (s *Session) inScope(server string) bool {
	_, ok := s.scope[server]
	return ok
}

// begin claims the session for one SendMessage.
func (s *Session) begin(abort context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := ""
	switch {
	case s.ended:
		state = "ended"
	case s.cancelled:
		state = "cancelled"
	case s.busy:
		state = "busy"
	}
	if state != "" {
		return &errors.StateError{Resource: "session", ID: s.ID, State: state, Operation: "send message to"}
	}
	s.busy = true
	s.abort = abort
	return nil
}

// finish releases the session and reports whether it should be discarded.
func (s *Session) finish(reason StopReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.abort = nil
	s.lastStop = reason
	return s.cancelled || s.ended
}

// cancel sets the cancellation flag and aborts any running generation.
// It reports whether the session is idle.
func (s *Session) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
	}
	if s.abort != nil {
		s.abort()
	}
	return !s.busy
}

func (s *Session) end() bool {
	idle := s.cancel()
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return idle
}

func (s *Session) append(messages ...provider.Message) {
	s.mu.Lock()
	s.history = append(s.history, messages...)
	s.mu.Unlock()
}

func (s *Session) record(step Step, messages []provider.Message) {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.history = append(s.history, messages...)
	s.mu.Unlock()
}

func (s *Session) nextStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) + 1
}
