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

package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/log"
)

// EventType represents the type of server lifecycle event.
type EventType string

const (
	// EventStarted indicates a server reached RUNNING.
	EventStarted EventType = "started"
	// EventStartFailed indicates a server exhausted its startup attempts.
	EventStartFailed EventType = "start_failed"
	// EventStopped indicates a server was stopped and its handle removed.
	EventStopped EventType = "stopped"
	// EventRestarting indicates a restart of an ERROR server began.
	EventRestarting EventType = "restarting"
	// EventHealthDegraded indicates a running server failed enough
	// consecutive health checks to move to ERROR.
	EventHealthDegraded EventType = "health_degraded"
)

// Event is a lifecycle notification for one server.
type Event struct {
	Type      EventType `json:"type"`
	Server    string    `json:"server"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// emitter fans events out to subscribers and the log. A subscriber that
// does not keep up misses events rather than stalling the orchestrator.
type emitter struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{logger: logger, subs: make(map[int]chan Event)}
}

func (e *emitter) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

func (e *emitter) emit(ev Event) {
	attrs := []any{slog.String(log.ServerKey, ev.Server), slog.String("type", string(ev.Type)), slog.String("state", string(ev.State))}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	if ev.Type == EventStartFailed || ev.Type == EventHealthDegraded {
		e.logger.Warn("server event", attrs...)
	} else {
		e.logger.Info("server event", attrs...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *emitter) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
