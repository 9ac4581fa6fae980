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

package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// entry is one pooled connection.
type entry struct {
	conn     toolserver.Conn
	created  time.Time
	lastUsed time.Time
}

// serverPool is the pool of a single server. A token in slots is held for
// every connection that is in use or being dialed.
type serverPool struct {
	name   string
	dial   DialFunc
	cfg    Config
	parent *Pool

	slots   chan struct{}
	closing chan struct{}

	mu      sync.Mutex
	idle    []*entry
	inUse   int
	waiters int
	created int64
	closedN int64
	closed  bool
}

// Conn is a connection checked out of a pool. It must be given back with
// Release or Discard exactly once; later calls are no-ops.
type Conn struct {
	toolserver.Conn

	pool  *serverPool
	entry *entry
	done  atomic.Bool
}

// Server returns the name of the server this connection belongs to.
func (c *Conn) Server() string { return c.pool.name }

// Release returns the connection to the idle set.
func (c *Conn) Release() {
	if c.done.CompareAndSwap(false, true) {
		c.pool.release(c.entry, false)
	}
}

// Discard closes the connection and frees its slot.
func (c *Conn) Discard() {
	if c.done.CompareAndSwap(false, true) {
		c.pool.release(c.entry, true)
	}
}

func (sp *serverPool) acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if err := sp.takeSlot(ctx, timeout); err != nil {
		return nil, err
	}

	for {
		e := sp.popIdle()
		if e == nil {
			break
		}
		if err := sp.validate(ctx, e.conn); err != nil {
			sp.parent.logger.Debug("discarding unhealthy idle connection",
				slog.String(log.ServerKey, sp.name), log.Error(err))
			sp.closeEntry(e, reasonUnhealthy)
			continue
		}
		return sp.checkout(e), nil
	}

	conn, err := sp.dial(ctx)
	if err != nil {
		sp.freeSlot()
		return nil, sp.connError(ctx, "dial failed", err)
	}
	now := sp.parent.clock.Now()
	e := &entry{conn: conn, created: now, lastUsed: now}
	sp.mu.Lock()
	sp.created++
	sp.mu.Unlock()

	if err := sp.validate(ctx, conn); err != nil {
		sp.closeEntry(e, reasonUnhealthy)
		sp.freeSlot()
		return nil, sp.connError(ctx, "validation ping failed", err)
	}
	return sp.checkout(e), nil
}

// takeSlot claims one of the pool's slots, waiting up to timeout.
func (sp *serverPool) takeSlot(ctx context.Context, timeout time.Duration) error {
	select {
	case <-sp.closing:
		return &errors.ServerConnectionError{Server: sp.name, Reason: "pool closed"}
	default:
	}

	select {
	case sp.slots <- struct{}{}:
		return nil
	default:
	}

	sp.mu.Lock()
	sp.waiters++
	sp.mu.Unlock()
	defer func() {
		sp.mu.Lock()
		sp.waiters--
		sp.mu.Unlock()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := sp.parent.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	select {
	case sp.slots <- struct{}{}:
		return nil
	case <-expired:
		return &errors.TimeoutError{
			Operation: fmt.Sprintf("acquire connection to %s", sp.name),
			Kind:      errors.TimeoutAcquire,
			Duration:  timeout,
		}
	case <-sp.closing:
		return &errors.ServerConnectionError{Server: sp.name, Reason: "pool closed"}
	case <-ctx.Done():
		return contextError(ctx, fmt.Sprintf("acquire connection to %s", sp.name), errors.TimeoutAcquire)
	}
}

func (sp *serverPool) freeSlot() {
	<-sp.slots
}

func (sp *serverPool) popIdle() *entry {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := len(sp.idle)
	if n == 0 {
		return nil
	}
	e := sp.idle[n-1]
	sp.idle = sp.idle[:n-1]
	return e
}

func (sp *serverPool) validate(ctx context.Context, conn toolserver.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, sp.cfg.ValidateTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}

func (sp *serverPool) checkout(e *entry) *Conn {
	sp.mu.Lock()
	sp.inUse++
	idle, inUse := len(sp.idle), sp.inUse
	sp.mu.Unlock()

	sp.parent.metrics.SetPoolConnections(sp.name, idle, inUse)
	return &Conn{Conn: e.conn, pool: sp, entry: e}
}

func (sp *serverPool) release(e *entry, discard bool) {
	sp.mu.Lock()
	sp.inUse--
	total := len(sp.idle) + sp.inUse
	reason := ""
	switch {
	case sp.closed:
		reason = reasonShutdown
	case discard:
		reason = reasonBroken
	case total >= sp.cfg.MaxConnections:
		reason = reasonShrink
	default:
		e.lastUsed = sp.parent.clock.Now()
		sp.idle = append(sp.idle, e)
	}
	idle, inUse := len(sp.idle), sp.inUse
	sp.mu.Unlock()

	if reason != "" {
		sp.closeEntry(e, reason)
	}
	sp.freeSlot()
	sp.parent.metrics.SetPoolConnections(sp.name, idle, inUse)
}

func (sp *serverPool) closeEntry(e *entry, reason string) {
	if err := e.conn.Close(); err != nil {
		sp.parent.logger.Debug("error closing pooled connection",
			slog.String(log.ServerKey, sp.name), slog.String("reason", reason), log.Error(err))
	}
	sp.mu.Lock()
	sp.closedN++
	sp.mu.Unlock()
	sp.parent.metrics.RecordPoolEviction(sp.name, reason)
}

func (sp *serverPool) sweep(now time.Time) int {
	sp.mu.Lock()
	var expired []*entry
	kept := sp.idle[:0]
	for _, e := range sp.idle {
		if now.Sub(e.lastUsed) >= sp.cfg.IdleTimeout {
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	sp.idle = kept
	idle, inUse := len(sp.idle), sp.inUse
	sp.mu.Unlock()

	for _, e := range expired {
		sp.closeEntry(e, reasonIdle)
	}
	if len(expired) > 0 {
		sp.parent.metrics.SetPoolConnections(sp.name, idle, inUse)
	}
	return len(expired)
}

func (sp *serverPool) shutdown() {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.closed = true
	close(sp.closing)
	idle := sp.idle
	sp.idle = nil
	sp.mu.Unlock()

	for _, e := range idle {
		sp.closeEntry(e, reasonShutdown)
	}
}

func (sp *serverPool) stats() Stats {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return Stats{
		Server:  sp.name,
		Max:     sp.cfg.MaxConnections,
		Idle:    len(sp.idle),
		InUse:   sp.inUse,
		Total:   len(sp.idle) + sp.inUse,
		Waiters: sp.waiters,
		Created: sp.created,
		Closed:  sp.closedN,
	}
}

func (sp *serverPool) connError(ctx context.Context, reason string, cause error) error {
	if ctx.Err() != nil {
		return contextError(ctx, fmt.Sprintf("acquire connection to %s", sp.name), errors.TimeoutAcquire)
	}
	return &errors.ServerConnectionError{Server: sp.name, Reason: reason, Cause: cause}
}

// contextError maps a finished context to a cancellation or timeout error.
func contextError(ctx context.Context, operation string, kind errors.TimeoutKind) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errors.TimeoutError{Operation: operation, Kind: kind, Cause: ctx.Err()}
	}
	return &errors.CancellationError{Operation: operation, Cause: ctx.Err()}
}
