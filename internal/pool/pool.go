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

// Package pool keeps per-server pools of reusable tool-server connections.
//
// Each server name has its own pool with a fixed number of slots. Holding a
// slot is holding a connection, so a pool never hands out more than
// MaxConnections concurrent connections and acquiring from one server never
// waits on another. Idle connections are pinged before reuse and reclaimed
// by a background sweep once they have been unused for IdleTimeout.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/result"
)

// Eviction reasons reported to metrics.
const (
	reasonIdle      = "idle"
	reasonUnhealthy = "unhealthy"
	reasonBroken    = "broken"
	reasonShutdown  = "shutdown"
	reasonShrink    = "shrink"
)

// DialFunc opens a new connection to a server.
type DialFunc func(ctx context.Context) (toolserver.Conn, error)

// Config configures one server's pool.
type Config struct {
	// MaxConnections caps concurrent connections (default 4).
	MaxConnections int

	// IdleTimeout is how long an idle connection survives (default 5m).
	IdleTimeout time.Duration

	// ValidateTimeout bounds the ping issued before handing out a connection (default 5s).
	ValidateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = 5 * time.Second
	}
	return c
}

// ConfigFor derives a pool config from a server descriptor.
func ConfigFor(desc toolserver.Descriptor) Config {
	return Config{
		MaxConnections:  desc.MaxConnections,
		IdleTimeout:     desc.IdleTimeout,
		ValidateTimeout: desc.HealthCheck.Timeout,
	}
}

// Options configures the pool manager.
type Options struct {
	// SweepInterval is how often idle connections are reclaimed (default 30s).
	SweepInterval time.Duration
}

// Stats is a point-in-time view of one server's pool.
type Stats struct {
	Server  string `json:"server"`
	Max     int    `json:"max"`
	Idle    int    `json:"idle"`
	InUse   int    `json:"in_use"`
	Total   int    `json:"total"`
	Waiters int    `json:"waiters"`
	Created int64  `json:"created"`
	Closed  int64  `json:"closed"`
}

// Pool manages the per-server pools and owns the idle sweep task.
type Pool struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	servers map[string]*serverPool
	closed  bool

	ticker clockwork.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool manager and starts its sweep task.
func New(env toolserver.Env, opts Options) *Pool {
	env = env.WithDefaults()
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}

	p := &Pool{
		clock:   env.Clock,
		logger:  log.WithComponent(env.Logger, "pool"),
		metrics: env.Metrics,
		servers: make(map[string]*serverPool),
		ticker:  env.Clock.NewTicker(opts.SweepInterval),
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Register creates the pool for server. It fails if one already exists.
func (p *Pool) Register(server string, dial DialFunc, cfg Config) error {
	if dial == nil {
		return fmt.Errorf("dial function for %s is nil", server)
	}
	cfg = cfg.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pool is closed")
	}
	if _, exists := p.servers[server]; exists {
		return fmt.Errorf("pool already registered for server: %s", server)
	}
	p.servers[server] = &serverPool{
		name:    server,
		dial:    dial,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConnections),
		closing: make(chan struct{}),
		parent:  p,
	}
	p.logger.Debug("pool registered", slog.String(log.ServerKey, server), slog.Int("max_connections", cfg.MaxConnections))
	return nil
}

// Unregister closes every idle connection of server and removes its pool.
// Connections still in use are closed when released. Waiting acquirers
// fail with a connection error.
func (p *Pool) Unregister(server string) {
	p.mu.Lock()
	sp, ok := p.servers[server]
	delete(p.servers, server)
	p.mu.Unlock()

	if ok {
		sp.shutdown()
		p.metrics.ForgetServer(server)
	}
}

// Has reports whether a pool exists for server.
func (p *Pool) Has(server string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.servers[server]
	return ok
}

func (p *Pool) lookup(server string) (*serverPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sp, ok := p.servers[server]
	return sp, ok
}

// Acquire returns a validated connection to server. It reuses an idle
// connection when one passes validation, dials a new one while under the
// limit, and otherwise waits up to timeout for a release. A timeout of zero
// waits until ctx ends.
func (p *Pool) Acquire(ctx context.Context, server string, timeout time.Duration) result.Result[*Conn] {
	start := p.clock.Now()
	sp, ok := p.lookup(server)
	if !ok {
		return result.Failure[*Conn](&errors.NotFoundError{Resource: "server pool", ID: server}, p.clock.Since(start))
	}

	conn, err := sp.acquire(ctx, timeout)
	elapsed := p.clock.Since(start)
	p.metrics.ObservePoolWait(server, elapsed)
	if err != nil {
		return result.Failure[*Conn](err, elapsed)
	}
	return result.Success(conn, elapsed)
}

// Release returns conn to its pool.
func (p *Pool) Release(conn *Conn) {
	if conn != nil {
		conn.Release()
	}
}

// Discard closes conn instead of returning it, freeing its slot.
func (p *Pool) Discard(conn *Conn) {
	if conn != nil {
		conn.Discard()
	}
}

// WithConn runs fn with a connection that is always given back: released
// when fn succeeds or fails permanently, discarded when fn returns a
// transient error so the next caller dials fresh.
func (p *Pool) WithConn(ctx context.Context, server string, timeout time.Duration, fn func(*Conn) error) error {
	r := p.Acquire(ctx, server, timeout)
	if !r.OK() {
		return r.Err
	}
	conn := r.Value()

	discard := true
	defer func() {
		if discard {
			conn.Discard()
		} else {
			conn.Release()
		}
	}()

	err := fn(conn)
	discard = err != nil && errors.IsTransient(err)
	return err
}

// SweepIdle closes idle connections unused for longer than their pool's
// IdleTimeout and returns how many were closed.
func (p *Pool) SweepIdle() int {
	p.mu.RLock()
	pools := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		pools = append(pools, sp)
	}
	p.mu.RUnlock()

	now := p.clock.Now()
	closed := 0
	for _, sp := range pools {
		closed += sp.sweep(now)
	}
	if closed > 0 {
		p.logger.Debug("idle connections reclaimed", slog.Int("count", closed))
	}
	return closed
}

// Stats returns the stats of server's pool.
func (p *Pool) Stats(server string) (Stats, bool) {
	sp, ok := p.lookup(server)
	if !ok {
		return Stats{}, false
	}
	return sp.stats(), true
}

// AllStats returns stats for every pool sorted by server name.
func (p *Pool) AllStats() []Stats {
	p.mu.RLock()
	pools := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		pools = append(pools, sp)
	}
	p.mu.RUnlock()

	out := make([]Stats, 0, len(pools))
	for _, sp := range pools {
		out = append(out, sp.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Close stops the sweep task and closes every pool.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pools := p.servers
	p.servers = make(map[string]*serverPool)
	p.mu.Unlock()

	close(p.stopCh)
	p.ticker.Stop()
	p.wg.Wait()

	for _, sp := range pools {
		sp.shutdown()
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.Chan():
			p.SweepIdle()
		}
	}
}
