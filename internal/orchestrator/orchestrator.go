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

// Package orchestrator owns the lifecycle of every tool server: bounded
// parallel startup with retries, graceful shutdown, restart from ERROR and
// background health monitoring.
//
// Server handles are mutated only here. Other components observe them
// through snapshots, health reports and the event stream.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/result"
)

// server is the runtime record behind a Handle.
type server struct {
	desc    toolserver.Descriptor
	factory toolserver.Factory

	mu        sync.Mutex
	state     State
	adapter   toolserver.Adapter
	failures  int
	lastErr   error
	attempts  int
	startedAt time.Time
	tools     []string
}

func (s *server) snapshot() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle{
		Name:                s.desc.Name,
		Descriptor:          s.desc,
		State:               s.state,
		ConsecutiveFailures: s.failures,
		Attempts:            s.attempts,
		StartedAt:           s.startedAt,
		Tools:               append([]string(nil), s.tools...),
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

// Orchestrator manages the server fleet.
type Orchestrator struct {
	env    toolserver.Env
	pool   *pool.Pool
	cfg    Config
	logger *slog.Logger
	events *emitter

	mu      sync.RWMutex
	servers map[string]*server

	monitorMu sync.Mutex
	monitor   *Task
}

// New creates an orchestrator that registers running servers with p.
func New(env toolserver.Env, p *pool.Pool, cfg Config) *Orchestrator {
	env = env.WithDefaults()
	logger := log.WithComponent(env.Logger, "orchestrator")
	return &Orchestrator{
		env:     env,
		pool:    p,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		events:  newEmitter(logger),
		servers: make(map[string]*server),
	}
}

// Subscribe returns a channel of lifecycle events and a function that
// ends the subscription.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.events.subscribe(buffer)
}

// StartServers starts every descriptor with at most MaxConcurrentStartups
// in flight. Each descriptor gets exactly one result; one server failing
// never blocks or rolls back another.
func (o *Orchestrator) StartServers(ctx context.Context, descs []toolserver.Descriptor) map[string]result.Result[Handle] {
	begin := o.env.Clock.Now()
	results := make(map[string]result.Result[Handle], len(descs))
	var resultsMu sync.Mutex
	setResult := func(name string, r result.Result[Handle]) {
		resultsMu.Lock()
		results[name] = r
		resultsMu.Unlock()
	}

	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrentStartups))
	var wg sync.WaitGroup
	seen := make(map[string]bool, len(descs))

	for i, desc := range descs {
		desc = desc.WithDefaults(o.cfg.Defaults)
		name := desc.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if seen[name] {
			// The first descriptor with this name keeps its slot in the
			// result map; the duplicate is reported under a suffixed key.
			setResult(fmt.Sprintf("%s#%d", name, i), result.Failure[Handle](&errors.ConfigurationError{
				Key:    fmt.Sprintf("servers.%s", name),
				Reason: "duplicate server name",
			}, o.env.Clock.Since(begin)))
			continue
		}
		seen[name] = true

		factory, err := o.env.Registry.Resolve(desc)
		if err != nil {
			setResult(name, result.Failure[Handle](err, o.env.Clock.Since(begin)))
			continue
		}

		srv, err := o.reserve(desc, factory)
		if err != nil {
			setResult(name, result.Failure[Handle](err, o.env.Clock.Since(begin)))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			o.fail(srv, &errors.CancellationError{Operation: "start " + name, Cause: err})
			setResult(name, result.FailureWith(srv.snapshot(), srv.lastErrLocked(), o.env.Clock.Since(begin)))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			setResult(name, o.startServer(ctx, srv))
		}()
	}

	wg.Wait()
	return results
}

// reserve creates the STARTING record for desc, refusing names that are
// already managed.
func (o *Orchestrator) reserve(desc toolserver.Descriptor, factory toolserver.Factory) (*server, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.servers[desc.Name]; ok {
		existing.mu.Lock()
		state := existing.state
		existing.mu.Unlock()
		return nil, &errors.StateError{Resource: "server", ID: desc.Name, State: string(state), Operation: "start"}
	}

	srv := &server{desc: desc, factory: factory, state: StateStarting}
	o.servers[desc.Name] = srv
	o.env.Metrics.SetServerState(desc.Name, string(StateStarting))
	return srv, nil
}

// Restart moves a server in ERROR back through STARTING.
func (o *Orchestrator) Restart(ctx context.Context, name string) result.Result[Handle] {
	begin := o.env.Clock.Now()
	srv, ok := o.lookup(name)
	if !ok {
		return result.Failure[Handle](&errors.NotFoundError{Resource: "server", ID: name}, o.env.Clock.Since(begin))
	}

	srv.mu.Lock()
	if srv.state != StateError {
		state := srv.state
		srv.mu.Unlock()
		return result.Failure[Handle](&errors.StateError{Resource: "server", ID: name, State: string(state), Operation: "restart"}, o.env.Clock.Since(begin))
	}
	srv.state = StateStarting
	srv.failures = 0
	srv.mu.Unlock()

	o.env.Metrics.SetServerState(name, string(StateStarting))
	o.events.emit(Event{Type: EventRestarting, Server: name, State: StateStarting, Timestamp: o.env.Clock.Now()})
	return o.startServer(ctx, srv)
}

// startServer runs startup attempts with backoff until one succeeds or
// the descriptor's attempt budget is spent.
func (o *Orchestrator) startServer(ctx context.Context, srv *server) result.Result[Handle] {
	name := srv.desc.Name
	logger := log.WithServer(o.logger, name)
	begin := o.env.Clock.Now()

	ctx, span := o.env.Tracer.Start(ctx, "server.start", trace.WithAttributes(
		attribute.String("server", name),
		attribute.String("server.type", srv.desc.Type),
		attribute.String("server.transport", string(srv.desc.Transport)),
	))

	maxAttempts := srv.desc.MaxStartupAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		srv.mu.Lock()
		srv.attempts = attempt
		srv.mu.Unlock()

		logger.Debug("starting server", slog.Int(log.AttemptKey, attempt), slog.Int("max_attempts", maxAttempts))
		lastErr = o.attemptStart(ctx, srv)
		if lastErr == nil {
			o.env.Metrics.RecordStartupAttempt(name, "success")
			o.markRunning(ctx, srv)
			span.SetAttributes(attribute.Int("server.attempts", attempt))
			tracing.End(span, nil)
			logger.Info("server running", slog.Int(log.AttemptKey, attempt),
				slog.Int64(log.DurationKey, o.env.Clock.Since(begin).Milliseconds()))
			return result.Success(srv.snapshot(), o.env.Clock.Since(begin))
		}

		o.env.Metrics.RecordStartupAttempt(name, "failure")
		logger.Warn("server startup attempt failed", slog.Int(log.AttemptKey, attempt), log.Error(lastErr))

		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			if err := o.cfg.StartupRetry.Wait(ctx, o.env.Clock, attempt); err != nil {
				break
			}
		}
	}

	var failure error = &errors.ServerStartupError{Server: name, Attempts: attempt, Cause: lastErr}
	if ctx.Err() != nil {
		failure = &errors.CancellationError{Operation: "start server " + name, Cause: failure}
	}
	o.fail(srv, failure)
	span.SetAttributes(attribute.Int("server.attempts", attempt))
	tracing.End(span, failure)
	return result.FailureWith(srv.snapshot(), failure, o.env.Clock.Since(begin))
}

// attemptStart performs one startup attempt bounded by the descriptor's
// StartupTimeout. On failure every resource it created is released.
func (o *Orchestrator) attemptStart(ctx context.Context, srv *server) (err error) {
	name := srv.desc.Name
	attemptCtx, cancel := context.WithTimeout(ctx, srv.desc.StartupTimeout)
	defer cancel()

	adapter, err := o.newAdapter(srv)
	if err != nil {
		return errors.Wrap(err, "creating adapter")
	}

	registered := false
	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic("start server "+name, r)
		}
		if err != nil {
			if registered {
				o.pool.Unregister(name)
			}
			if killErr := adapter.Kill(); killErr != nil {
				o.logger.Debug("kill after failed start", slog.String(log.ServerKey, name), log.Error(killErr))
			}
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = &errors.TimeoutError{
					Operation: "start server " + name,
					Kind:      errors.TimeoutStartup,
					Duration:  srv.desc.StartupTimeout,
					Cause:     err,
				}
			}
		}
	}()

	if err := adapter.Start(attemptCtx); err != nil {
		return err
	}
	if err := o.pool.Register(name, adapter.Dial, pool.ConfigFor(srv.desc)); err != nil {
		return err
	}
	registered = true

	if err := o.awaitHealthy(attemptCtx, srv); err != nil {
		return err
	}

	srv.mu.Lock()
	srv.adapter = adapter
	srv.mu.Unlock()
	return nil
}

// newAdapter calls the server's factory, converting a panic into an
// InternalError of this attempt.
func (o *Orchestrator) newAdapter(srv *server) (adapter toolserver.Adapter, err error) {
	name := srv.desc.Name
	defer func() {
		if r := recover(); r != nil {
			adapter, err = nil, errors.FromPanic("create adapter for "+name, r)
		}
	}()
	adapter, err = srv.factory(srv.desc, log.WithServer(o.env.Logger, name))
	if err == nil && adapter == nil {
		err = errors.New("factory returned no adapter")
	}
	return adapter, err
}

// awaitHealthy polls the health probe until it passes or ctx ends.
func (o *Orchestrator) awaitHealthy(ctx context.Context, srv *server) error {
	for {
		err := o.probe(ctx, srv.desc)
		if err == nil {
			return nil
		}
		timer := o.env.Clock.NewTimer(o.cfg.HealthPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.Chan():
		}
	}
}

// probe runs one health check: acquire a validated pooled connection and
// ping it, bounded by the descriptor's health-check timeout.
func (o *Orchestrator) probe(ctx context.Context, desc toolserver.Descriptor) (err error) {
	probeCtx, cancel := context.WithTimeout(ctx, desc.HealthCheck.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic("health check "+desc.Name, r)
		}
	}()

	err = o.pool.WithConn(probeCtx, desc.Name, 0, func(c *pool.Conn) error {
		return c.Ping(probeCtx)
	})
	if err != nil && probeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = &errors.TimeoutError{
			Operation: "health check " + desc.Name,
			Kind:      errors.TimeoutHealthCheck,
			Duration:  desc.HealthCheck.Timeout,
			Cause:     err,
		}
	}
	return err
}

func (o *Orchestrator) markRunning(ctx context.Context, srv *server) {
	name := srv.desc.Name

	var tools []string
	listCtx, cancel := context.WithTimeout(ctx, srv.desc.HealthCheck.Timeout)
	err := o.pool.WithConn(listCtx, name, 0, func(c *pool.Conn) error {
		specs, err := c.ListTools(listCtx)
		for _, s := range specs {
			tools = append(tools, s.Name)
		}
		return err
	})
	cancel()
	if err != nil {
		o.logger.Warn("failed to list tools", slog.String(log.ServerKey, name), log.Error(err))
	}
	sort.Strings(tools)

	srv.mu.Lock()
	srv.state = StateRunning
	srv.failures = 0
	srv.lastErr = nil
	srv.startedAt = o.env.Clock.Now()
	srv.tools = tools
	srv.mu.Unlock()

	o.env.Metrics.SetServerState(name, string(StateRunning))
	o.events.emit(Event{Type: EventStarted, Server: name, State: StateRunning, Timestamp: o.env.Clock.Now()})
}

func (o *Orchestrator) fail(srv *server, err error) {
	srv.mu.Lock()
	srv.state = StateError
	srv.lastErr = err
	srv.adapter = nil
	srv.mu.Unlock()

	o.env.Metrics.SetServerState(srv.desc.Name, string(StateError))
	o.events.emit(Event{Type: EventStartFailed, Server: srv.desc.Name, State: StateError, Error: err.Error(), Timestamp: o.env.Clock.Now()})
}

func (s *server) lastErrLocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// StopServers stops the named servers with bounded parallelism. A server
// that does not stop within GracefulTimeout is killed and its result
// carries a warning.
func (o *Orchestrator) StopServers(ctx context.Context, names []string) map[string]result.Result[result.Void] {
	begin := o.env.Clock.Now()
	results := make(map[string]result.Result[result.Void], len(names))
	var resultsMu sync.Mutex
	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrentStartups))
	var wg sync.WaitGroup

	seen := make(map[string]bool, len(names))

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		if err := sem.Acquire(ctx, 1); err != nil {
			resultsMu.Lock()
			results[name] = result.Failure[result.Void](&errors.CancellationError{Operation: "stop " + name, Cause: err}, o.env.Clock.Since(begin))
			resultsMu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r := o.stopServer(ctx, name)
			resultsMu.Lock()
			results[name] = r
			resultsMu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func (o *Orchestrator) stopServer(ctx context.Context, name string) result.Result[result.Void] {
	begin := o.env.Clock.Now()
	srv, ok := o.lookup(name)
	if !ok {
		return result.Failure[result.Void](&errors.NotFoundError{Resource: "server", ID: name}, o.env.Clock.Since(begin))
	}

	srv.mu.Lock()
	state := srv.state
	if state == StateStarting || state == StateStopping {
		srv.mu.Unlock()
		return result.Failure[result.Void](&errors.StateError{Resource: "server", ID: name, State: string(state), Operation: "stop"}, o.env.Clock.Since(begin))
	}
	adapter := srv.adapter
	srv.state = StateStopping
	srv.mu.Unlock()

	o.env.Metrics.SetServerState(name, string(StateStopping))
	o.pool.Unregister(name)

	var warning string
	if adapter != nil {
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.GracefulTimeout)
		err := adapter.Stop(stopCtx)
		cancel()
		if err != nil {
			if killErr := adapter.Kill(); killErr != nil {
				o.logger.Warn("force kill failed", slog.String(log.ServerKey, name), log.Error(killErr))
			}
			warning = fmt.Sprintf("server %s did not stop gracefully within %s and was terminated: %v", name, o.cfg.GracefulTimeout, err)
			o.logger.Warn("forced server termination", slog.String(log.ServerKey, name), log.Error(err))
		}
	}

	srv.mu.Lock()
	srv.state = StateStopped
	srv.adapter = nil
	srv.mu.Unlock()

	o.mu.Lock()
	if o.servers[name] == srv {
		delete(o.servers, name)
	}
	o.mu.Unlock()

	o.env.Metrics.ForgetServer(name)
	o.events.emit(Event{Type: EventStopped, Server: name, State: StateStopped, Timestamp: o.env.Clock.Now()})

	r := result.Success(result.Void{}, o.env.Clock.Since(begin))
	if warning != "" {
		r = r.WithWarning(warning)
	}
	return r
}

func (o *Orchestrator) lookup(name string) (*server, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	srv, ok := o.servers[name]
	return srv, ok
}

func (o *Orchestrator) all() []*server {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*server, 0, len(o.servers))
	for _, s := range o.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Name < out[j].desc.Name })
	return out
}

// Handle returns the snapshot of one server.
func (o *Orchestrator) Handle(name string) (Handle, bool) {
	srv, ok := o.lookup(name)
	if !ok {
		return Handle{}, false
	}
	return srv.snapshot(), true
}

// Handles returns snapshots of every managed server sorted by name.
func (o *Orchestrator) Handles() []Handle {
	servers := o.all()
	out := make([]Handle, len(servers))
	for i, s := range servers {
		out[i] = s.snapshot()
	}
	return out
}

// Names returns the names of every managed server.
func (o *Orchestrator) Names() []string {
	servers := o.all()
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.desc.Name
	}
	return out
}

// HealthSnapshot reports state and last error for every managed server.
func (o *Orchestrator) HealthSnapshot() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for _, s := range o.all() {
		h := s.snapshot()
		out[h.Name] = HealthStatus{State: h.State, LastError: h.LastError, ConsecutiveFailures: h.ConsecutiveFailures}
	}
	return out
}

// Summary counts managed servers by state.
func (o *Orchestrator) Summary() Summary {
	var sum Summary
	for _, s := range o.all() {
		sum.Total++
		switch s.snapshot().State {
		case StateRunning:
			sum.Running++
		case StateStarting:
			sum.Starting++
		case StateStopping:
			sum.Stopping++
		case StateError:
			sum.Error++
		}
	}
	return sum
}

// IsRunning reports whether name is in RUNNING.
func (o *Orchestrator) IsRunning(name string) bool {
	h, ok := o.Handle(name)
	return ok && h.State == StateRunning
}

// Close stops the health monitor and every managed server.
func (o *Orchestrator) Close(ctx context.Context) map[string]result.Result[result.Void] {
	o.StopHealthMonitor()
	results := o.StopServers(ctx, o.Names())
	o.events.closeAll()
	return results
}
