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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/log"
)

// Task is a cancellable background loop owned by the component that
// started it.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the task and waits for it to exit.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// StartHealthMonitor probes every RUNNING server each interval. A server
// failing its descriptor's FailureThreshold consecutive probes moves to
// ERROR and a health_degraded event is emitted. Starting a monitor stops
// any previous one.
func (o *Orchestrator) StartHealthMonitor(interval time.Duration) *Task {
	if interval <= 0 {
		interval = o.cfg.Defaults.HealthCheck.Interval
	}

	o.monitorMu.Lock()
	defer o.monitorMu.Unlock()
	if o.monitor != nil {
		o.monitor.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{cancel: cancel, done: make(chan struct{})}
	ticker := o.env.Clock.NewTicker(interval)

	go func() {
		defer close(task.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				o.CheckHealth(ctx)
			}
		}
	}()

	o.monitor = task
	o.logger.Info("health monitor started", slog.Duration("interval", interval))
	return task
}

// StopHealthMonitor stops the running monitor, if any.
func (o *Orchestrator) StopHealthMonitor() {
	o.monitorMu.Lock()
	task := o.monitor
	o.monitor = nil
	o.monitorMu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// CheckHealth runs one round of health probes against every RUNNING
// server concurrently.
func (o *Orchestrator) CheckHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, srv := range o.all() {
		srv.mu.Lock()
		running := srv.state == StateRunning
		srv.mu.Unlock()
		if !running {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.checkServer(ctx, srv)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) checkServer(ctx context.Context, srv *server) {
	name := srv.desc.Name

	// A pool with every slot in use is actively serving calls; probing
	// would only queue behind them.
	if stats, ok := o.pool.Stats(name); ok && stats.InUse >= stats.Max {
		o.logger.Debug("skipping health check of saturated pool", slog.String(log.ServerKey, name))
		return
	}

	err := o.probe(ctx, srv.desc)
	if ctx.Err() != nil {
		return
	}

	srv.mu.Lock()
	if srv.state != StateRunning {
		srv.mu.Unlock()
		return
	}
	if err == nil {
		recovered := srv.failures > 0
		srv.failures = 0
		srv.mu.Unlock()
		if recovered {
			o.logger.Info("server health recovered", slog.String(log.ServerKey, name))
		}
		return
	}

	srv.failures++
	srv.lastErr = err
	failures := srv.failures
	threshold := srv.desc.HealthCheck.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	degraded := failures >= threshold
	adapter := srv.adapter
	if degraded {
		srv.state = StateError
		srv.adapter = nil
	}
	srv.mu.Unlock()

	o.env.Metrics.RecordHealthFailure(name)
	o.logger.Warn("health check failed", slog.String(log.ServerKey, name),
		slog.Int("consecutive_failures", failures), slog.Int("threshold", threshold), log.Error(err))

	if !degraded {
		return
	}

	o.pool.Unregister(name)
	if adapter != nil {
		if killErr := adapter.Kill(); killErr != nil {
			o.logger.Debug("kill after health degradation", slog.String(log.ServerKey, name), log.Error(killErr))
		}
	}
	o.env.Metrics.SetServerState(name, string(StateError))
	o.events.emit(Event{Type: EventHealthDegraded, Server: name, State: StateError, Error: err.Error(), Timestamp: o.env.Clock.Now()})
}
