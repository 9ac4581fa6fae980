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

package switchboard

import (
	"context"
	"log/slog"
	"sort"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// Report lists what a reconcile changed. Failed maps server names to the
// error that kept them from their new state.
type Report struct {
	Started   []string         `json:"started,omitempty"`
	Stopped   []string         `json:"stopped,omitempty"`
	Restarted []string         `json:"restarted,omitempty"`
	Failed    map[string]error `json:"-"`
}

// Empty reports whether the reconcile touched nothing.
func (r Report) Empty() bool {
	return len(r.Started) == 0 && len(r.Stopped) == 0 && len(r.Restarted) == 0 && len(r.Failed) == 0
}

// Reconcile brings the fleet in line with next: servers that disappeared
// are stopped, new ones started, and changed ones stopped and started
// again. Concurrent calls are serialized. Only the server list is
// applied live; other settings take effect on the next process start.
func (a *App) Reconcile(ctx context.Context, next *config.Config) Report {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()

	prev := a.Config()
	before := index(prev.Servers, prev.Defaults)
	after := index(next.Servers, next.Defaults)

	var removed, added, changed []string
	for name, desc := range before {
		switch n, ok := after[name]; {
		case !ok:
			removed = append(removed, name)
		case !n.Equal(desc):
			changed = append(changed, name)
		}
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(changed)

	report := Report{Failed: make(map[string]error)}

	stopping := append(append([]string(nil), removed...), changed...)
	for name, r := range a.Orchestrator.StopServers(ctx, stopping) {
		// A server that never got past descriptor resolution has no
		// record to stop.
		if !r.OK() && errors.CodeOf(r.Err) != errors.CodeNotFound {
			report.Failed[name] = r.Err
		}
	}
	for _, name := range removed {
		a.Executor.ForgetServer(name)
	}
	report.Stopped = removed

	starting := make([]toolserver.Descriptor, 0, len(added)+len(changed))
	for _, name := range append(append([]string(nil), added...), changed...) {
		if _, failed := report.Failed[name]; failed {
			continue
		}
		desc := after[name]
		a.Executor.ConfigureServer(desc)
		starting = append(starting, desc)
	}
	results := a.Orchestrator.StartServers(ctx, starting)
	for _, name := range added {
		if record(&report, name, results[name].Err) {
			report.Started = append(report.Started, name)
		}
	}
	for _, name := range changed {
		if _, failed := report.Failed[name]; failed {
			continue
		}
		if record(&report, name, results[name].Err) {
			report.Restarted = append(report.Restarted, name)
		}
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	if !report.Empty() {
		a.logger.Info("fleet reconciled",
			slog.Any("started", report.Started),
			slog.Any("stopped", report.Stopped),
			slog.Any("restarted", report.Restarted),
			slog.Int("failed", len(report.Failed)))
	}
	for name, err := range report.Failed {
		a.logger.Warn("reconcile failed", slog.String(log.ServerKey, name), log.Error(err))
	}
	return report
}

func record(report *Report, name string, err error) bool {
	if err != nil {
		report.Failed[name] = err
		return false
	}
	return true
}

// index maps descriptors by name with defaults applied, so that a change
// to the defaults section counts as a change to every server using them.
func index(descs []toolserver.Descriptor, defs toolserver.Defaults) map[string]toolserver.Descriptor {
	m := make(map[string]toolserver.Descriptor, len(descs))
	for _, d := range descs {
		m[d.Name] = d.WithDefaults(defs)
	}
	return m
}
