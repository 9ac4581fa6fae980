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

package toolserver

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/tracing"
)

// Env is the shared context built once at process start and handed to
// the pool, orchestrator and executor constructors.
type Env struct {
	Registry *Registry
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
}

// WithDefaults fills unset fields. Metrics stays nil when unset, which
// disables recording.
func (e Env) WithDefaults() Env {
	if e.Registry == nil {
		e.Registry = NewRegistry()
	}
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Tracer == nil {
		e.Tracer = tracing.Noop()
	}
	return e
}
