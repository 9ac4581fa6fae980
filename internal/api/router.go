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

// Package api serves the fleet snapshot, restart control and metrics over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/orchestrator"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/pkg/result"
)

// Fleet is the orchestrator surface the API reads and controls.
type Fleet interface {
	Handles() []orchestrator.Handle
	Handle(name string) (orchestrator.Handle, bool)
	Summary() orchestrator.Summary
	Restart(ctx context.Context, name string) result.Result[orchestrator.Handle]
}

// Pools reports per-server connection statistics.
type Pools interface {
	Stats(server string) (pool.Stats, bool)
}

// Options configures a Router. Pools, Gatherer and Clock are optional.
type Options struct {
	Fleet    Fleet
	Pools    Pools
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Version  string
}

// Router serves the switchboard HTTP API.
type Router struct {
	fleet   Fleet
	pools   Pools
	logger  *slog.Logger
	clock   clockwork.Clock
	version string
	started time.Time
	mux     *http.ServeMux
}

// NewRouter registers every route.
func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	r := &Router{
		fleet:   opts.Fleet,
		pools:   opts.Pools,
		logger:  log.WithComponent(opts.Logger, "api"),
		clock:   opts.Clock,
		version: opts.Version,
		started: opts.Clock.Now(),
		mux:     http.NewServeMux(),
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /v1/servers", r.handleListServers)
	r.mux.HandleFunc("GET /v1/servers/{name}", r.handleGetServer)
	r.mux.HandleFunc("POST /v1/servers/{name}/restart", r.handleRestartServer)
	if opts.Gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ServeHTTP implements http.Handler and logs each request.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	begin := r.clock.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(rec, req)
	r.logger.Debug("request",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", rec.status),
		slog.Int64(log.DurationKey, r.clock.Since(begin).Milliseconds()))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := r.fleet.Summary()
	status := "healthy"
	if summary.Error > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: r.clock.Now().UTC().Format(time.RFC3339),
		Uptime:    r.clock.Since(r.started).Round(time.Second).String(),
		Version:   r.version,
		Checks: map[string]string{
			"api":     "ok",
			"runtime": runtime.Version(),
			"servers": formatSummary(summary),
		},
	})
}

func formatSummary(s orchestrator.Summary) string {
	if s.Total == 0 {
		return "none"
	}
	if s.Error > 0 {
		return fmt.Sprintf("%d/%d running (%d errors)", s.Running, s.Total, s.Error)
	}
	return fmt.Sprintf("%d/%d running", s.Running, s.Total)
}
