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

package api

import (
	"log/slog"
	"net/http"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/orchestrator"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/pkg/errors"
)

// ServerResponse describes one server. Credentials in env and headers
// are never included.
type ServerResponse struct {
	Name                string             `json:"name"`
	Type                string             `json:"type"`
	Transport           string             `json:"transport"`
	State               orchestrator.State `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	Attempts            int                `json:"attempts"`
	UptimeSeconds       int64              `json:"uptime_seconds"`
	Tools               []string           `json:"tools,omitempty"`
	Pool                *pool.Stats        `json:"pool,omitempty"`
}

// ListResponse is the body of GET /v1/servers.
type ListResponse struct {
	Servers []ServerResponse     `json:"servers"`
	Summary orchestrator.Summary `json:"summary"`
}

func (r *Router) server(h orchestrator.Handle) ServerResponse {
	resp := ServerResponse{
		Name:                h.Name,
		Type:                h.Descriptor.Type,
		Transport:           string(h.Descriptor.Transport),
		State:               h.State,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
		Attempts:            h.Attempts,
		Tools:               h.Tools,
	}
	if h.State == orchestrator.StateRunning && !h.StartedAt.IsZero() {
		resp.UptimeSeconds = int64(r.clock.Since(h.StartedAt).Seconds())
	}
	if r.pools != nil {
		if stats, ok := r.pools.Stats(h.Name); ok {
			resp.Pool = &stats
		}
	}
	return resp
}

// handleListServers handles GET /v1/servers. An optional state query
// parameter filters the list; the summary always covers every server.
func (r *Router) handleListServers(w http.ResponseWriter, req *http.Request) {
	filter := req.URL.Query().Get("state")

	handles := r.fleet.Handles()
	servers := make([]ServerResponse, 0, len(handles))
	for _, h := range handles {
		if filter != "" && string(h.State) != filter {
			continue
		}
		servers = append(servers, r.server(h))
	}
	writeJSON(w, http.StatusOK, ListResponse{Servers: servers, Summary: r.fleet.Summary()})
}

func (r *Router) handleGetServer(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	h, ok := r.fleet.Handle(name)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "server", ID: name})
		return
	}
	writeJSON(w, http.StatusOK, r.server(h))
}

// handleRestartServer handles POST /v1/servers/{name}/restart. Only a
// server in the error state can be restarted.
func (r *Router) handleRestartServer(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	res := r.fleet.Restart(req.Context(), name)
	if !res.OK() {
		r.logger.Warn("restart failed", slog.String(log.ServerKey, name), log.Error(res.Err))
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, r.server(res.Value()))
}
