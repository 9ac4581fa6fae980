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
	"time"

	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/retry"
)

// State is the lifecycle state of a server handle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Handle is a snapshot of a server's runtime record.
type Handle struct {
	Name                string                `json:"name"`
	Descriptor          toolserver.Descriptor `json:"descriptor"`
	State               State                 `json:"state"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastError           string                `json:"last_error,omitempty"`
	Attempts            int                   `json:"attempts"`
	StartedAt           time.Time             `json:"started_at,omitempty"`
	Tools               []string              `json:"tools,omitempty"`
}

// HealthStatus is the per-server entry of a health snapshot.
type HealthStatus struct {
	State               State  `json:"state"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Summary counts servers by state.
type Summary struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Starting int `json:"starting"`
	Stopping int `json:"stopping"`
	Error    int `json:"error"`
}

// Config configures the orchestrator.
type Config struct {
	// MaxConcurrentStartups bounds parallel startups and shutdowns (default 4).
	MaxConcurrentStartups int

	// GracefulTimeout is how long Stop may take before a forced kill (default 10s).
	GracefulTimeout time.Duration

	// StartupRetry is the backoff between startup attempts. Its MaxRetries
	// is ignored; each descriptor's MaxStartupAttempts caps the attempts.
	StartupRetry retry.Policy

	// HealthPollInterval is the wait between readiness probes while a
	// server is starting (default 250ms).
	HealthPollInterval time.Duration

	// Defaults fill descriptor fields left unset.
	Defaults toolserver.Defaults
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStartups: 4,
		GracefulTimeout:       10 * time.Second,
		StartupRetry: retry.Policy{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		HealthPollInterval: 250 * time.Millisecond,
		Defaults:           toolserver.DefaultDefaults(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentStartups <= 0 {
		c.MaxConcurrentStartups = d.MaxConcurrentStartups
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = d.GracefulTimeout
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = d.HealthPollInterval
	}
	if c.Defaults == (toolserver.Defaults{}) {
		c.Defaults = d.Defaults
	}
	return c
}
