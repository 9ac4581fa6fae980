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
	"fmt"
	"maps"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/tombee/switchboard/pkg/errors"
)

// NameRegex validates server names.
// Names must start with a letter and contain only letters, numbers, hyphens, and underscores.
// Maximum length is 64 characters.
var NameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Transport is how a tool server is reached.
type Transport string

const (
	// TransportLocalProcess spawns the server as a child process.
	TransportLocalProcess Transport = "local-process"
	// TransportNetwork connects to an already listening endpoint.
	TransportNetwork Transport = "network-endpoint"
)

// HealthCheck configures liveness probing of a server.
type HealthCheck struct {
	// Interval between probes of a running server.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Timeout bounds a single probe.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// FailureThreshold is how many consecutive failed probes move a
	// running server to ERROR.
	FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
}

// Descriptor is the static description of one tool server. It is
// treated as immutable once loaded; copy it with Clone before changing it.
type Descriptor struct {
	// Name is the unique key of the server.
	Name string `yaml:"name" json:"name"`

	// Type selects the adapter factory in the Registry (e.g. "mcp", "websocket").
	Type string `yaml:"type" json:"type"`

	// Transport is local-process or network-endpoint.
	Transport Transport `yaml:"transport" json:"transport"`

	// Command, Args, Env and WorkDir describe a local process.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// URL and Headers describe a network endpoint.
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Options carries adapter-specific settings.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`

	HealthCheck HealthCheck `yaml:"health_check,omitempty" json:"health_check,omitempty"`

	// StartupTimeout bounds a single startup attempt.
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty" json:"startup_timeout,omitempty"`

	// MaxStartupAttempts is the total number of startup attempts before ERROR.
	MaxStartupAttempts int `yaml:"max_startup_attempts,omitempty" json:"max_startup_attempts,omitempty"`

	// MaxConnections caps concurrent pooled connections.
	MaxConnections int `yaml:"max_connections,omitempty" json:"max_connections,omitempty"`

	// IdleTimeout is how long an unused pooled connection survives.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// CallTimeout bounds one tool call attempt.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty" json:"call_timeout,omitempty"`

	// RateLimit is the sustained calls per second allowed (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	RateBurst int     `yaml:"rate_burst,omitempty" json:"rate_burst,omitempty"`
}

// Defaults supplies values for descriptor fields left unset.
type Defaults struct {
	HealthCheck        HealthCheck   `yaml:"health_check,omitempty"`
	StartupTimeout     time.Duration `yaml:"startup_timeout,omitempty"`
	MaxStartupAttempts int           `yaml:"max_startup_attempts,omitempty"`
	MaxConnections     int           `yaml:"max_connections,omitempty"`
	IdleTimeout        time.Duration `yaml:"idle_timeout,omitempty"`
	CallTimeout        time.Duration `yaml:"call_timeout,omitempty"`
}

// DefaultDefaults returns the built-in descriptor defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		HealthCheck: HealthCheck{
			Interval:         10 * time.Second,
			Timeout:          5 * time.Second,
			FailureThreshold: 3,
		},
		StartupTimeout:     30 * time.Second,
		MaxStartupAttempts: 3,
		MaxConnections:     4,
		IdleTimeout:        5 * time.Minute,
		CallTimeout:        30 * time.Second,
	}
}

// WithDefaults returns a copy of d with zero fields taken from defs.
func (d Descriptor) WithDefaults(defs Defaults) Descriptor {
	out := d.Clone()
	if out.HealthCheck.Interval == 0 {
		out.HealthCheck.Interval = defs.HealthCheck.Interval
	}
	if out.HealthCheck.Timeout == 0 {
		out.HealthCheck.Timeout = defs.HealthCheck.Timeout
	}
	if out.HealthCheck.FailureThreshold == 0 {
		out.HealthCheck.FailureThreshold = defs.HealthCheck.FailureThreshold
	}
	if out.StartupTimeout == 0 {
		out.StartupTimeout = defs.StartupTimeout
	}
	if out.MaxStartupAttempts == 0 {
		out.MaxStartupAttempts = defs.MaxStartupAttempts
	}
	if out.MaxConnections == 0 {
		out.MaxConnections = defs.MaxConnections
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = defs.IdleTimeout
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = defs.CallTimeout
	}
	return out
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Args = append([]string(nil), d.Args...)
	out.Env = maps.Clone(d.Env)
	out.Headers = maps.Clone(d.Headers)
	out.Options = maps.Clone(d.Options)
	return out
}

// Equal reports whether two descriptors describe the same server.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.Name != other.Name || d.Type != other.Type || d.Transport != other.Transport ||
		d.Command != other.Command || d.WorkDir != other.WorkDir || d.URL != other.URL ||
		d.HealthCheck != other.HealthCheck || d.StartupTimeout != other.StartupTimeout ||
		d.MaxStartupAttempts != other.MaxStartupAttempts || d.MaxConnections != other.MaxConnections ||
		d.IdleTimeout != other.IdleTimeout || d.CallTimeout != other.CallTimeout ||
		d.RateLimit != other.RateLimit || d.RateBurst != other.RateBurst {
		return false
	}
	return slices.Equal(d.Args, other.Args) &&
		maps.Equal(d.Env, other.Env) &&
		maps.Equal(d.Headers, other.Headers) &&
		maps.Equal(d.Options, other.Options)
}

// Validate checks the descriptor's shape. It does not check that the type
// is registered; Registry.Resolve does that.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return &errors.ConfigurationError{Key: "name", Reason: "server name is required"}
	}
	key := func(field string) string { return fmt.Sprintf("servers.%s.%s", d.Name, field) }

	if !NameRegex.MatchString(d.Name) {
		return &errors.ConfigurationError{
			Key:    key("name"),
			Reason: "must start with a letter and contain only letters, digits, '-' or '_' (max 64)",
		}
	}
	if d.Type == "" {
		return &errors.ConfigurationError{Key: key("type"), Reason: "server type is required"}
	}

	switch d.Transport {
	case TransportLocalProcess:
		if d.Command == "" {
			return &errors.ConfigurationError{Key: key("command"), Reason: "command is required for local-process transport"}
		}
	case TransportNetwork:
		if err := validateEndpoint(d.URL); err != nil {
			return &errors.ConfigurationError{Key: key("url"), Reason: err.Error()}
		}
	case "":
		return &errors.ConfigurationError{Key: key("transport"), Reason: "transport is required"}
	default:
		return &errors.ConfigurationError{
			Key:    key("transport"),
			Reason: fmt.Sprintf("unknown transport %q (expected %s or %s)", d.Transport, TransportLocalProcess, TransportNetwork),
		}
	}

	if d.HealthCheck.Interval < 0 || d.HealthCheck.Timeout < 0 || d.HealthCheck.FailureThreshold < 0 {
		return &errors.ConfigurationError{Key: key("health_check"), Reason: "values must not be negative"}
	}
	if d.HealthCheck.Interval > 0 && d.HealthCheck.Timeout > d.HealthCheck.Interval {
		return &errors.ConfigurationError{Key: key("health_check.timeout"), Reason: "timeout must not exceed interval"}
	}
	if d.MaxConnections < 0 {
		return &errors.ConfigurationError{Key: key("max_connections"), Reason: "must not be negative"}
	}
	if d.MaxStartupAttempts < 0 {
		return &errors.ConfigurationError{Key: key("max_startup_attempts"), Reason: "must not be negative"}
	}
	if d.StartupTimeout < 0 || d.IdleTimeout < 0 || d.CallTimeout < 0 {
		return &errors.ConfigurationError{Key: key("timeouts"), Reason: "durations must not be negative"}
	}
	if d.RateLimit < 0 || d.RateBurst < 0 {
		return &errors.ConfigurationError{Key: key("rate_limit"), Reason: "must not be negative"}
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required for network-endpoint transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if ip := net.ParseIP(host); ip == nil && !validHostname(host) {
		return fmt.Errorf("malformed host %q", host)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("port %q out of range 1-65535", p)
		}
	}
	return nil
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validHostname(host string) bool {
	return len(host) <= 253 && hostnameRegex.MatchString(host)
}
