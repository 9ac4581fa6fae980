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

// Package config loads the switchboard configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
	"github.com/tombee/switchboard/pkg/retry"
)

// DefaultListen is the API listen address when none is configured.
const DefaultListen = "127.0.0.1:7420"

// DefaultProvider is the AI backend used when none is configured.
const DefaultProvider = "anthropic"

// Config is the complete switchboard configuration.
type Config struct {
	Defaults     toolserver.Defaults     `yaml:"defaults"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Pool         PoolConfig              `yaml:"pool"`
	Executor     ExecutorConfig          `yaml:"executor"`
	Conversation ConversationConfig      `yaml:"conversation"`
	Provider     provider.Config         `yaml:"provider"`
	API          APIConfig               `yaml:"api"`
	Log          LogConfig               `yaml:"log"`
	Tracing      tracing.Config          `yaml:"tracing"`
	Servers      []toolserver.Descriptor `yaml:"servers"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// OrchestratorConfig configures server lifecycle management.
type OrchestratorConfig struct {
	MaxConcurrentStartups int           `yaml:"max_concurrent_startups"`
	GracefulTimeout       time.Duration `yaml:"graceful_timeout"`

	// HealthInterval is the tick of the background health monitor; zero
	// uses defaults.health_check.interval.
	HealthInterval time.Duration `yaml:"health_interval"`

	StartupRetry retry.Policy `yaml:"startup_retry"`
}

// PoolConfig configures the connection pool.
type PoolConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// ExecutorConfig configures tool execution.
type ExecutorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Retry          retry.Policy  `yaml:"retry"`
}

// ConversationConfig configures chat sessions.
type ConversationConfig struct {
	MaxSteps         int           `yaml:"max_steps"`
	CancelGrace      time.Duration `yaml:"cancel_grace"`
	MaxHistoryTokens int           `yaml:"max_history_tokens"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	ProviderRetry    retry.Policy  `yaml:"provider_retry"`
	SystemPrompt     string        `yaml:"system_prompt"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging. Environment variables read by the log
// package take precedence.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with no servers.
func Default() *Config {
	return &Config{
		Defaults: toolserver.DefaultDefaults(),
		Executor: ExecutorConfig{Retry: retry.DefaultPolicy()},
		Provider: provider.Config{Name: DefaultProvider},
		API:      APIConfig{Listen: DefaultListen},
		Log:      LogConfig{Level: "info", Format: "text"},
		Tracing:  tracing.Config{ServiceName: "switchboard", Exporter: tracing.ExporterNone},
	}
}

// Load reads configPath, applies defaults and environment overrides, and
// validates the result. An empty configPath yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, &errors.ConfigurationError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigurationError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", configPath),
				Cause:  err,
			}
		}
		cfg.Path = configPath
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()
	cfg.expandServers()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values that a partial file left unset.
func (c *Config) applyDefaults() {
	defaults := Default()
	d := &c.Defaults
	if d.HealthCheck.Interval == 0 {
		d.HealthCheck.Interval = defaults.Defaults.HealthCheck.Interval
	}
	if d.HealthCheck.Timeout == 0 {
		d.HealthCheck.Timeout = defaults.Defaults.HealthCheck.Timeout
	}
	if d.HealthCheck.FailureThreshold == 0 {
		d.HealthCheck.FailureThreshold = defaults.Defaults.HealthCheck.FailureThreshold
	}
	if d.StartupTimeout == 0 {
		d.StartupTimeout = defaults.Defaults.StartupTimeout
	}
	if d.MaxStartupAttempts == 0 {
		d.MaxStartupAttempts = defaults.Defaults.MaxStartupAttempts
	}
	if d.MaxConnections == 0 {
		d.MaxConnections = defaults.Defaults.MaxConnections
	}
	if d.IdleTimeout == 0 {
		d.IdleTimeout = defaults.Defaults.IdleTimeout
	}
	if d.CallTimeout == 0 {
		d.CallTimeout = defaults.Defaults.CallTimeout
	}

	if c.Provider.Name == "" {
		c.Provider.Name = defaults.Provider.Name
	}
	if c.API.Listen == "" {
		c.API.Listen = defaults.API.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
}

// loadFromEnv applies SWITCHBOARD_* overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("SWITCHBOARD_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("SWITCHBOARD_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("SWITCHBOARD_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("SWITCHBOARD_TRACING_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
		c.Tracing.Enabled = v != tracing.ExporterNone
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with the variable's value.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})
}

func (c *Config) expandServers() {
	for i := range c.Servers {
		s := &c.Servers[i]
		for k, v := range s.Env {
			s.Env[k] = expandEnv(v)
		}
		for k, v := range s.Headers {
			s.Headers[k] = expandEnv(v)
		}
	}
}

// Validate checks every server descriptor and that names are unique.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.Name] {
			errs = append(errs, &errors.ConfigurationError{
				Key:    fmt.Sprintf("servers[%d].name", i),
				Reason: fmt.Sprintf("duplicate server name %q", s.Name),
			})
		}
		seen[s.Name] = true
	}
	if c.Executor.MaxConcurrency < 0 {
		errs = append(errs, &errors.ConfigurationError{Key: "executor.max_concurrency", Reason: "must not be negative"})
	}
	if c.Conversation.MaxSteps < 0 {
		errs = append(errs, &errors.ConfigurationError{Key: "conversation.max_steps", Reason: "must not be negative"})
	}
	return errors.Join(errs...)
}

// Server returns the descriptor named name.
func (c *Config) Server(name string) (toolserver.Descriptor, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return toolserver.Descriptor{}, false
}
