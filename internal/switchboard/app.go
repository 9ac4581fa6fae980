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

// Package switchboard is the composition root. It builds every component
// from one configuration and keeps the running fleet in line with it.
package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/conversation"
	"github.com/tombee/switchboard/internal/executor"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/orchestrator"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/internal/toolserver/mcpadapter"
	"github.com/tombee/switchboard/internal/toolserver/wsadapter"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/pkg/provider"
	"github.com/tombee/switchboard/pkg/provider/anthropic"
	"github.com/tombee/switchboard/pkg/provider/openai"
	"github.com/tombee/switchboard/pkg/provider/scripted"
	"github.com/tombee/switchboard/pkg/result"
)

// Options overrides production wiring. Zero values are filled in by New.
type Options struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Tracer  trace.Tracer
	Metrics *prometheus.Registry

	// ServerTypes registers adapter types beyond mcp and websocket.
	ServerTypes func(*toolserver.Registry) error

	// Providers replaces the built-in provider registry.
	Providers *provider.Registry
}

// App owns the wired components.
type App struct {
	Env           toolserver.Env
	Providers     *provider.Registry
	Pool          *pool.Pool
	Orchestrator  *orchestrator.Orchestrator
	Executor      *executor.Executor
	Conversations *conversation.Client
	Gatherer      prometheus.Gatherer

	logger  *slog.Logger
	tracing *tracing.Provider

	mu  sync.RWMutex
	cfg *config.Config

	reconcileMu sync.Mutex
}

// New wires an App for cfg. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}

	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	app := &App{
		Gatherer: reg,
		logger:   log.WithComponent(logger, "switchboard"),
		cfg:      cfg,
	}

	tracer := opts.Tracer
	if tracer == nil {
		if cfg.Tracing.Enabled {
			tp, err := tracing.NewProvider(ctx, cfg.Tracing)
			if err != nil {
				return nil, fmt.Errorf("tracing: %w", err)
			}
			app.tracing = tp
			tracer = tp.Tracer()
		} else {
			tracer = tracing.Noop()
		}
	}

	servers, err := NewServerRegistry(opts.ServerTypes)
	if err != nil {
		return nil, err
	}

	app.Providers = opts.Providers
	if app.Providers == nil {
		if app.Providers, err = NewProviderRegistry(); err != nil {
			return nil, err
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	app.Env = toolserver.Env{
		Registry: servers,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metrics.New(reg),
		Tracer:   tracer,
	}

	app.Pool = pool.New(app.Env, pool.Options{SweepInterval: cfg.Pool.SweepInterval})
	app.Orchestrator = orchestrator.New(app.Env, app.Pool, orchestrator.Config{
		MaxConcurrentStartups: cfg.Orchestrator.MaxConcurrentStartups,
		GracefulTimeout:       cfg.Orchestrator.GracefulTimeout,
		StartupRetry:          cfg.Orchestrator.StartupRetry,
		Defaults:              cfg.Defaults,
	})
	app.Executor = executor.New(app.Env, app.Pool, executor.Config{
		MaxConcurrency: cfg.Executor.MaxConcurrency,
		Retry:          cfg.Executor.Retry,
		CallTimeout:    cfg.Executor.CallTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	})
	catalog := conversation.PoolCatalog{
		Pool:           app.Pool,
		Logger:         logger,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}
	app.Conversations = conversation.NewClient(app.Env, app.Executor, catalog, conversation.Config{
		MaxSteps:         cfg.Conversation.MaxSteps,
		MaxConcurrency:   cfg.Executor.MaxConcurrency,
		ProviderRetry:    cfg.Conversation.ProviderRetry,
		ProviderTimeout:  cfg.Conversation.ProviderTimeout,
		CancelGrace:      cfg.Conversation.CancelGrace,
		MaxHistoryTokens: cfg.Conversation.MaxHistoryTokens,
		Model:            cfg.Provider.Model,
		MaxTokens:        cfg.Provider.MaxTokens,
	})
	return app, nil
}

// NewServerRegistry returns a registry holding the mcp and websocket
// adapter types plus whatever extra registers.
func NewServerRegistry(extra func(*toolserver.Registry) error) (*toolserver.Registry, error) {
	reg := toolserver.NewRegistry()
	for _, register := range []func(*toolserver.Registry) error{mcpadapter.Register, wsadapter.Register, extra} {
		if register == nil {
			continue
		}
		if err := register(reg); err != nil {
			return nil, fmt.Errorf("register server type: %w", err)
		}
	}
	return reg, nil
}

// NewProviderRegistry returns a registry holding every built-in backend.
func NewProviderRegistry() (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, register := range []func(*provider.Registry) error{anthropic.Register, openai.Register, scripted.Register} {
		if err := register(reg); err != nil {
			return nil, fmt.Errorf("register provider: %w", err)
		}
	}
	return reg, nil
}

// NewLogger builds the process logger. Environment variables understood
// by the log package win over the file settings.
func NewLogger(c config.LogConfig) *slog.Logger {
	lc := log.FromEnv()
	if c.Level != "" && os.Getenv("SWITCHBOARD_DEBUG") == "" && os.Getenv("SWITCHBOARD_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		lc.Level = c.Level
	}
	if c.Format != "" && os.Getenv("LOG_FORMAT") == "" {
		lc.Format = log.Format(c.Format)
	}
	return log.New(lc)
}

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Logger returns the process logger.
func (a *App) Logger() *slog.Logger { return a.Env.Logger }

// Start launches every configured server and the health monitor.
func (a *App) Start(ctx context.Context) map[string]result.Result[orchestrator.Handle] {
	cfg := a.Config()
	for _, desc := range cfg.Servers {
		a.Executor.ConfigureServer(desc.WithDefaults(cfg.Defaults))
	}
	results := a.Orchestrator.StartServers(ctx, cfg.Servers)
	for name, r := range results {
		if !r.OK() {
			a.logger.Warn("server failed to start", slog.String(log.ServerKey, name), log.Error(r.Err))
		}
	}
	a.Orchestrator.StartHealthMonitor(cfg.Orchestrator.HealthInterval)
	return results
}

// NewProvider builds the configured AI backend.
func (a *App) NewProvider() (provider.Adapter, error) {
	return a.Providers.New(a.Config().Provider, a.Env.Logger)
}

// StartSession opens a conversation scoped to servers against the
// configured backend and system prompt.
func (a *App) StartSession(servers []string, maxSteps int) result.Result[*conversation.Session] {
	adapter, err := a.NewProvider()
	if err != nil {
		return result.Failure[*conversation.Session](err, 0)
	}
	cfg := a.Config()
	return a.Conversations.StartSession(servers, adapter, maxSteps,
		conversation.WithSystemPrompt(cfg.Conversation.SystemPrompt))
}

// Shutdown ends every session, stops the fleet and flushes telemetry.
func (a *App) Shutdown(ctx context.Context) map[string]result.Result[result.Void] {
	a.Conversations.Close()
	results := a.Orchestrator.Close(ctx)
	a.Pool.Close()
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", log.Error(err))
		}
	}
	return results
}
