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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/orchestrator"
	"github.com/tombee/switchboard/internal/testing/mock"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider/scripted"
)

func testConfig(servers ...string) *config.Config {
	cfg := config.Default()
	cfg.Defaults.StartupTimeout = 100 * time.Millisecond
	cfg.Defaults.MaxStartupAttempts = 1
	cfg.Defaults.HealthCheck = toolserver.HealthCheck{Interval: time.Hour, Timeout: 50 * time.Millisecond, FailureThreshold: 3}
	cfg.Orchestrator.GracefulTimeout = 200 * time.Millisecond
	cfg.Provider.Name = scripted.Name
	for _, name := range servers {
		cfg.Servers = append(cfg.Servers, mock.Descriptor(name))
	}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) (*App, *mock.Fleet) {
	t.Helper()
	fleet := mock.NewFleet()
	app, err := New(context.Background(), cfg, Options{
		Logger:      log.Discard(),
		ServerTypes: fleet.Register,
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return app, fleet
}

func TestStartBringsUpConfiguredServers(t *testing.T) {
	app, fleet := newApp(t, testConfig("files", "search"))
	fleet.Server("search").SetHealthy(false)

	results := app.Start(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results["files"].OK())
	assert.False(t, results["search"].OK())

	assert.True(t, app.Orchestrator.IsRunning("files"))
	h, ok := app.Orchestrator.Handle("search")
	require.True(t, ok)
	assert.Equal(t, orchestrator.StateError, h.State)
	assert.True(t, app.Pool.Has("files"))
}

func TestShutdownStopsFleet(t *testing.T) {
	app, fleet := newApp(t, testConfig("files"))
	app.Start(context.Background())

	results := app.Shutdown(context.Background())
	require.Contains(t, results, "files")
	assert.True(t, results["files"].OK())
	assert.Equal(t, 1, fleet.Server("files").Stops())
	assert.Empty(t, app.Orchestrator.Names())
}

func TestReconcile(t *testing.T) {
	app, fleet := newApp(t, testConfig("keep", "change", "drop"))
	app.Start(context.Background())

	next := testConfig("keep", "change", "add")
	next.Servers[1].Args = []string{"--verbose"}

	report := app.Reconcile(context.Background(), next)
	assert.Equal(t, []string{"add"}, report.Started)
	assert.Equal(t, []string{"drop"}, report.Stopped)
	assert.Equal(t, []string{"change"}, report.Restarted)
	assert.Empty(t, report.Failed)

	assert.ElementsMatch(t, []string{"keep", "change", "add"}, app.Orchestrator.Names())
	assert.Equal(t, 1, fleet.Server("keep").Starts())
	assert.Equal(t, 0, fleet.Server("keep").Stops())
	assert.Equal(t, 2, fleet.Server("change").Starts())
	assert.Equal(t, 1, fleet.Server("drop").Stops())

	h, ok := app.Orchestrator.Handle("change")
	require.True(t, ok)
	assert.Equal(t, []string{"--verbose"}, h.Descriptor.Args)
	assert.Same(t, next, app.Config())
}

func TestReconcileUnchangedIsEmpty(t *testing.T) {
	app, _ := newApp(t, testConfig("keep"))
	app.Start(context.Background())

	report := app.Reconcile(context.Background(), testConfig("keep"))
	assert.True(t, report.Empty())
}

func TestReconcileDefaultsChangeRestartsServers(t *testing.T) {
	app, fleet := newApp(t, testConfig("keep"))
	app.Start(context.Background())

	next := testConfig("keep")
	next.Defaults.CallTimeout = time.Minute

	report := app.Reconcile(context.Background(), next)
	assert.Equal(t, []string{"keep"}, report.Restarted)
	assert.Equal(t, 2, fleet.Server("keep").Starts())
}

func TestReconcileIgnoresServersThatNeverRegistered(t *testing.T) {
	cfg := testConfig()
	cfg.Servers = append(cfg.Servers, toolserver.Descriptor{
		Name:      "ghost",
		Type:      "nonexistent",
		Transport: toolserver.TransportLocalProcess,
		Command:   "ghost",
	})
	app, _ := newApp(t, cfg)
	results := app.Start(context.Background())
	require.False(t, results["ghost"].OK())

	report := app.Reconcile(context.Background(), testConfig())
	assert.Equal(t, []string{"ghost"}, report.Stopped)
	assert.Empty(t, report.Failed)
}

func TestSessionUsesConfiguredProvider(t *testing.T) {
	cfg := testConfig("files")
	cfg.Conversation.SystemPrompt = "be brief"
	app, _ := newApp(t, cfg)
	app.Start(context.Background())

	started := app.StartSession([]string{"files"}, 0)
	require.True(t, started.OK(), started.Error())
	s := started.Value()
	assert.Equal(t, scripted.Name, s.Provider)

	sent := app.Conversations.SendMessage(context.Background(), s, "hello")
	require.True(t, sent.OK(), sent.Error())
	steps := sent.Value()
	require.Len(t, steps, 1)
	assert.Equal(t, "you said: hello", steps[0].Text)

	history := s.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "be brief", history[0].Content)
}

func TestUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Name = "nope"
	app, _ := newApp(t, cfg)

	r := app.StartSession(nil, 0)
	require.False(t, r.OK())
	assert.Equal(t, errors.CodeConfiguration, errors.CodeOf(r.Err))
}

func TestMetricsAreGathered(t *testing.T) {
	app, _ := newApp(t, testConfig("files"))
	app.Start(context.Background())

	families, err := app.Gatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["switchboard_server_state"])
	assert.True(t, names["go_goroutines"])
}
