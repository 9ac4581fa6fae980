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

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

const sample = `
defaults:
  max_connections: 2
  health_check:
    interval: 30s
orchestrator:
  max_concurrent_startups: 2
  graceful_timeout: 3s
executor:
  max_concurrency: 6
  retry:
    max_retries: 5
    initial_delay: 50ms
conversation:
  max_steps: 4
  cancel_grace: 2s
provider:
  name: openai
  model: gpt-4o-mini
servers:
  - name: blender
    type: websocket
    transport: network-endpoint
    url: ws://127.0.0.1:9876/rpc
    headers:
      Authorization: "Bearer ${BLENDER_TOKEN}"
  - name: files
    type: mcp
    transport: local-process
    command: files-server
    args: ["--root", "/srv"]
    env:
      HOME_DIR: "${TEST_HOME}/data"
    call_timeout: 10s
    health_check:
      interval: 5s
      timeout: 1s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BLENDER_TOKEN", "tok")
	t.Setenv("TEST_HOME", "/home/test")
	path := writeConfig(t, sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 2, cfg.Defaults.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Defaults.HealthCheck.Interval)
	assert.Equal(t, toolserver.DefaultDefaults().HealthCheck.Timeout, cfg.Defaults.HealthCheck.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.GracefulTimeout)
	assert.Equal(t, 5, cfg.Executor.Retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Executor.Retry.InitialDelay)
	assert.Equal(t, 4, cfg.Conversation.MaxSteps)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, DefaultListen, cfg.API.Listen)

	require.Len(t, cfg.Servers, 2)
	blender, ok := cfg.Server("blender")
	require.True(t, ok)
	assert.Equal(t, toolserver.TransportNetwork, blender.Transport)
	assert.Equal(t, "Bearer tok", blender.Headers["Authorization"])

	files, ok := cfg.Server("files")
	require.True(t, ok)
	assert.Equal(t, []string{"--root", "/srv"}, files.Args)
	assert.Equal(t, "/home/test/data", files.Env["HOME_DIR"])
	assert.Equal(t, 10*time.Second, files.CallTimeout)
	assert.Equal(t, time.Second, files.HealthCheck.Timeout)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
	assert.Equal(t, DefaultProvider, cfg.Provider.Name)
	assert.Equal(t, toolserver.DefaultDefaults(), cfg.Defaults)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SWITCHBOARD_API_LISTEN", ":9999")
	t.Setenv("SWITCHBOARD_PROVIDER", "scripted")
	t.Setenv("SWITCHBOARD_MODEL", "m1")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.API.Listen)
	assert.Equal(t, "scripted", cfg.Provider.Name)
	assert.Equal(t, "m1", cfg.Provider.Model)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "servers: [\n"},
		{"missing command", "servers:\n  - {name: a, type: mcp, transport: local-process}\n"},
		{"bad url", "servers:\n  - {name: a, type: websocket, transport: network-endpoint, url: 'ftp://x'}\n"},
		{"duplicate names", "servers:\n  - {name: a, type: mcp, transport: local-process, command: x}\n  - {name: a, type: mcp, transport: local-process, command: y}\n"},
		{"negative steps", "conversation:\n  max_steps: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Equal(t, errors.CodeConfiguration, errors.CodeOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *errors.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("A_VAR", "x")
	assert.Equal(t, "x-$HOME-", expandEnv("${A_VAR}-$HOME-${UNSET_VAR_FOR_TEST}"))
}

func TestFind(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", "/etc/switchboard.yaml")
	assert.Equal(t, "explicit.yaml", Find("explicit.yaml"))
	assert.Equal(t, "/etc/switchboard.yaml", Find(""))

	t.Setenv("SWITCHBOARD_CONFIG", "")
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Chdir(t.TempDir())
	assert.Empty(t, Find(""))

	path := filepath.Join(dir, "switchboard", FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	assert.Equal(t, path, Find(""))
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "servers: []\n")

	var mu sync.Mutex
	var got []*Config
	var errs []error
	w, err := Watch(path, 20*time.Millisecond, log.Discard(), func(cfg *Config, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		got = append(got, cfg)
	})
	require.NoError(t, err)
	defer w.Close()

	updated := "servers:\n  - {name: a, type: mcp, transport: local-process, command: x}\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && len(got[len(got)-1].Servers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("servers: [\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchRequiresCallback(t *testing.T) {
	_, err := Watch(writeConfig(t, "{}"), 0, nil, nil)
	assert.Error(t, err)
}
