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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantLevel  string
		wantFormat Format
		wantSource bool
	}{
		{name: "defaults", env: map[string]string{}, wantLevel: "info", wantFormat: FormatJSON},
		{name: "LOG_LEVEL", env: map[string]string{"LOG_LEVEL": "WARN"}, wantLevel: "warn", wantFormat: FormatJSON},
		{
			name:       "switchboard level wins",
			env:        map[string]string{"LOG_LEVEL": "warn", "SWITCHBOARD_LOG_LEVEL": "trace"},
			wantLevel:  "trace",
			wantFormat: FormatJSON,
		},
		{
			name:       "debug wins over levels",
			env:        map[string]string{"SWITCHBOARD_DEBUG": "1", "SWITCHBOARD_LOG_LEVEL": "error"},
			wantLevel:  "debug",
			wantFormat: FormatJSON,
			wantSource: true,
		},
		{name: "text format", env: map[string]string{"LOG_FORMAT": "TEXT"}, wantLevel: "info", wantFormat: FormatText},
		{name: "source", env: map[string]string{"LOG_SOURCE": "1"}, wantLevel: "info", wantFormat: FormatJSON, wantSource: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"SWITCHBOARD_DEBUG", "SWITCHBOARD_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			assert.Equal(t, tt.wantLevel, cfg.Level)
			assert.Equal(t, tt.wantFormat, cfg.Format)
			assert.Equal(t, tt.wantSource, cfg.AddSource)
		})
	}
}

func TestNewJSONWithScopes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger = WithSession(WithServer(WithComponent(logger, "executor"), "blender"), "s-1")

	logger.Debug("tool call", slog.String(ToolKey, "render"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "executor", entry[ComponentKey])
	assert.Equal(t, "blender", entry[ServerKey])
	assert.Equal(t, "s-1", entry[SessionKey])
	assert.Equal(t, "render", entry[ToolKey])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	Trace(context.Background(), New(&Config{Level: "debug", Output: &buf}), "wire")
	assert.Empty(t, buf.String())

	Trace(context.Background(), New(&Config{Level: "trace", Output: &buf}), "wire")
	assert.Contains(t, buf.String(), "wire")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("TRACE"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSanitizeAPIKey(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeAPIKey("abcd"))
	assert.Equal(t, "...wxyz", SanitizeAPIKey("sk-ant-abcdwxyz"))
}
