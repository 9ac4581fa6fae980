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

package shared

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"exit error", NewServersFailedError("2 servers failed", nil), ExitServersFailed},
		{"wrapped exit error", errors.Wrap(NewUnavailableError("down", nil), "status"), ExitUnavailable},
		{"configuration", &errors.ConfigurationError{Reason: "bad"}, ExitInvalidConfig},
		{"provider", &errors.ProviderError{Provider: "x", Message: "nope"}, ExitProviderError},
		{"other", errors.New("boom"), ExitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPrintErrorIncludesSuggestion(t *testing.T) {
	var buf bytes.Buffer
	PrintError(&buf, NewProviderError("chat failed", &errors.ProviderError{
		Provider:   "anthropic",
		StatusCode: 401,
		Message:    "invalid key",
		Suggestion: "check ANTHROPIC_API_KEY",
	}))
	assert.Contains(t, buf.String(), "chat failed")
	assert.Contains(t, buf.String(), "Suggestion: check ANTHROPIC_API_KEY")
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("SWITCHBOARD_TEST_TOKEN", "")
	os.Unsetenv("SWITCHBOARD_TEST_TOKEN")

	require.NoError(t, os.WriteFile(".env", []byte("SWITCHBOARD_TEST_TOKEN=from-dotenv\n"), 0o600))
	require.NoError(t, os.WriteFile("switchboard.yaml", []byte(`
servers:
  - name: files
    type: mcp
    transport: network-endpoint
    url: http://localhost:9000/mcp
    headers:
      Authorization: "Bearer ${SWITCHBOARD_TEST_TOKEN}"
`), 0o600))
	SetConfigPathForTest("")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "Bearer from-dotenv", cfg.Servers[0].Headers["Authorization"])
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers: [{name: ''}]"), 0o600))
	t.Chdir(dir)
	SetConfigPathForTest(path)
	t.Cleanup(func() { SetConfigPathForTest("") })

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitInvalidConfig, ExitCode(err))
}
