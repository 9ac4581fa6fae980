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

package validate

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/commands/shared"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	path := filepath.Join(dir, "switchboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
}

func execute(t *testing.T) (Result, error) {
	t.Helper()
	shared.SetJSONForTest(true)
	cmd := NewCommand()
	// Mirror the root command, which silences cobra's usage/error output.
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	err := cmd.Execute()

	var res Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
	return res, err
}

func TestValidateGoodConfig(t *testing.T) {
	writeConfig(t, `
provider:
  name: openai
servers:
  - name: files
    type: mcp
    transport: local-process
    command: files-mcp
  - name: blender
    type: websocket
    transport: network-endpoint
    url: ws://127.0.0.1:9876
`)

	res, err := execute(t)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "openai", res.Provider)
	require.Len(t, res.Servers, 2)
	for _, s := range res.Servers {
		assert.True(t, s.Valid, s.Name)
	}
}

func TestValidateReportsAdapterProblems(t *testing.T) {
	writeConfig(t, `
servers:
  - name: files
    type: mcp
    transport: local-process
    command: files-mcp
    workdir: /switchboard-test/no-such-dir
  - name: blender
    type: websocket
    transport: network-endpoint
    url: ws://127.0.0.1:9876
`)

	res, err := execute(t)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(err))
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "files", res.Errors[0].Server)
	assert.Equal(t, "CONFIGURATION_ERROR", res.Errors[0].Code)
}

func TestValidateUnparseableConfig(t *testing.T) {
	writeConfig(t, "servers: [")

	res, err := execute(t)
	require.Error(t, err)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
}
