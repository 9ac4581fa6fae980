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
)

// FileName is the configuration file name looked up by Find.
const FileName = "switchboard.yaml"

// ConfigDir returns the switchboard config directory, honoring
// XDG_CONFIG_HOME and falling back to ~/.config/switchboard.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "switchboard"), nil
}

// Find resolves the config file to load: explicit wins, then
// SWITCHBOARD_CONFIG, then ./switchboard.yaml, then the config directory.
// An empty result means no file exists and defaults apply.
func Find(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("SWITCHBOARD_CONFIG"); env != "" {
		return env
	}
	candidates := []string{FileName}
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, FileName))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
