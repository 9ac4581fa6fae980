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
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/tombee/switchboard/internal/config"
)

// LoadDotEnv loads .env from the working directory and the config
// directory. Variables already set in the environment are kept.
func LoadDotEnv() error {
	files := []string{".env"}
	if dir, err := config.ConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, ".env"))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return NewConfigError("failed to load "+f, err)
		}
	}
	return nil
}

// LoadConfig loads .env files, then the configuration named by --config
// or found in the usual places.
func LoadConfig() (*config.Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.Find(GetConfigPath()))
	if err != nil {
		return nil, NewConfigError("invalid configuration", err)
	}
	return cfg, nil
}
