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

package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/switchboard/pkg/errors"
)

// Config selects and configures a backend.
type Config struct {
	// Name selects the registered backend.
	Name string `yaml:"name" json:"name"`

	// Model is passed through to the backend.
	Model string `yaml:"model" json:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`

	// APIKey is resolved at startup and never read from config files.
	APIKey string `yaml:"-" json:"-"`

	// BaseURL overrides the backend endpoint.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// MaxTokens caps each generation.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// Timeout bounds one HTTP request to the backend.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Factory creates an adapter from cfg.
type Factory func(cfg Config, logger *slog.Logger) (Adapter, error)

// Registry maps backend names to factories. It is populated during
// process initialization and read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a backend factory.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if factory == nil {
		return fmt.Errorf("provider %s: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New builds the backend selected by cfg.Name.
func (r *Registry) New(cfg Config, logger *slog.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    "provider.name",
			Reason: fmt.Sprintf("unknown provider %q (registered: %v)", cfg.Name, r.Names()),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return factory(cfg, logger)
}

// Names returns the registered backend names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
