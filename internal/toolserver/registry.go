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

package toolserver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/switchboard/pkg/errors"
)

// Registry maps server type names to adapter factories. Registration
// happens while wiring the process; lookups happen on every start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for serverType. Registering the same type twice
// is an error.
func (r *Registry) Register(serverType string, factory Factory) error {
	if serverType == "" {
		return fmt.Errorf("server type is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s is nil", serverType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[serverType]; exists {
		return fmt.Errorf("server type already registered: %s", serverType)
	}
	r.factories[serverType] = factory
	return nil
}

// Resolve validates desc and returns the factory for its type.
func (r *Registry) Resolve(desc Descriptor) (Factory, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[desc.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("servers.%s.type", desc.Name),
			Reason: fmt.Sprintf("unknown server type %q (registered: %v)", desc.Type, r.Types()),
		}
	}
	return factory, nil
}

// Types lists registered server types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
