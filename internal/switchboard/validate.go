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
	"fmt"
	"slices"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/provider"
)

// Check is the outcome of validating one server descriptor.
type Check struct {
	Server string `json:"server"`
	Type   string `json:"type"`
	Err    error  `json:"-"`
}

// Validate resolves every server through servers and builds its adapter
// without starting it, so adapter-specific options are checked too. The
// provider name is checked against providers; a problem there is
// reported as the second return value.
func Validate(cfg *config.Config, servers *toolserver.Registry, providers *provider.Registry) ([]Check, error) {
	checks := make([]Check, 0, len(cfg.Servers))
	for _, desc := range cfg.Servers {
		desc = desc.WithDefaults(cfg.Defaults)
		check := Check{Server: desc.Name, Type: desc.Type}
		factory, err := servers.Resolve(desc)
		if err == nil {
			_, err = factory(desc, log.Discard())
		}
		check.Err = err
		checks = append(checks, check)
	}

	var providerErr error
	if names := providers.Names(); !slices.Contains(names, cfg.Provider.Name) {
		providerErr = &errors.ConfigurationError{
			Key:    "provider.name",
			Reason: fmt.Sprintf("unknown provider %q (registered: %v)", cfg.Provider.Name, names),
		}
	}
	return checks, providerErr
}
