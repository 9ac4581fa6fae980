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
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/tombee/switchboard/pkg/errors"
)

// KeyringService is the OS keychain service holding API keys, one entry
// per provider name.
const KeyringService = "switchboard"

// DefaultAPIKeyEnv returns the conventional environment variable for a
// backend's API key, e.g. ANTHROPIC_API_KEY.
func DefaultAPIKeyEnv(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
}

// ResolveAPIKey finds the API key for cfg: the configured environment
// variable, then the conventional one, then the OS keychain.
func ResolveAPIKey(cfg Config) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	for _, env := range []string{cfg.APIKeyEnv, DefaultAPIKeyEnv(cfg.Name)} {
		if env == "" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
	}

	secret, err := keyring.Get(KeyringService, cfg.Name)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", &errors.ConfigurationError{
			Key:    "provider.api_key_env",
			Reason: fmt.Sprintf("reading %s key from keychain", cfg.Name),
			Cause:  err,
		}
	}
	return "", &errors.ConfigurationError{
		Key:    "provider.api_key_env",
		Reason: fmt.Sprintf("no API key for provider %s: set %s or store it with 'switchboard auth set %s'", cfg.Name, DefaultAPIKeyEnv(cfg.Name), cfg.Name),
	}
}

// StoreAPIKey saves key in the OS keychain for provider name.
func StoreAPIKey(name, key string) error {
	if key == "" {
		return &errors.ValidationError{Field: "key", Message: "API key is empty"}
	}
	return keyring.Set(KeyringService, name, key)
}
