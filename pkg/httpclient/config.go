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

package httpclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/switchboard/pkg/retry"
)

// Config holds HTTP client configuration.
type Config struct {
	// Timeout is the total request timeout including retries. Must be > 0.
	Timeout time.Duration

	// Retry governs retries of idempotent requests. MaxRetries of zero
	// disables the retry transport.
	Retry retry.Policy

	// UserAgent is the User-Agent header value. Required.
	UserAgent string

	// Logger receives one record per request. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration without retries.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		Retry:     retry.None(),
		UserAgent: "switchboard-http-client/1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxRetries > 0 && c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be > 0 when retries are enabled, got %v", c.Retry.InitialDelay)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}
	return nil
}
