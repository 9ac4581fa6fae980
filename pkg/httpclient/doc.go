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

// Package httpclient builds the HTTP clients used to reach AI backends and
// the switchboard API.
//
// Clients come with TLS 1.2 minimum, connection pooling, request logging
// with sanitized URLs, User-Agent injection and correlation ID propagation
// through the X-Correlation-ID header.
//
// Retries are opt-in and only apply to idempotent methods. Provider
// adapters leave them off: a failed generation is reported to the caller,
// which owns the retry decision.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "switchboard-status/1.0"
//	cfg.Retry = retry.DefaultPolicy()
//	client, err := httpclient.New(cfg)
package httpclient
