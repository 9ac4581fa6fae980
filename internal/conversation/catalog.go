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

package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/pool"
	"github.com/tombee/switchboard/pkg/provider"
)

// Catalog lists the tools a set of servers offers.
type Catalog interface {
	Tools(ctx context.Context, servers []string) []provider.ToolDefinition
}

// PoolCatalog lists tools over pooled connections. Servers that cannot be
// reached are skipped; the session continues with the rest.
type PoolCatalog struct {
	Pool   *pool.Pool
	Logger *slog.Logger

	// AcquireTimeout bounds the wait for a connection per server.
	AcquireTimeout time.Duration
}

// Tools implements Catalog.
func (c PoolCatalog) Tools(ctx context.Context, servers []string) []provider.ToolDefinition {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var defs []provider.ToolDefinition
	for _, server := range servers {
		err := c.Pool.WithConn(ctx, server, c.AcquireTimeout, func(conn *pool.Conn) error {
			specs, err := conn.ListTools(ctx)
			if err != nil {
				return err
			}
			for _, spec := range specs {
				def := provider.ToolDefinition{Server: server, Tool: spec.Name, Description: spec.Description}
				if len(spec.InputSchema) > 0 {
					var schema map[string]any
					if json.Unmarshal(spec.InputSchema, &schema) == nil {
						def.InputSchema = schema
					}
				}
				defs = append(defs, def)
			}
			return nil
		})
		if err != nil {
			logger.Warn("tools unavailable", slog.String(log.ServerKey, server), log.Error(err))
		}
	}
	return defs
}
