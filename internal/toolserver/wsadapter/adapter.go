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

package wsadapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

// Type is the server type this adapter registers under.
const Type = "websocket"

// Adapter manages connections to one WebSocket endpoint. The endpoint's
// process is owned by its host application, so Stop and Kill only close
// connections.
type Adapter struct {
	desc   toolserver.Descriptor
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	conns   map[*Conn]struct{}
}

// Factory is the toolserver.Factory for WebSocket servers.
func Factory(desc toolserver.Descriptor, logger *slog.Logger) (toolserver.Adapter, error) {
	return NewFactory(nil)(desc, logger)
}

// NewFactory returns a factory whose adapters dial with client. A nil
// client uses http.DefaultClient.
func NewFactory(client *http.Client) toolserver.Factory {
	return func(desc toolserver.Descriptor, logger *slog.Logger) (toolserver.Adapter, error) {
		if desc.Transport != toolserver.TransportNetwork {
			return nil, &errors.ConfigurationError{
				Key:    fmt.Sprintf("servers.%s.transport", desc.Name),
				Reason: "the websocket adapter only supports network-endpoint servers",
			}
		}
		if logger == nil {
			logger = slog.Default()
		}
		return &Adapter{
			desc:   desc,
			client: client,
			logger: log.WithServer(logger, desc.Name),
			conns:  make(map[*Conn]struct{}),
		}, nil
	}
}

// Register adds the adapter to reg.
func Register(reg *toolserver.Registry) error {
	return reg.Register(Type, Factory)
}

// Start checks that the endpoint accepts connections and answers pings.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Ping(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

// Dial opens a WebSocket connection.
func (a *Adapter) Dial(ctx context.Context) (toolserver.Conn, error) {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return nil, &errors.ServerConnectionError{Server: a.desc.Name, Reason: "server not started"}
	}
	return a.connect(ctx)
}

func (a *Adapter) connect(ctx context.Context) (*Conn, error) {
	header := http.Header{}
	for k, v := range a.desc.Headers {
		header.Set(k, v)
	}
	ws, _, err := websocket.Dial(ctx, a.desc.URL, &websocket.DialOptions{
		HTTPClient: a.client,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &errors.ServerConnectionError{Server: a.desc.Name, Reason: "dial websocket", Cause: err}
	}
	ws.SetReadLimit(readLimit)

	conn := &Conn{server: a.desc.Name, ws: ws}
	conn.onClose = func() { a.forget(conn) }
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
	return conn, nil
}

func (a *Adapter) forget(c *Conn) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}

// Stop closes every open connection with a normal closure.
func (a *Adapter) Stop(ctx context.Context) error {
	a.closeAll(websocket.StatusNormalClosure)
	return ctx.Err()
}

// Kill drops every open connection.
func (a *Adapter) Kill() error {
	a.closeAll(websocket.StatusGoingAway)
	return nil
}

func (a *Adapter) closeAll(status websocket.StatusCode) {
	a.mu.Lock()
	a.started = false
	conns := make([]*Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.conns = make(map[*Conn]struct{})
	a.mu.Unlock()

	for _, c := range conns {
		c.closeWith(status, "server stopping")
	}
	if len(conns) > 0 {
		a.logger.Debug("closed websocket connections", slog.Int("count", len(conns)))
	}
}
