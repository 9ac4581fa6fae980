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

package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/testing/mock"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/result"
)

func newTestPool(t *testing.T, clock clockwork.Clock, sweep time.Duration) *Pool {
	t.Helper()
	p := New(toolserver.Env{Clock: clock, Logger: log.Discard(), Metrics: metrics.New(nil)}, Options{SweepInterval: sweep})
	t.Cleanup(p.Close)
	return p
}

func startMock(t *testing.T, server *mock.Server) toolserver.Adapter {
	t.Helper()
	fleet := mock.NewFleet(server)
	adapter, err := fleet.Factory(mock.Descriptor(server.Name()), nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background()))
	return adapter
}

func acquireAsync(p *Pool, server string, timeout time.Duration) <-chan result.Result[*Conn] {
	ch := make(chan result.Result[*Conn], 1)
	go func() { ch <- p.Acquire(context.Background(), server, timeout) }()
	return ch
}

func TestAcquireNeverExceedsMaxConnections(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	server := mock.NewServer("a")
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{MaxConnections: 2}))

	first := p.Acquire(context.Background(), "a", 0)
	second := p.Acquire(context.Background(), "a", 0)
	require.True(t, first.OK())
	require.True(t, second.OK())

	third := acquireAsync(p, "a", 0)
	select {
	case <-third:
		t.Fatal("third holder granted while two connections are in use")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		s, _ := p.Stats("a")
		return s.Waiters == 1
	}, time.Second, 5*time.Millisecond)

	first.Value().Release()

	select {
	case r := <-third:
		require.True(t, r.OK())
		assert.Same(t, first.Value().Conn, r.Value().Conn, "released connection is reused")
		r.Value().Release()
	case <-time.After(time.Second):
		t.Fatal("third requester not unblocked by release")
	}

	second.Value().Release()
	assert.Equal(t, 2, server.MaxOpenConns())
	stats, ok := p.Stats("a")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestAcquireConcurrentHoldersBounded(t *testing.T) {
	p := newTestPool(t, clockwork.NewRealClock(), time.Hour)
	server := mock.NewServer("a")
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{MaxConnections: 2}))

	var holders, maxHolders atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := p.Acquire(context.Background(), "a", 0)
			if !r.OK() {
				return
			}
			n := holders.Add(1)
			for {
				cur := maxHolders.Load()
				if n <= cur || maxHolders.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			r.Value().Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHolders.Load(), int64(2))
	assert.LessOrEqual(t, server.MaxOpenConns(), 2)
}

func TestAcquireTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(t, clock, time.Hour)
	require.NoError(t, p.Register("a", startMock(t, mock.NewServer("a")).Dial, Config{MaxConnections: 1}))

	held := p.Acquire(context.Background(), "a", time.Second)
	require.True(t, held.OK())

	waiting := acquireAsync(p, "a", time.Second)
	clock.BlockUntil(2) // sweep ticker + acquire timer
	clock.Advance(time.Second)

	select {
	case r := <-waiting:
		require.False(t, r.OK())
		assert.Equal(t, errors.CodeAcquireTimeout, r.ErrorCode)
		var timeoutErr *errors.TimeoutError
		require.ErrorAs(t, r.Err, &timeoutErr)
		assert.Equal(t, time.Second, timeoutErr.Duration)
	case <-time.After(time.Second):
		t.Fatal("acquire did not time out")
	}
	held.Value().Release()
}

func TestAcquireCancelled(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	require.NoError(t, p.Register("a", startMock(t, mock.NewServer("a")).Dial, Config{MaxConnections: 1}))
	held := p.Acquire(context.Background(), "a", 0)
	require.True(t, held.OK())
	defer held.Value().Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := p.Acquire(ctx, "a", 0)
	assert.Equal(t, errors.CodeCancellation, r.ErrorCode)
}

func TestPoolsAreIndependent(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	require.NoError(t, p.Register("a", startMock(t, mock.NewServer("a")).Dial, Config{MaxConnections: 1}))
	require.NoError(t, p.Register("b", startMock(t, mock.NewServer("b")).Dial, Config{MaxConnections: 1}))

	held := p.Acquire(context.Background(), "a", 0)
	require.True(t, held.OK())
	defer held.Value().Release()

	r := p.Acquire(context.Background(), "b", 0)
	require.True(t, r.OK(), "saturated pool a does not block pool b")
	r.Value().Release()
}

func TestSweepClosesIdleConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(t, clock, time.Hour)
	server := mock.NewServer("a")
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{MaxConnections: 2, IdleTimeout: 5 * time.Minute}))

	r := p.Acquire(context.Background(), "a", 0)
	require.True(t, r.OK())
	r.Value().Release()

	clock.Advance(4 * time.Minute)
	assert.Equal(t, 0, p.SweepIdle())
	assert.Equal(t, 1, server.OpenConns())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, p.SweepIdle())
	assert.Equal(t, 0, server.OpenConns())

	stats, _ := p.Stats("a")
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Closed)
}

func TestBackgroundSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(t, clock, time.Minute)
	server := mock.NewServer("a")
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{IdleTimeout: 90 * time.Second}))

	r := p.Acquire(context.Background(), "a", 0)
	require.True(t, r.OK())
	r.Value().Release()

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, server.OpenConns(), "not idle long enough at first tick")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return server.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
}

// flakyConn fails pings once broken.
type flakyConn struct {
	id     int
	broken atomic.Bool
	closed atomic.Bool
}

func (c *flakyConn) ListTools(context.Context) ([]toolserver.ToolSpec, error) { return nil, nil }
func (c *flakyConn) CallTool(context.Context, string, map[string]any) (*toolserver.CallResult, error) {
	return &toolserver.CallResult{Payload: c.id}, nil
}
func (c *flakyConn) Ping(context.Context) error {
	if c.broken.Load() {
		return fmt.Errorf("conn %d: broken pipe", c.id)
	}
	return nil
}
func (c *flakyConn) Close() error { c.closed.Store(true); return nil }

func TestValidationDiscardsBrokenIdleConnection(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	var conns []*flakyConn
	dial := func(context.Context) (toolserver.Conn, error) {
		c := &flakyConn{id: len(conns) + 1}
		conns = append(conns, c)
		return c, nil
	}
	require.NoError(t, p.Register("a", dial, Config{MaxConnections: 1}))

	r := p.Acquire(context.Background(), "a", 0)
	require.True(t, r.OK())
	r.Value().Release()
	conns[0].broken.Store(true)

	r = p.Acquire(context.Background(), "a", 0)
	require.True(t, r.OK())
	assert.Same(t, conns[1], r.Value().Conn, "fresh connection dialed after failed validation")
	assert.True(t, conns[0].closed.Load())
	r.Value().Release()
}

func TestValidationFailureOnFreshConnection(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	server := mock.NewServer("a").SetHealthy(false)
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{MaxConnections: 1}))

	r := p.Acquire(context.Background(), "a", 0)
	require.False(t, r.OK())
	assert.Equal(t, errors.CodeServerConnection, r.ErrorCode)
	assert.Equal(t, 0, server.OpenConns())

	server.SetHealthy(true)
	r = p.Acquire(context.Background(), "a", 0)
	require.True(t, r.OK(), "slot freed after failed validation")
	r.Value().Release()
}

func TestDialFailure(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	dial := func(context.Context) (toolserver.Conn, error) { return nil, fmt.Errorf("connection refused") }
	require.NoError(t, p.Register("a", dial, Config{MaxConnections: 1}))

	r := p.Acquire(context.Background(), "a", 0)
	assert.Equal(t, errors.CodeServerConnection, r.ErrorCode)
	assert.True(t, errors.IsTransient(r.Err))
}

func TestWithConnDiscardsOnTransientError(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	server := mock.NewServer("a")
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{MaxConnections: 1}))

	err := p.WithConn(context.Background(), "a", 0, func(*Conn) error { return mock.Transient("a") })
	require.Error(t, err)
	assert.Equal(t, 1, server.Closes())

	err = p.WithConn(context.Background(), "a", 0, func(*Conn) error { return errors.ErrUnknownTool })
	require.Error(t, err)
	assert.Equal(t, 1, server.Closes(), "permanent errors keep the connection")

	stats, _ := p.Stats("a")
	assert.Equal(t, 1, stats.Idle)
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	require.NoError(t, p.Register("a", startMock(t, mock.NewServer("a")).Dial, Config{MaxConnections: 1}))

	r := p.Acquire(context.Background(), "a", 0)
	require.True(t, r.OK())
	r.Value().Release()
	r.Value().Release()
	r.Value().Discard()

	stats, _ := p.Stats("a")
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestUnregisterWakesWaitersAndClosesConnections(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	server := mock.NewServer("a")
	require.NoError(t, p.Register("a", startMock(t, server).Dial, Config{MaxConnections: 1}))

	held := p.Acquire(context.Background(), "a", 0)
	require.True(t, held.OK())
	waiting := acquireAsync(p, "a", 0)

	require.Eventually(t, func() bool {
		s, _ := p.Stats("a")
		return s.Waiters == 1
	}, time.Second, 5*time.Millisecond)

	p.Unregister("a")

	select {
	case r := <-waiting:
		assert.Equal(t, errors.CodeServerConnection, r.ErrorCode)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by unregister")
	}

	held.Value().Release()
	assert.Equal(t, 0, server.OpenConns(), "released connection closed after unregister")
	assert.False(t, p.Has("a"))

	r := p.Acquire(context.Background(), "a", 0)
	assert.Equal(t, errors.CodeNotFound, r.ErrorCode)
}

func TestRegisterDuplicate(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	dial := startMock(t, mock.NewServer("a")).Dial
	require.NoError(t, p.Register("a", dial, Config{}))
	assert.Error(t, p.Register("a", dial, Config{}))
	assert.Error(t, p.Register("b", nil, Config{}))
}

func TestAllStatsSorted(t *testing.T) {
	p := newTestPool(t, clockwork.NewFakeClock(), time.Hour)
	require.NoError(t, p.Register("b", startMock(t, mock.NewServer("b")).Dial, Config{}))
	require.NoError(t, p.Register("a", startMock(t, mock.NewServer("a")).Dial, Config{MaxConnections: 3}))

	stats := p.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Server)
	assert.Equal(t, 3, stats[0].Max)
	assert.Equal(t, 4, stats[1].Max)
}

func TestConfigFor(t *testing.T) {
	desc := mock.Descriptor("a").WithDefaults(toolserver.DefaultDefaults())
	cfg := ConfigFor(desc)
	assert.Equal(t, desc.MaxConnections, cfg.MaxConnections)
	assert.Equal(t, desc.IdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, desc.HealthCheck.Timeout, cfg.ValidateTimeout)
}
