package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royale-project/royale/internal/config"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/lobby"
	"github.com/royale-project/royale/internal/network"
	"github.com/royale-project/royale/internal/util"
)

type fixedStatus lobby.Status

func (f fixedStatus) Status() lobby.Status { return lobby.Status(f) }

func newConn(t *testing.T, reg *network.ConnectionRegistry, id uint64) *network.Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := network.NewConnection(id, server, nil, network.Auth{})
	reg.Register(c)
	return c
}

func newTestManager(reg *network.ConnectionRegistry, bus *events.EventBus) *Manager {
	cfg := config.DefaultConfig()
	cfg.Timers.IdleTimeoutSec = 30
	m := NewManager(cfg, bus, reg, fixedStatus{
		State:       lobby.StatePlaying,
		Connections: 2,
		Players:     []lobby.PlayerInfo{{ID: 1, Nick: "alice"}},
	})
	m.usage = func() util.ProcessUsage {
		return util.ProcessUsage{CPUPercent: 1.5, RSSMB: 20, Goroutines: 12}
	}
	return m
}

func TestNewManagerUsesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	m := NewManager(cfg, nil, network.NewConnectionRegistry(), fixedStatus{})
	assert.Equal(t, 30*time.Second, m.interval)
	assert.Equal(t, time.Minute, m.idleTimeout)
}

func TestReapIdle(t *testing.T) {
	reg := network.NewConnectionRegistry()
	a := newConn(t, reg, 1)
	b := newConn(t, reg, 2)
	m := newTestManager(reg, nil)

	m.now = time.Now
	assert.Zero(t, m.reapIdle())
	assert.False(t, a.Closed())

	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, 2, m.reapIdle())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())

	assert.Zero(t, m.reapIdle(), "closed connections are skipped")
}

func TestReapDisabled(t *testing.T) {
	reg := network.NewConnectionRegistry()
	c := newConn(t, reg, 1)
	m := newTestManager(reg, nil)
	m.idleTimeout = 0
	m.now = func() time.Time { return time.Now().Add(time.Hour) }

	assert.Zero(t, m.reapIdle())
	assert.False(t, c.Closed())
}

func TestHeartbeatEmitted(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan events.HeartbeatPayload, 1)
	bus.Subscribe(events.EventHeartbeat, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.HeartbeatPayload)
		return nil
	})

	m := newTestManager(network.NewConnectionRegistry(), bus)
	m.check(context.Background())

	select {
	case p := <-got:
		assert.Equal(t, "playing", p.State)
		assert.Equal(t, 2, p.Connections)
		assert.Equal(t, 1, p.Players)
		assert.Equal(t, 12, p.Goroutines)
		assert.Zero(t, p.Reaped)
		assert.Zero(t, p.Dropped)
	case <-time.After(time.Second):
		t.Fatal("heartbeat not emitted")
	}
}

func TestStartStops(t *testing.T) {
	m := newTestManager(network.NewConnectionRegistry(), nil)
	m.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "health manager did not stop")
	}
}
