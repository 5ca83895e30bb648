// Package health runs periodic liveness checks: it drops client connections
// that have gone silent and publishes a heartbeat with process usage.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/config"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/lobby"
	"github.com/royale-project/royale/internal/network"
	"github.com/royale-project/royale/internal/util"
)

// ConnectionSource lists the live client connections.
type ConnectionSource interface {
	Snapshot() []*network.Connection
}

// StatusSource reports the lobby state.
type StatusSource interface {
	Status() lobby.Status
}

// Manager runs the health checks.
type Manager struct {
	conns    ConnectionSource
	lobby    StatusSource
	eventBus *events.EventBus

	interval    time.Duration
	idleTimeout time.Duration
	now         func() time.Time
	usage       func() util.ProcessUsage
}

// NewManager creates a health manager using the timers in cfg.
func NewManager(cfg *config.Config, eventBus *events.EventBus, conns ConnectionSource, l StatusSource) *Manager {
	timers := cfg.GetTimers()
	return &Manager{
		conns:       conns,
		lobby:       l,
		eventBus:    eventBus,
		interval:    timers.HealthInterval(),
		idleTimeout: timers.IdleTimeout(),
		now:         time.Now,
		usage:       util.GetProcessUsage,
	}
}

// Start runs the checks every interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		log.Info().Msg("health checks disabled")
		<-ctx.Done()
		return
	}

	log.Info().
		Dur("interval", m.interval).
		Dur("idle_timeout", m.idleTimeout).
		Msg("health check manager started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Manager) check(ctx context.Context) {
	reaped := m.reapIdle()
	m.heartbeat(ctx, reaped)
}

// reapIdle closes connections that have not sent anything for idleTimeout.
func (m *Manager) reapIdle() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)

	reaped := 0
	for _, c := range m.conns.Snapshot() {
		if c.Closed() || !c.LastActivity().Before(cutoff) {
			continue
		}
		log.Info().
			Uint64("conn_id", c.ID()).
			Str("remote", c.RemoteAddr().String()).
			Time("last_activity", c.LastActivity()).
			Msg("dropping idle connection")
		c.Close()
		reaped++
	}
	return reaped
}

func (m *Manager) heartbeat(ctx context.Context, reaped int) {
	st := m.lobby.Status()
	usage := m.usage()

	payload := events.HeartbeatPayload{
		State:       st.State.String(),
		Connections: st.Connections,
		Players:     len(st.Players),
		Reaped:      reaped,
		CPUPercent:  usage.CPUPercent,
		RSSMB:       usage.RSSMB,
		Goroutines:  usage.Goroutines,
	}
	if m.eventBus != nil {
		payload.Dropped = m.eventBus.Dropped()
	}

	log.Debug().
		Str("state", payload.State).
		Int("connections", payload.Connections).
		Int("players", payload.Players).
		Float64("cpu_percent", payload.CPUPercent).
		Uint64("rss_mb", payload.RSSMB).
		Int("goroutines", payload.Goroutines).
		Uint64("events_dropped", payload.Dropped).
		Msg("health heartbeat")

	if m.eventBus != nil {
		m.eventBus.Emit(ctx, events.Event{
			Type:    events.EventHeartbeat,
			Source:  "health",
			Payload: payload,
		})
	}
}
