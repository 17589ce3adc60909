// Package health watches the liveness of the chatroom connection.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatroom-project/chatroom/internal/config"
	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/session"
	"github.com/chatroom-project/chatroom/internal/util"
)

// Pinger is the part of the client the keepalive monitor drives.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
	State() session.State
	Close() error
}

// Manager pings the server periodically and closes the client once the
// connection stops answering.
type Manager struct {
	cfg      config.KeepaliveConfig
	client   Pinger
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	failures int
	lastRTT  time.Duration
}

// NewManager creates a keepalive monitor for client.
func NewManager(cfg config.KeepaliveConfig, client Pinger, eventBus *events.EventBus) *Manager {
	return &Manager{
		cfg:      cfg,
		client:   client,
		eventBus: eventBus,
		logger:   util.ComponentLogger("keepalive"),
	}
}

// Start runs the keepalive loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled || m.cfg.IntervalSec <= 0 {
		m.logger.Info().Msg("keepalive disabled")
		return
	}

	ticker := time.NewTicker(time.Duration(m.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	m.logger.Info().Int("interval_sec", m.cfg.IntervalSec).Msg("keepalive started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("keepalive stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check sends one ping if the client is connected. It returns true when the
// failure limit was reached and the client was closed.
func (m *Manager) Check(ctx context.Context) bool {
	if m.client.State() != session.StateConnected {
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		return false
	}

	timeout := time.Duration(m.cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rtt, err := m.client.Ping(pingCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		if m.failures > 0 {
			m.logger.Info().Int("after_failures", m.failures).Msg("keepalive recovered")
		}
		m.failures = 0
		m.lastRTT = rtt
		m.logger.Debug().Dur("rtt", rtt).Msg("keepalive ok")
		return false
	}

	// Shutting down is not a connection fault.
	if ctx.Err() != nil {
		return false
	}

	m.failures++
	m.logger.Warn().Err(err).Int("failures", m.failures).Int("max", m.cfg.MaxFailures).Msg("keepalive ping failed")

	if m.cfg.MaxFailures > 0 && m.failures >= m.cfg.MaxFailures {
		m.logger.Error().Int("failures", m.failures).Msg("server stopped answering, closing connection")
		if m.eventBus != nil {
			m.eventBus.Emit(ctx, events.Event{
				Type:    events.EventException,
				Source:  "keepalive",
				Payload: events.ExceptionPayload{Err: err},
			})
		}
		m.client.Close()
		m.failures = 0
		return true
	}
	return false
}

// Failures returns the current count of consecutive failed pings.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastRTT returns the round trip of the last successful ping.
func (m *Manager) LastRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRTT
}
