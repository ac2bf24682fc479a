package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthProbe reports whether the server is reachable.
type HealthProbe interface {
	Health(ctx context.Context) error
}

// Monitor polls the server health endpoint and tracks connectivity.
// Transitions are edge-triggered: onChange fires exactly once per flip,
// including the first observation.
type Monitor struct {
	logger   *slog.Logger
	probe    HealthProbe
	events   *Events
	interval time.Duration
	onChange func(ctx context.Context, online bool)

	mu     sync.Mutex
	online bool
	known  bool
}

// NewMonitor constructs Monitor. interval <= 0 defaults to 30s. onChange
// may be nil.
func NewMonitor(logger *slog.Logger, probe HealthProbe, events *Events, interval time.Duration, onChange func(context.Context, bool)) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{logger: logger, probe: probe, events: events, interval: interval, onChange: onChange}
}

// Run polls until ctx is cancelled. The first probe runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and processes the state transition, if any.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe.Health(ctx) == nil

	m.mu.Lock()
	edge := !m.known || online != m.online
	m.online, m.known = online, true
	m.mu.Unlock()

	if !edge {
		return online
	}

	if online {
		m.logger.Info("server reachable")
		m.events.Publish(Event{Type: EventOnline})
	} else {
		m.logger.Warn("server unreachable")
		m.events.Publish(Event{Type: EventOffline})
	}
	if m.onChange != nil {
		m.onChange(ctx, online)
	}
	return online
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
