// Package connectivity tracks network reachability for one execution context.
package connectivity

import (
	"context"
	"sync"

	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/infra/bus/eventbus"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

// Listener receives the new state after every transition.
type Listener func(online bool)

// Monitor holds the connectivity state of an execution context. State starts
// from the platform's report at construction and changes only through Set.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	listeners []listenerEntry
	nextID    uint64

	// notifyMu keeps listener invocations in transition order.
	notifyMu sync.Mutex

	bus    eventbus.Bus
	source events.Source
	logger observability.Logger
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus publishes ConnectivityChanged events on bus for every transition.
func WithBus(bus eventbus.Bus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// WithSource labels published events and metrics.
func WithSource(source events.Source) Option {
	return func(m *Monitor) {
		m.source = source
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor constructs a Monitor whose initial state is initial.
func NewMonitor(initial bool, opts ...Option) *Monitor {
	m := &Monitor{online: initial, source: events.SourcePage}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.Or(m.logger)
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers fn and returns a function that removes it. Listeners run
// synchronously on the goroutine calling Set, in registration order, and must
// not call Set themselves.
func (m *Monitor) OnChange(fn Listener) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Set applies a platform transition. It returns false when the state is unchanged.
func (m *Monitor) Set(ctx context.Context, online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		observability.F("online", online),
		observability.F("source", string(m.source)))
	telemetry.RecordConnectivityTransition(ctx, string(m.source), online)

	for _, l := range listeners {
		l.fn(online)
	}
	if m.bus != nil {
		evt := &events.Event{
			Type:    events.EventTypeConnectivityChanged,
			Source:  m.source,
			Payload: events.ConnectivityPayload{Online: online},
		}
		if err := m.bus.Publish(ctx, evt); err != nil {
			m.logger.Error("publish connectivity event", observability.F("err", err))
		}
	}
	return true
}

// State renders the state the way the status surface shows it.
func State(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
