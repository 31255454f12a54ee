// Package power tracks device power and thermal state and derives the
// concurrency budget the rest of the core should operate under. The Monitor
// is the sole writer of its snapshot; consumers poll Current or subscribe to
// change notifications.
package power

import (
	"context"
	"sync"
	"time"

	"github.com/embermill/conductor/internal/logbook"
)

// ThermalLevel is a coarse ordinal indicator of device heat/power stress.
type ThermalLevel int

const (
	ThermalNominal ThermalLevel = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

// String renders the level for logs and telemetry.
func (l ThermalLevel) String() string {
	switch l {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot of the device condition.
type State struct {
	Thermal  ThermalLevel
	LowPower bool
}

// RecommendedBatchSize maps the thermal ladder to a worker budget: 10/7/4/2,
// halved again under low power, never below 1.
func (s State) RecommendedBatchSize() int {
	var size int
	switch s.Thermal {
	case ThermalNominal:
		size = 10
	case ThermalFair:
		size = 7
	case ThermalSerious:
		size = 4
	default:
		size = 2
	}
	if s.LowPower {
		size /= 2
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Probe samples the device condition from some platform source.
type Probe interface {
	Sample() (State, error)
}

// Monitor owns the current State. It is refreshed either by a periodic probe
// (Run) or by pushes from an external device-state feed (SetState).
type Monitor struct {
	mu    sync.RWMutex
	state State
	subs  []chan State

	probe    Probe
	interval time.Duration
	log      *logbook.Logbook
}

// MonitorOption customizes the monitor.
type MonitorOption func(*Monitor)

// WithProbe installs the sampling source used by Run.
func WithProbe(p Probe) MonitorOption {
	return func(m *Monitor) { m.probe = p }
}

// WithInterval overrides the probe refresh period.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogbook records state changes to the given logbook.
func WithLogbook(log *logbook.Logbook) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor starts from a nominal snapshot.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{interval: 15 * time.Second}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the latest snapshot.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RecommendedBatchSize is a convenience over Current().
func (m *Monitor) RecommendedBatchSize() int {
	return m.Current().RecommendedBatchSize()
}

// SetState replaces the snapshot. External device-state feeds push through
// here; the periodic probe uses it too. Subscribers are notified only when
// the state actually changed, and never blocked on.
func (m *Monitor) SetState(next State) {
	m.mu.Lock()
	changed := next != m.state
	m.state = next
	subs := m.subs
	m.mu.Unlock()
	if !changed {
		return
	}
	m.log.Info("power: state now thermal=%s lowPower=%v batch=%d", next.Thermal, next.LowPower, next.RecommendedBatchSize())
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			// Slow subscriber keeps only the freshest unread state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving state changes. The channel holds one
// pending update; stale intermediate states may be skipped.
func (m *Monitor) Subscribe() <-chan State {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run refreshes the snapshot from the probe until ctx is cancelled. Without a
// probe it blocks until cancellation, leaving pushes via SetState as the only
// refresh source. Probe errors leave the previous snapshot in place; a stale
// snapshot is acceptable degraded behavior, not an error.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		<-ctx.Done()
		return
	}
	m.refresh()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Monitor) refresh() {
	state, err := m.probe.Sample()
	if err != nil {
		m.log.Warn("power: probe sample failed: %v", err)
		return
	}
	m.SetState(state)
}
