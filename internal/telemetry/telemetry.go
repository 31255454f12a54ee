// Package telemetry records privacy-preserving event samples for the
// orchestration core. Events live in a bounded ring buffer; identifiers
// derived from user content must pass through HashContent before they are
// recorded, so raw content never reaches storage. The sink can be disabled
// wholesale without affecting any other component.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventKind discriminates ring buffer entries.
type EventKind string

const (
	KindRoutingDecision EventKind = "routing-decision"
	KindOperationResult EventKind = "operation-result"
)

// Event is one recorded sample. String fields carry only enum-like values or
// hashed identifiers.
type Event struct {
	Kind          EventKind
	At            time.Time
	Mode          string
	Score         float64
	Thermal       string
	Success       bool
	Latency       time.Duration
	FailureReason string
}

// Sink records events into a fixed-size ring buffer, optionally mirroring
// aggregates to Prometheus collectors.
type Sink struct {
	mu      sync.Mutex
	enabled bool
	max     int
	ring    []Event
	next    int
	filled  bool
	clock   func() time.Time

	decisions  *prometheus.CounterVec
	operations *prometheus.CounterVec
	latency    prometheus.Histogram
}

// Option customizes the sink.
type Option func(*Sink)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Sink) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRegistry mirrors recorded events to Prometheus collectors registered on
// reg. Disabled sinks register nothing.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *Sink) {
		if reg == nil || !s.enabled {
			return
		}
		s.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_routing_decisions_total",
			Help: "Routing decisions by execution mode.",
		}, []string{"mode"})
		s.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_operations_total",
			Help: "Operation results by outcome.",
		}, []string{"outcome"})
		s.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_operation_latency_seconds",
			Help:    "Operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(s.decisions, s.operations, s.latency)
	}
}

// New creates an enabled sink retaining at most maxEvents samples.
func New(maxEvents int, opts ...Option) *Sink {
	if maxEvents < 1 {
		maxEvents = 1
	}
	s := &Sink{
		enabled: true,
		max:     maxEvents,
		ring:    make([]Event, maxEvents),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Disabled returns a sink whose every method is a no-op.
func Disabled() *Sink {
	return &Sink{clock: time.Now}
}

// Enabled reports whether the sink records anything.
func (s *Sink) Enabled() bool {
	if s == nil {
		return false
	}
	return s.enabled
}

// HashContent one-way hashes content-derived identifiers before storage.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// RecordRoutingDecision samples one router decision.
func (s *Sink) RecordRoutingDecision(mode string, score float64, thermal string) {
	if !s.Enabled() {
		return
	}
	s.push(Event{
		Kind:    KindRoutingDecision,
		Mode:    mode,
		Score:   score,
		Thermal: thermal,
	})
	if s.decisions != nil {
		s.decisions.WithLabelValues(mode).Inc()
	}
}

// RecordOperationResult samples one execution outcome. failureReason should
// already be free of user content.
func (s *Sink) RecordOperationResult(success bool, latency time.Duration, failureReason string) {
	if !s.Enabled() {
		return
	}
	s.push(Event{
		Kind:          KindOperationResult,
		Success:       success,
		Latency:       latency,
		FailureReason: failureReason,
	})
	if s.operations != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		s.operations.WithLabelValues(outcome).Inc()
		s.latency.Observe(latency.Seconds())
	}
}

func (s *Sink) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.At = s.clock()
	s.ring[s.next] = e
	s.next++
	if s.next == s.max {
		s.next = 0
		s.filled = true
	}
}

// Stats aggregates the retained sample window.
type Stats struct {
	RoutingDecisions int
	Operations       int
	Successes        int
	SuccessRate      float64
	MedianLatency    time.Duration
	ModeDistribution map[string]int
}

// Statistics computes aggregates over the ring buffer contents. A disabled
// sink reports the zero value.
func (s *Sink) Statistics() Stats {
	if !s.Enabled() {
		return Stats{}
	}
	s.mu.Lock()
	events := s.snapshotLocked()
	s.mu.Unlock()

	stats := Stats{ModeDistribution: map[string]int{}}
	var latencies []time.Duration
	for _, e := range events {
		switch e.Kind {
		case KindRoutingDecision:
			stats.RoutingDecisions++
			stats.ModeDistribution[e.Mode]++
		case KindOperationResult:
			stats.Operations++
			if e.Success {
				stats.Successes++
			}
			latencies = append(latencies, e.Latency)
		}
	}
	if stats.Operations > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Operations)
	}
	stats.MedianLatency = median(latencies)
	return stats
}

// Events returns the retained samples, oldest first. Intended for tests and
// dashboards.
func (s *Sink) Events() []Event {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sink) snapshotLocked() []Event {
	if !s.filled {
		out := make([]Event, s.next)
		copy(out, s.ring[:s.next])
		return out
	}
	out := make([]Event, 0, s.max)
	out = append(out, s.ring[s.next:]...)
	out = append(out, s.ring[:s.next]...)
	return out
}

func median(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
