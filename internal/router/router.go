// Package router decides where a unit of work executes. A pluggable scorer
// estimates complexity; the decision rule is policy-directed around a
// configurable threshold, with a hard privacy override: sensitive workloads
// always stay local.
package router

import (
	"fmt"

	"github.com/embermill/conductor/internal/config"
	"github.com/embermill/conductor/internal/power"
	"github.com/embermill/conductor/internal/telemetry"
)

// Mode is the chosen execution strategy.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeHybrid Mode = "hybrid"
)

// hybridBand is the half-width of the score band around the threshold that
// becomes hybrid under the capability-first policy.
const hybridBand = 0.1

// Decision is the immutable routing outcome for one submission.
type Decision struct {
	Score     float64
	Mode      Mode
	Thermal   power.ThermalLevel
	Sensitive bool
}

// Router computes routing decisions. It depends on the Scorer interface only.
type Router struct {
	scorer    Scorer
	threshold float64
	policy    string
	monitor   *power.Monitor
	sink      *telemetry.Sink
}

// New wires a router. The monitor supplies the thermal state captured on
// each decision; the sink records every decision.
func New(scorer Scorer, threshold float64, policy string, monitor *power.Monitor, sink *telemetry.Sink) (*Router, error) {
	if scorer == nil {
		return nil, fmt.Errorf("router: scorer is required")
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("router: threshold %f is outside [0,1]", threshold)
	}
	switch policy {
	case config.PolicyLocalAbove, config.PolicyRemoteAbove:
	default:
		return nil, fmt.Errorf("router: unknown policy %q", policy)
	}
	if monitor == nil {
		return nil, fmt.Errorf("router: power monitor is required")
	}
	return &Router{
		scorer:    scorer,
		threshold: threshold,
		policy:    policy,
		monitor:   monitor,
		sink:      sink,
	}, nil
}

// DetermineMode scores the workload and picks an execution mode. The same
// workload and sensitivity flag always yield the same score and mode.
func (r *Router) DetermineMode(w Workload, containsSensitiveData bool) Decision {
	score := clampScore(r.scorer.Score(w))
	decision := Decision{
		Score:     score,
		Thermal:   r.monitor.Current().Thermal,
		Sensitive: containsSensitiveData,
	}
	switch {
	case containsSensitiveData:
		decision.Mode = ModeLocal
	case r.policy == config.PolicyLocalAbove:
		if score >= r.threshold {
			decision.Mode = ModeLocal
		} else {
			decision.Mode = ModeRemote
		}
	default: // config.PolicyRemoteAbove
		switch {
		case score >= r.threshold-hybridBand && score <= r.threshold+hybridBand:
			decision.Mode = ModeHybrid
		case score > r.threshold:
			decision.Mode = ModeRemote
		default:
			decision.Mode = ModeLocal
		}
	}
	r.sink.RecordRoutingDecision(string(decision.Mode), decision.Score, decision.Thermal.String())
	return decision
}
