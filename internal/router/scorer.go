package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Workload is the static view of a submitted unit of work the router scores.
// It carries no execution state; identical workloads must score identically.
type Workload struct {
	ID          string
	Name        string
	Description string
	Steps       int
	Metadata    map[string]string
}

// Scorer estimates workload complexity in [0,1]. Implementations must be
// deterministic: no clocks, no randomness.
type Scorer interface {
	Score(w Workload) float64
}

// Registry maintains known scorers by id. The router depends only on the
// Scorer interface, never on a concrete implementation.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scorers: map[string]Scorer{}}
}

// Register installs a scorer. Returns an error if the ID already exists.
func (r *Registry) Register(id string, scorer Scorer) error {
	if id == "" {
		return fmt.Errorf("router: scorer id is required")
	}
	if scorer == nil {
		return fmt.Errorf("router: scorer is required for %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scorers[id]; exists {
		return fmt.Errorf("router: scorer %s already registered", id)
	}
	r.scorers[id] = scorer
	return nil
}

// Resolve returns the scorer registered under id.
func (r *Registry) Resolve(id string) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scorer, ok := r.scorers[id]
	if !ok {
		return nil, fmt.Errorf("router: unknown scorer %s", id)
	}
	return scorer, nil
}

// IDs returns a sorted list of registered scorer identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scorers))
	for id := range r.scorers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// complexityMarkers are phrases whose presence indicates a harder workload.
var complexityMarkers = []string{
	"analyze",
	"summarize",
	"generate",
	"translate",
	"compare",
	"plan",
	"multi-step",
	"research",
}

// HeuristicScorer scores from static features: a length proxy over the
// description plus the presence of complexity-indicating markers. Length
// contributes up to 0.5; each distinct marker adds 0.15, also capped at 0.5.
type HeuristicScorer struct{}

// Score implements Scorer.
func (HeuristicScorer) Score(w Workload) float64 {
	text := strings.ToLower(strings.TrimSpace(w.Name + " " + w.Description))
	lengthScore := float64(len(text)) / 400
	if lengthScore > 0.5 {
		lengthScore = 0.5
	}
	var markerScore float64
	for _, marker := range complexityMarkers {
		if strings.Contains(text, marker) {
			markerScore += 0.15
		}
	}
	if markerScore > 0.5 {
		markerScore = 0.5
	}
	stepScore := float64(w.Steps) * 0.05
	if stepScore > 0.3 {
		stepScore = 0.3
	}
	return clampScore(lengthScore + markerScore + stepScore)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
