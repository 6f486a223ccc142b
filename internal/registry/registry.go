// Package registry tracks which sources serve each data class and how well
// they have been doing it. The orchestrator reads the current priority order
// before every dispatch and reports every outcome back here.
package registry

import (
	"sync"
	"time"

	"github.com/riching/hystock/internal/observ"
	"github.com/riching/hystock/internal/sources"
)

// Profile is the rolling health state of one source for one data class.
type Profile struct {
	Name          string
	Rank          int
	Attempts      int64
	Successes     int64
	SuccessRate   float64 // exponentially decayed
	MeanLatencyMs float64 // exponentially decayed
	Disabled      bool
}

// Config holds the demotion policy knobs.
type Config struct {
	DisableFloor float64 // success rate below this disables a source
	MinSamples   int64   // attempts required before the floor applies
	Alpha        float64 // EWMA decay factor
}

// Registry holds per-class source profiles. All methods are safe for
// concurrent use by the worker pool.
type Registry struct {
	mu       sync.RWMutex
	config   Config
	profiles map[sources.Class][]*Profile
}

func New(config Config) *Registry {
	if config.DisableFloor <= 0 {
		config.DisableFloor = 0.10
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 10
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		config.Alpha = 0.2
	}
	return &Registry{
		config:   config,
		profiles: map[sources.Class][]*Profile{},
	}
}

// Register appends sources for a class in priority order. The static config
// order is the initial (and, absent demotion, permanent) preference order.
func (r *Registry) Register(class sources.Class, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.profiles[class] = append(r.profiles[class], &Profile{
			Name: name,
			Rank: len(r.profiles[class]),
		})
	}
}

// ListSources returns a copy of every profile for a class, in rank order,
// including disabled ones.
func (r *Registry) ListSources(class sources.Class) []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles[class]))
	for _, p := range r.profiles[class] {
		out = append(out, *p)
	}
	return out
}

// CurrentOrder returns the names of enabled sources for a class, in rank
// order. Consistently failing sources drop out until Reset.
func (r *Registry) CurrentOrder(class sources.Class) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.profiles[class] {
		if !p.Disabled {
			out = append(out, p.Name)
		}
	}
	return out
}

// RecordOutcome folds one attempt into the source's rolling stats and applies
// the demotion floor.
func (r *Registry) RecordOutcome(name string, class sources.Class, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.find(name, class)
	if p == nil {
		return
	}

	p.Attempts++
	if success {
		p.Successes++
	}

	x := 0.0
	if success {
		x = 1.0
	}
	ms := float64(latency.Milliseconds())
	if p.Attempts == 1 {
		p.SuccessRate = x
		p.MeanLatencyMs = ms
	} else {
		a := r.config.Alpha
		p.SuccessRate = a*x + (1-a)*p.SuccessRate
		p.MeanLatencyMs = a*ms + (1-a)*p.MeanLatencyMs
	}

	if !p.Disabled && p.Attempts >= r.config.MinSamples && p.SuccessRate < r.config.DisableFloor {
		p.Disabled = true
		observ.Log("source_disabled", map[string]any{
			"source":       name,
			"class":        string(class),
			"success_rate": p.SuccessRate,
			"attempts":     p.Attempts,
		})
	}
}

// Reset re-enables a source and clears its rolling stats, keeping its rank.
func (r *Registry) Reset(name string, class sources.Class) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.find(name, class)
	if p == nil {
		return
	}
	p.Attempts = 0
	p.Successes = 0
	p.SuccessRate = 0
	p.MeanLatencyMs = 0
	p.Disabled = false
	observ.Log("source_reset", map[string]any{"source": name, "class": string(class)})
}

func (r *Registry) find(name string, class sources.Class) *Profile {
	for _, p := range r.profiles[class] {
		if p.Name == name {
			return p
		}
	}
	return nil
}
