// Package fetcher walks the source priority order for one (security, date)
// request: jittered inter-attempt delay, per-source hard timeout, immediate
// same-source retries, validation, first valid record wins.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/riching/hystock/internal/observ"
	"github.com/riching/hystock/internal/sources"
)

// Config holds the orchestration knobs shared by all sources.
type Config struct {
	DelayMin time.Duration // jittered delay before every source call
	DelayMax time.Duration
}

// HealthTracker is the registry surface the orchestrator needs.
type HealthTracker interface {
	CurrentOrder(class sources.Class) []string
	RecordOutcome(name string, class sources.Class, success bool, latency time.Duration)
}

// StatsSink receives one entry per source attempt.
type StatsSink interface {
	RecordAttempt(source string, success bool, latency time.Duration)
}

// Attempt is one failed try against one source, kept for diagnostics.
type Attempt struct {
	Source string
	Err    error
}

// ExhaustedError reports that every enabled source was tried without a valid
// record.
type ExhaustedError struct {
	Code     string
	Date     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all sources exhausted for %s on %s", e.Code, e.Date)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Source, a.Err)
	}
	return b.String()
}

// Orchestrator tries sources in priority order until one yields a valid
// record. Session-scoped sources are logged in lazily before their first call
// and logged out by Close.
type Orchestrator struct {
	config Config
	srcs   map[string]sources.Source
	health HealthTracker
	stats  StatsSink

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	once sync.Once
	err  error
}

func New(config Config, srcs map[string]sources.Source, health HealthTracker, stats StatsSink) *Orchestrator {
	return &Orchestrator{
		config:   config,
		srcs:     srcs,
		health:   health,
		stats:    stats,
		sessions: map[string]*sessionState{},
	}
}

// Fetch returns the first valid record for (code, date) in priority order.
// A non-trading-day answer from any source is definitive: it returns
// sources.ErrNoData immediately and records no outcome. When every source
// fails it returns an *ExhaustedError carrying the per-source reasons.
func (o *Orchestrator) Fetch(ctx context.Context, code, date string, class sources.Class) (*sources.Record, error) {
	var attempts []Attempt

	for _, name := range o.health.CurrentOrder(class) {
		src, ok := o.srcs[name]
		if !ok {
			continue
		}

		tries := src.Retries()
		if tries < 1 {
			tries = 1
		}
		for try := 0; try < tries; try++ {
			if err := o.sleepJitter(ctx); err != nil {
				return nil, err
			}
			if err := o.ensureSession(ctx, src); err != nil {
				o.recordFailure(name, class, 0)
				attempts = append(attempts, Attempt{Source: name, Err: err})
				break // a source whose session will not open is done for this walk
			}

			start := time.Now()
			rec, err := o.call(ctx, src, code, date, class)
			latency := time.Since(start)

			if err == nil {
				if verr := sources.Validate(rec); verr != nil {
					err = sources.NewValidationError(name, code, verr)
				} else {
					rec.Source = name
					o.health.RecordOutcome(name, class, true, latency)
					if o.stats != nil {
						o.stats.RecordAttempt(name, true, latency)
					}
					return rec, nil
				}
			}

			if errors.Is(err, sources.ErrNoData) {
				// Closed market, not a source failure: stop the walk and
				// leave every source's health untouched.
				return nil, sources.ErrNoData
			}

			o.recordFailure(name, class, latency)
			attempts = append(attempts, Attempt{Source: name, Err: err})
			observ.Log("source_attempt_failed", map[string]any{
				"source": name,
				"code":   code,
				"date":   date,
				"try":    try + 1,
				"error":  err.Error(),
			})
		}
	}

	return nil, &ExhaustedError{Code: code, Date: date, Attempts: attempts}
}

func (o *Orchestrator) call(ctx context.Context, src sources.Source, code, date string, class sources.Class) (*sources.Record, error) {
	cctx, cancel := context.WithTimeout(ctx, src.Timeout())
	defer cancel()

	var rec *sources.Record
	var err error
	if class == sources.ClassRealtime {
		rec, err = src.FetchRealtime(cctx, code)
	} else {
		rec, err = src.FetchHistory(cctx, code, date)
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, sources.ErrNoData) {
		return nil, sources.NewTimeoutError(src.Name(), code, err)
	}
	return rec, err
}

func (o *Orchestrator) recordFailure(name string, class sources.Class, latency time.Duration) {
	o.health.RecordOutcome(name, class, false, latency)
	if o.stats != nil {
		o.stats.RecordAttempt(name, false, latency)
	}
}

// sleepJitter pauses for a random duration in [DelayMin, DelayMax], keeping
// per-source request pacing polite.
func (o *Orchestrator) sleepJitter(ctx context.Context) error {
	if o.config.DelayMax <= 0 {
		return ctx.Err()
	}
	d := o.config.DelayMin
	if span := o.config.DelayMax - o.config.DelayMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureSession logs a session source in exactly once across all workers.
func (o *Orchestrator) ensureSession(ctx context.Context, src sources.Source) error {
	ss, ok := src.(sources.SessionSource)
	if !ok {
		return nil
	}

	o.mu.Lock()
	state, ok := o.sessions[src.Name()]
	if !ok {
		state = &sessionState{}
		o.sessions[src.Name()] = state
	}
	o.mu.Unlock()

	state.once.Do(func() {
		state.err = ss.Login(ctx)
		if state.err == nil {
			observ.Log("source_session_opened", map[string]any{"source": src.Name()})
		}
	})
	return state.err
}

// Close logs out every session that was opened, then releases every
// source's idle connections. Safe to call when no session was ever
// acquired.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var first error
	for name, state := range o.sessions {
		if state.err != nil {
			continue // login never succeeded, nothing to release
		}
		ss, ok := o.srcs[name].(sources.SessionSource)
		if !ok {
			continue
		}
		if err := ss.Logout(); err != nil && first == nil {
			first = err
		} else if err == nil {
			observ.Log("source_session_closed", map[string]any{"source": name})
		}
	}
	o.sessions = map[string]*sessionState{}

	for _, src := range o.srcs {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
