package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riching/hystock/internal/observ"
)

type sourceStats struct {
	attempts     int64
	successes    int64
	totalLatency time.Duration
}

// Aggregator collects per-source attempt outcomes and run-level item
// counters. All methods are safe for concurrent use by workers.
type Aggregator struct {
	mu        sync.Mutex
	sources   map[string]*sourceStats
	committed int64
	noData    int64
	requeued  int64
	permanent int64
	started   time.Time
}

func New() *Aggregator {
	return &Aggregator{sources: make(map[string]*sourceStats), started: time.Now()}
}

// RecordAttempt tallies one call against a source, successful or not.
func (a *Aggregator) RecordAttempt(source string, success bool, latency time.Duration) {
	a.mu.Lock()
	st, ok := a.sources[source]
	if !ok {
		st = &sourceStats{}
		a.sources[source] = st
	}
	st.attempts++
	st.totalLatency += latency
	if success {
		st.successes++
	}
	a.mu.Unlock()

	observ.IncCounter("source_attempts_total", map[string]string{
		"source": source, "success": fmt.Sprintf("%t", success),
	})
	observ.RecordDuration("source_latency", latency, map[string]string{"source": source})
}

func (a *Aggregator) AddCommitted() {
	a.mu.Lock()
	a.committed++
	a.mu.Unlock()
	observ.IncCounter("items_committed_total", nil)
}

func (a *Aggregator) AddNoData() {
	a.mu.Lock()
	a.noData++
	a.mu.Unlock()
	observ.IncCounter("items_no_data_total", nil)
}

func (a *Aggregator) AddRequeued() {
	a.mu.Lock()
	a.requeued++
	a.mu.Unlock()
	observ.IncCounter("items_requeued_total", nil)
}

func (a *Aggregator) AddPermanentFailure() {
	a.mu.Lock()
	a.permanent++
	a.mu.Unlock()
	observ.IncCounter("items_failed_total", nil)
}

// SourceSummary is one source's aggregate view of a run.
type SourceSummary struct {
	Name          string
	Attempts      int64
	Successes     int64
	SuccessRate   float64
	MeanLatencyMs float64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Sources           []SourceSummary
	Committed         int64
	NoData            int64
	Requeued          int64
	PermanentFailures int64
	Elapsed           time.Duration
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Committed:         a.committed,
		NoData:            a.noData,
		Requeued:          a.requeued,
		PermanentFailures: a.permanent,
		Elapsed:           time.Since(a.started),
	}
	for name, st := range a.sources {
		s := SourceSummary{Name: name, Attempts: st.attempts, Successes: st.successes}
		if st.attempts > 0 {
			s.SuccessRate = float64(st.successes) / float64(st.attempts)
			s.MeanLatencyMs = float64(st.totalLatency.Milliseconds()) / float64(st.attempts)
		}
		snap.Sources = append(snap.Sources, s)
	}
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Name < snap.Sources[j].Name })
	return snap
}

// Render formats the snapshot as the end-of-run summary.
func (s Snapshot) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "crawl finished in %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "  committed=%d no_data=%d requeued=%d failed=%d\n",
		s.Committed, s.NoData, s.Requeued, s.PermanentFailures)
	for _, src := range s.Sources {
		fmt.Fprintf(&b, "  source %-10s attempts=%-4d success_rate=%.2f mean_latency=%.0fms\n",
			src.Name, src.Attempts, src.SuccessRate, src.MeanLatencyMs)
	}
	return b.String()
}
