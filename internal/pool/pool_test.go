package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riching/hystock/internal/fetcher"
	"github.com/riching/hystock/internal/registry"
	"github.com/riching/hystock/internal/report"
	"github.com/riching/hystock/internal/sources"
	"github.com/riching/hystock/internal/stats"
	"github.com/riching/hystock/internal/store"
)

const testDate = "2026-02-13"

type rig struct {
	store    *store.Store
	stats    *stats.Aggregator
	registry *registry.Registry
	orch     *fetcher.Orchestrator
}

func newRig(t *testing.T, srcs ...sources.Source) *rig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	require.NoError(t, st.InitSchema(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg := registry.New(registry.Config{MinSamples: 1 << 30})
	byName := make(map[string]sources.Source, len(srcs))
	names := make([]string, 0, len(srcs))
	for _, s := range srcs {
		byName[s.Name()] = s
		names = append(names, s.Name())
	}
	reg.Register(sources.ClassHistorical, names...)

	agg := stats.New()
	orch := fetcher.New(fetcher.Config{}, byName, reg, agg)
	t.Cleanup(func() { orch.Close() })

	return &rig{store: st, stats: agg, registry: reg, orch: orch}
}

func (r *rig) pool(cfg Config, failures FailureSink) *Pool {
	cfg.Class = sources.ClassHistorical
	if cfg.Date == "" {
		cfg.Date = testDate
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	return New(cfg, r.orch, r.store, r.stats, failures)
}

func (r *rig) committedRows(t *testing.T, date string) []sources.Record {
	t.Helper()
	sess, err := r.store.Session(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	recs, err := sess.Query(context.Background(), "", date, date)
	require.NoError(t, err)
	return recs
}

func sourceSummary(t *testing.T, snap stats.Snapshot, name string) stats.SourceSummary {
	t.Helper()
	for _, s := range snap.Sources {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no stats recorded for source %q", name)
	return stats.SourceSummary{}
}

func TestRunCommitsAllCodesAcrossFallback(t *testing.T) {
	primary := sources.NewMock("primary")
	backup := sources.NewMock("backup")
	// primary serves everything except 600519, which only backup has.
	primary.Fail("600519", sources.NewTransportError("primary", "600519", "connection reset", nil))
	r := newRig(t, primary, backup)

	p := r.pool(Config{}, nil)
	p.Enqueue([]string{"000001", "600519", "000858"})
	require.NoError(t, p.Run(context.Background()))

	rows := r.committedRows(t, testDate)
	require.Len(t, rows, 3)
	bySource := map[string]int{}
	for _, rec := range rows {
		bySource[rec.Source]++
	}
	assert.Equal(t, 2, bySource["primary"])
	assert.Equal(t, 1, bySource["backup"])

	snap := r.stats.Snapshot()
	assert.EqualValues(t, 3, snap.Committed)
	assert.Zero(t, snap.PermanentFailures)

	prim := sourceSummary(t, snap, "primary")
	assert.EqualValues(t, 2, prim.Successes)
	assert.EqualValues(t, 3, prim.Attempts, "the 600519 miss counts against primary")
	back := sourceSummary(t, snap, "backup")
	assert.EqualValues(t, 1, back.Successes)
	assert.EqualValues(t, 1, back.Attempts)
}

func TestRequeueCeiling(t *testing.T) {
	dead := sources.NewMock("dead")
	dead.Fail("600519", sources.NewTransportError("dead", "600519", "down", nil))
	r := newRig(t, dead)

	logPath := filepath.Join(t.TempDir(), "failed.jsonl")
	flog, err := report.New(logPath)
	require.NoError(t, err)
	defer flog.Close()

	p := r.pool(Config{Workers: 1, MaxAttempts: 3}, flog)
	p.Enqueue([]string{"600519"})
	require.NoError(t, p.Run(context.Background()))

	snap := r.stats.Snapshot()
	assert.EqualValues(t, 2, snap.Requeued, "a ceiling of 3 allows exactly two requeues")
	assert.EqualValues(t, 1, snap.PermanentFailures)
	assert.Zero(t, snap.Committed)
	assert.Equal(t, 3, dead.CallCount("600519"))

	failures, err := report.List(logPath)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "600519", failures[0].Code)
	assert.Equal(t, 3, failures[0].Attempts)

	sess, err := r.store.Session(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	status, err := sess.GetStatus(context.Background(), "600519")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "failed", status.Status)
}

func TestNoDataIsTerminal(t *testing.T) {
	src := sources.NewMock("only")
	src.NoData("920001")
	r := newRig(t, src)

	p := r.pool(Config{Workers: 1}, nil)
	p.Enqueue([]string{"920001"})
	require.NoError(t, p.Run(context.Background()))

	snap := r.stats.Snapshot()
	assert.EqualValues(t, 1, snap.NoData)
	assert.Zero(t, snap.Requeued, "no-data answers are never retried")
	assert.Zero(t, snap.PermanentFailures)
	assert.Equal(t, 1, src.CallCount("920001"))

	sess, err := r.store.Session(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	status, err := sess.GetStatus(context.Background(), "920001")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "no_data", status.Status)
}

// slowCodeSource delays fetches for one scripted code so tests can pin
// an item to one worker while the others race ahead.
type slowCodeSource struct {
	*sources.Mock
	code  string
	delay time.Duration
}

func (s *slowCodeSource) FetchHistory(ctx context.Context, code, date string) (*sources.Record, error) {
	if code == s.code {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Mock.FetchHistory(ctx, code, date)
}

func TestBudgetSpentWorkerStopsConsuming(t *testing.T) {
	src := &slowCodeSource{Mock: sources.NewMock("only"), code: "600519", delay: 150 * time.Millisecond}
	r := newRig(t, src)

	// Two workers, budget two each, four items. Whichever worker is
	// stuck on the slow code still has budget for the fourth item; a
	// worker that spent its budget must leave that item alone instead
	// of winning it and failing it.
	p := r.pool(Config{Workers: 2, MaxCalls: 2}, nil)
	p.Enqueue([]string{"600519", "000001", "000002", "000003"})
	require.NoError(t, p.Run(context.Background()))

	snap := r.stats.Snapshot()
	assert.EqualValues(t, 4, snap.Committed)
	assert.Zero(t, snap.PermanentFailures)
	assert.Len(t, r.committedRows(t, testDate), 4)
}

func TestRequeueIntoClosedQueueStillFails(t *testing.T) {
	dead := sources.NewMock("dead")
	dead.Fail("600519", sources.NewTransportError("dead", "600519", "down", nil))
	r := newRig(t, dead)

	logPath := filepath.Join(t.TempDir(), "failed.jsonl")
	flog, err := report.New(logPath)
	require.NoError(t, err)
	defer flog.Close()

	// Drive process directly with the queue already closed, the window
	// a mid-flight shutdown leaves: the retry cannot re-enter the
	// queue, so the item must reach the permanent-failure path instead
	// of leaking its drain reference.
	p := r.pool(Config{Workers: 1, MaxAttempts: 3}, flog)
	require.True(t, p.queue.Push(Item{Code: "600519", Date: testDate}))
	it, ok := p.queue.Get()
	require.True(t, ok)
	p.queue.Close()

	sess, err := r.store.Session(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	p.process(context.Background(), sess, it)

	snap := r.stats.Snapshot()
	assert.Zero(t, snap.Requeued)
	assert.EqualValues(t, 1, snap.PermanentFailures)
	assert.Zero(t, p.queue.Outstanding(), "the push reference must be released")

	failures, err := report.List(logPath)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "600519", failures[0].Code)
}

func TestWorkerCallBudget(t *testing.T) {
	src := sources.NewMock("only")
	r := newRig(t, src)

	p := r.pool(Config{Workers: 1, MaxCalls: 2}, nil)
	p.Enqueue([]string{"000001", "000002", "000003"})
	require.NoError(t, p.Run(context.Background()))

	snap := r.stats.Snapshot()
	assert.EqualValues(t, 2, snap.Committed)
	assert.EqualValues(t, 1, snap.PermanentFailures, "the over-budget item is abandoned, not retried")
	assert.Zero(t, snap.Requeued)
}

func TestRunStopsOnCancel(t *testing.T) {
	slow := sources.NewMock("slow")
	slow.SetDelay(20 * time.Millisecond)
	r := newRig(t, slow)

	codes := make([]string, 50)
	for i := range codes {
		codes[i] = "000001"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := r.pool(Config{Workers: 2}, nil)
	p.Enqueue(codes)

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = p.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, runErr, context.Canceled)
	snap := r.stats.Snapshot()
	// Everything enqueued reaches a terminal outcome one way or the other.
	assert.EqualValues(t, len(codes), snap.Committed+snap.PermanentFailures+snap.NoData)
}

func TestConcurrentWorkersCommitDistinctCodes(t *testing.T) {
	src := sources.NewMock("only")
	r := newRig(t, src)

	codes := []string{"000001", "000002", "000003", "000004", "000005", "000006", "000007", "000008"}
	p := r.pool(Config{Workers: 4}, nil)
	p.Enqueue(codes)
	require.NoError(t, p.Run(context.Background()))

	rows := r.committedRows(t, testDate)
	assert.Len(t, rows, len(codes))
	assert.EqualValues(t, len(codes), r.stats.Snapshot().Committed)
}
