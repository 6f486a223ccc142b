package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riching/hystock/internal/registry"
	"github.com/riching/hystock/internal/sources"
)

type sinkEntry struct {
	source  string
	success bool
}

type fakeSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

func (f *fakeSink) RecordAttempt(source string, success bool, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, sinkEntry{source, success})
}

func (f *fakeSink) all() []sinkEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func newTestRig(srcs ...sources.Source) (*Orchestrator, *registry.Registry, *fakeSink) {
	reg := registry.New(registry.Config{MinSamples: 1 << 30})
	m := map[string]sources.Source{}
	names := make([]string, 0, len(srcs))
	for _, s := range srcs {
		m[s.Name()] = s
		names = append(names, s.Name())
	}
	reg.Register(sources.ClassHistorical, names...)
	sink := &fakeSink{}
	o := New(Config{}, m, reg, sink)
	return o, reg, sink
}

func TestFetchFirstValidWins(t *testing.T) {
	a := sources.NewMock("a")
	b := sources.NewMock("b")
	c := sources.NewMock("c")
	a.Fail("600519", nil)
	o, reg, _ := newTestRig(a, b, c)

	rec, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Source != "b" {
		t.Errorf("source = %q, want b (first success in priority order)", rec.Source)
	}
	if n := c.CallCount("600519"); n != 0 {
		t.Errorf("c was called %d times; the walk must stop at the first valid record", n)
	}

	profiles := reg.ListSources(sources.ClassHistorical)
	if profiles[0].Attempts != 1 || profiles[0].Successes != 0 {
		t.Errorf("a profile = %+v, want one failed attempt", profiles[0])
	}
	if profiles[1].Attempts != 1 || profiles[1].Successes != 1 {
		t.Errorf("b profile = %+v, want one success", profiles[1])
	}
}

func TestFetchAllFailReturnsExhausted(t *testing.T) {
	a := sources.NewMock("a")
	b := sources.NewMock("b")
	a.Fail("600519", nil)
	b.Fail("600519", nil)
	o, _, sink := newTestRig(a, b)

	_, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(ex.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2 (one per source, default single try)", len(ex.Attempts))
	}
	if ex.Attempts[0].Source != "a" || ex.Attempts[1].Source != "b" {
		t.Errorf("attempt order wrong: %+v", ex.Attempts)
	}
	for _, e := range sink.all() {
		if e.success {
			t.Errorf("no attempt should be a success: %+v", e)
		}
	}
}

func TestFetchNoDataIsDefinitive(t *testing.T) {
	a := sources.NewMock("a")
	b := sources.NewMock("b")
	a.NoData("600519")
	o, reg, sink := newTestRig(a, b)

	_, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	if !errors.Is(err, sources.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if n := b.CallCount("600519"); n != 0 {
		t.Errorf("b was invoked %d times after a definitive no-data answer", n)
	}
	// A closed market is nobody's fault: no outcome recorded anywhere.
	if len(sink.all()) != 0 {
		t.Errorf("stats recorded %d attempts, want 0", len(sink.all()))
	}
	for _, p := range reg.ListSources(sources.ClassHistorical) {
		if p.Attempts != 0 {
			t.Errorf("%s has %d attempts recorded, want 0", p.Name, p.Attempts)
		}
	}
}

func TestFetchRejectsImplausibleRecord(t *testing.T) {
	bad := newScriptedSource("bad", &sources.Record{
		Code: "600519", Date: "2026-02-13",
		High: fp(9), Low: fp(10), Close: 9.5, // high < low
	})
	good := sources.NewMock("good")
	o, reg, _ := newTestRig(bad, good)

	rec, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Source != "good" {
		t.Errorf("source = %q, want good", rec.Source)
	}
	if p := reg.ListSources(sources.ClassHistorical)[0]; p.Successes != 0 || p.Attempts != 1 {
		t.Errorf("validation failure must count against the source: %+v", p)
	}
}

func TestFetchRetriesSameSource(t *testing.T) {
	flaky := sources.NewMock("flaky")
	flaky.FailTimes("600519", 2)
	flaky.SetRetries(3)
	o, _, _ := newTestRig(flaky)

	rec, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Source != "flaky" {
		t.Errorf("source = %q", rec.Source)
	}
	if n := flaky.CallCount("600519"); n != 3 {
		t.Errorf("called %d times, want 3 (two immediate retries)", n)
	}
}

func TestFetchTimeoutMovesOn(t *testing.T) {
	slow := sources.NewMock("slow")
	slow.SetDelay(100 * time.Millisecond)
	slow.SetTimeout(10 * time.Millisecond)
	fast := sources.NewMock("fast")
	o, _, _ := newTestRig(slow, fast)

	rec, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Source != "fast" {
		t.Errorf("source = %q, want fast", rec.Source)
	}
}

func TestFetchSkipsDisabledSources(t *testing.T) {
	dead := sources.NewMock("dead")
	dead.Fail("600519", nil)
	alive := sources.NewMock("alive")

	reg := registry.New(registry.Config{DisableFloor: 0.10, MinSamples: 3})
	reg.Register(sources.ClassHistorical, "dead", "alive")
	o := New(Config{}, map[string]sources.Source{"dead": dead, "alive": alive}, reg, &fakeSink{})

	for i := 0; i < 5; i++ {
		if _, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	// After three failures dead is demoted and stops burning retry budget.
	if n := dead.CallCount("600519"); n != 3 {
		t.Errorf("dead called %d times, want 3", n)
	}
	if n := alive.CallCount("600519"); n != 5 {
		t.Errorf("alive called %d times, want 5", n)
	}
}

func TestSessionBracket(t *testing.T) {
	sess := sources.NewSessionMock("baostock")
	o, _, _ := newTestRig(sess)
	ctx := context.Background()

	for _, code := range []string{"600519", "000001", "000858"} {
		if _, err := o.Fetch(ctx, code, "2026-02-13", sources.ClassHistorical); err != nil {
			t.Fatalf("Fetch(%s): %v", code, err)
		}
	}
	if sess.Logins() != 1 {
		t.Errorf("logins = %d, want 1 (session spans the batch)", sess.Logins())
	}
	if sess.Logouts() != 0 {
		t.Errorf("logouts = %d before Close", sess.Logouts())
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.Logouts() != 1 {
		t.Errorf("logouts = %d after Close, want 1", sess.Logouts())
	}
}

func TestSessionLoginFailureFallsThrough(t *testing.T) {
	sess := sources.NewSessionMock("baostock")
	sess.FailLogin(errors.New("auth down"))
	backup := sources.NewMock("backup")
	o, _, _ := newTestRig(sess, backup)

	rec, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Source != "backup" {
		t.Errorf("source = %q, want backup", rec.Source)
	}
	if n := sess.CallCount("600519"); n != 0 {
		t.Errorf("session source fetched %d times without a session", n)
	}
	// Close must not log out a session that never opened.
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.Logouts() != 0 {
		t.Errorf("logouts = %d, want 0", sess.Logouts())
	}
}

func TestCloseReleasesSources(t *testing.T) {
	a := sources.NewMock("a")
	b := sources.NewMock("b")
	o, _, _ := newTestRig(a, b)

	if _, err := o.Fetch(context.Background(), "600519", "2026-02-13", sources.ClassHistorical); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.CloseCount() != 1 || b.CloseCount() != 1 {
		t.Errorf("sources not released: a=%d b=%d, want 1 each", a.CloseCount(), b.CloseCount())
	}
}

func TestFetchCancelledContext(t *testing.T) {
	src := sources.NewMock("a")
	reg := registry.New(registry.Config{})
	reg.Register(sources.ClassHistorical, "a")
	o := New(Config{DelayMin: 10 * time.Millisecond, DelayMax: 20 * time.Millisecond},
		map[string]sources.Source{"a": src}, reg, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Fetch(ctx, "600519", "2026-02-13", sources.ClassHistorical); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func fp(v float64) *float64 { return &v }

// scriptedSource returns a fixed record for every fetch.
type scriptedSource struct {
	*sources.Mock
	rec *sources.Record
}

func newScriptedSource(name string, rec *sources.Record) *scriptedSource {
	return &scriptedSource{Mock: sources.NewMock(name), rec: rec}
}

func (s *scriptedSource) FetchHistory(ctx context.Context, code, date string) (*sources.Record, error) {
	if _, err := s.Mock.FetchHistory(ctx, code, date); err != nil {
		return nil, err
	}
	r := *s.rec
	return &r, nil
}
