package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/riching/hystock/internal/observ"
	"github.com/riching/hystock/internal/report"
	"github.com/riching/hystock/internal/sources"
	"github.com/riching/hystock/internal/store"
)

// Fetcher resolves one (code, date) request across the source fallback
// chain. Satisfied by *fetcher.Orchestrator.
type Fetcher interface {
	Fetch(ctx context.Context, code, date string, class sources.Class) (*sources.Record, error)
}

// Counters receives terminal item outcomes. Satisfied by
// *stats.Aggregator.
type Counters interface {
	AddCommitted()
	AddNoData()
	AddRequeued()
	AddPermanentFailure()
}

// FailureSink records items that gave up. Satisfied by
// *report.FailureLog; may be nil.
type FailureSink interface {
	Write(f report.Failure) error
}

type Config struct {
	Workers     int
	MaxCalls    int // per-worker fetch budget, 0 means unlimited
	MaxAttempts int // attempt ceiling per item before it is abandoned
	Class       sources.Class
	Date        string
}

// Pool fans enqueued codes out to workers, each holding its own
// database session and fetch budget.
type Pool struct {
	config   Config
	fetcher  Fetcher
	store    *store.Store
	counters Counters
	failures FailureSink
	queue    *Queue

	mu      sync.Mutex
	capable int // workers still able to process items
}

func New(config Config, f Fetcher, st *store.Store, counters Counters, failures FailureSink) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Pool{
		config:   config,
		fetcher:  f,
		store:    st,
		counters: counters,
		failures: failures,
		queue:    NewQueue(),
	}
}

// Enqueue adds one item per code for the run's date.
func (p *Pool) Enqueue(codes []string) {
	for _, code := range codes {
		if !p.queue.Push(Item{Code: code, Date: p.config.Date}) {
			observ.Log("enqueue_rejected", map[string]any{"code": code, "date": p.config.Date})
		}
	}
}

// Run processes the queue until every item reaches a terminal outcome
// or ctx is cancelled. It blocks until all workers have stopped.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	p.capable = p.config.Workers
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.queue.Join()
		close(drained)
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	select {
	case <-drained:
	case <-ctx.Done():
	}
	p.queue.Close()
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context, id int) {
	sess, err := p.store.Session(ctx)
	if err != nil {
		observ.Log("worker_session_failed", map[string]any{"worker": id, "error": err.Error()})
		p.retire(id, "no database session")
		return
	}
	defer sess.Close()

	calls := 0
	for {
		if p.config.MaxCalls > 0 && calls >= p.config.MaxCalls {
			observ.Log("worker_budget_spent", map[string]any{"worker": id, "calls": calls})
			p.retire(id, "worker call budget exhausted")
			return
		}
		it, ok := p.queue.Get()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			p.fail(it, "run cancelled")
			continue
		}
		calls++
		p.process(ctx, sess, it)
	}
}

// retire takes a worker out of the processing set without touching the
// queue, so items it would have won go to workers that can still serve
// them. The last worker out stays behind and fails whatever is left;
// otherwise the drain barrier would never come down.
func (p *Pool) retire(id int, reason string) {
	p.mu.Lock()
	p.capable--
	last := p.capable <= 0
	p.mu.Unlock()
	if !last {
		return
	}
	for {
		it, ok := p.queue.Get()
		if !ok {
			return
		}
		p.fail(it, reason)
	}
}

func (p *Pool) process(ctx context.Context, sess *store.Session, it Item) {
	rec, err := p.fetcher.Fetch(ctx, it.Code, it.Date, p.config.Class)
	switch {
	case err == nil:
		if _, err := sess.CommitRecord(ctx, rec); err != nil {
			observ.Log("commit_failed", map[string]any{"code": it.Code, "date": it.Date, "error": err.Error()})
			p.fail(it, "storage failure: "+err.Error())
			return
		}
		p.counters.AddCommitted()
		p.queue.Done()

	case errors.Is(err, sources.ErrNoData):
		// A definitive no-data answer; remember it so the item is not
		// retried on the next run.
		if err := sess.MarkNoData(ctx, it.Code); err != nil {
			observ.Log("mark_no_data_failed", map[string]any{"code": it.Code, "error": err.Error()})
		}
		p.counters.AddNoData()
		p.queue.Done()

	default:
		if ctx.Err() != nil {
			p.fail(it, "run cancelled")
			return
		}
		next := it.Attempts + 1
		if next < p.config.MaxAttempts {
			if p.queue.Requeue(Item{Code: it.Code, Date: it.Date, Attempts: next}) {
				observ.Log("item_requeued", map[string]any{"code": it.Code, "date": it.Date, "attempt": next})
				p.counters.AddRequeued()
				return
			}
			// The queue closed for shutdown between the fetch and the
			// retry; the item still owes a terminal outcome.
			p.fail(Item{Code: it.Code, Date: it.Date, Attempts: next}, "run cancelled before retry")
			return
		}
		if markErr := sess.MarkStatus(ctx, it.Code, "failed"); markErr != nil {
			observ.Log("mark_failed_failed", map[string]any{"code": it.Code, "error": markErr.Error()})
		}
		p.fail(Item{Code: it.Code, Date: it.Date, Attempts: next}, err.Error())
	}
}

func (p *Pool) fail(it Item, reason string) {
	observ.Log("item_failed", map[string]any{
		"code": it.Code, "date": it.Date, "attempts": it.Attempts, "reason": reason,
	})
	if p.failures != nil {
		if err := p.failures.Write(report.Failure{
			Code: it.Code, Date: it.Date, Attempts: it.Attempts, Reason: reason,
		}); err != nil {
			observ.Log("failure_log_write_failed", map[string]any{"code": it.Code, "error": err.Error()})
		}
	}
	p.counters.AddPermanentFailure()
	p.queue.Done()
}
