package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/riching/hystock/internal/config"
	"github.com/riching/hystock/internal/fetcher"
	"github.com/riching/hystock/internal/market"
	"github.com/riching/hystock/internal/observ"
	"github.com/riching/hystock/internal/pool"
	"github.com/riching/hystock/internal/registry"
	"github.com/riching/hystock/internal/report"
	"github.com/riching/hystock/internal/sources"
	"github.com/riching/hystock/internal/stats"
	"github.com/riching/hystock/internal/store"
)

func main() {
	var cfgPath string
	var dbPath string
	var date string
	var class string
	var codesCSV string
	var limit int
	var workers int
	var clean bool
	flag.StringVar(&cfgPath, "config", "config/crawler.yaml", "config path")
	flag.StringVar(&dbPath, "db", "", "database path (overrides config)")
	flag.StringVar(&date, "date", "", "trading date YYYY-MM-DD (default: today in Asia/Shanghai)")
	flag.StringVar(&class, "class", "historical", "source class: realtime or historical")
	flag.StringVar(&codesCSV, "codes", "", "comma-separated security codes (default: stock_list table)")
	flag.IntVar(&limit, "limit", 0, "crawl at most N codes (0 = all)")
	flag.IntVar(&workers, "workers", 0, "worker count (overrides config)")
	flag.BoolVar(&clean, "clean", false, "delete existing rows for the date before crawling")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Default()
	}
	if dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if workers > 0 {
		cfg.Pool.Workers = workers
	}
	if date == "" {
		date = sources.TradingDate(time.Now())
	}
	srcClass := sources.Class(class)
	if srcClass != sources.ClassRealtime && srcClass != sources.ClassHistorical {
		log.Fatalf("unknown class %q", class)
	}

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	codes, err := resolveCodes(ctx, st, codesCSV)
	if err != nil {
		log.Fatalf("resolve codes: %v", err)
	}
	if limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	if len(codes) == 0 {
		log.Fatal("nothing to crawl: pass -codes or seed the stock_list table")
	}

	if clean {
		n, err := st.CleanDate(ctx, date)
		if err != nil {
			log.Fatalf("clean date: %v", err)
		}
		observ.Log("date_cleaned", map[string]any{"date": date, "rows": n})
	}

	srcs, order, err := sources.FromConfig(cfg.Sources)
	if err != nil {
		log.Fatalf("build sources: %v", err)
	}
	if len(order[srcClass]) == 0 {
		log.Fatalf("no enabled source serves class %q", class)
	}

	reg := registry.New(registry.Config{
		DisableFloor: cfg.Health.DisableFloor,
		MinSamples:   int64(cfg.Health.MinSamples),
		Alpha:        cfg.Health.Alpha,
	})
	for cls, names := range order {
		reg.Register(cls, names...)
	}

	agg := stats.New()
	orch := fetcher.New(fetcher.Config{
		DelayMin: time.Duration(cfg.Fetch.DelayMinMs) * time.Millisecond,
		DelayMax: time.Duration(cfg.Fetch.DelayMaxMs) * time.Millisecond,
	}, srcs, reg, agg)
	defer orch.Close()

	var failures pool.FailureSink
	if cfg.FailureLogPath != "" {
		flog, err := report.New(cfg.FailureLogPath)
		if err != nil {
			log.Fatalf("open failure log: %v", err)
		}
		defer flog.Close()
		failures = flog
	}

	p := pool.New(pool.Config{
		Workers:     cfg.Pool.Workers,
		MaxCalls:    cfg.Pool.MaxCalls,
		MaxAttempts: cfg.Pool.MaxAttempts,
		Class:       srcClass,
		Date:        date,
	}, orch, st, agg, failures)

	observ.Log("crawl_started", map[string]any{
		"date": date, "class": class, "codes": len(codes), "workers": cfg.Pool.Workers,
	})
	p.Enqueue(codes)
	if err := p.Run(ctx); err != nil {
		observ.Log("crawl_interrupted", map[string]any{"error": err.Error()})
	}

	snap := agg.Snapshot()
	fmt.Print(snap.Render())
	if snap.PermanentFailures > 0 {
		os.Exit(1)
	}
}

// resolveCodes validates an explicit -codes list, or falls back to the
// persisted universe.
func resolveCodes(ctx context.Context, st *store.Store, codesCSV string) ([]string, error) {
	if codesCSV == "" {
		return st.ListCodes(ctx)
	}
	var codes []string
	for _, raw := range strings.Split(codesCSV, ",") {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		if _, err := market.Prefix(code); err != nil {
			return nil, fmt.Errorf("code %q: %w", code, err)
		}
		codes = append(codes, code)
	}
	// Remember explicit codes so later runs can use the stored universe.
	if err := st.SeedCodes(ctx, codes); err != nil {
		return nil, err
	}
	return codes, nil
}
