package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/riching/hystock/internal/sources"
	"github.com/riching/hystock/internal/store"
)

// checkupdate reports whether a trading date's crawl covered enough of
// the stock universe. Exit code 0 means coverage met the threshold.
func main() {
	var dbPath string
	var date string
	var threshold float64
	var quiet bool
	flag.StringVar(&dbPath, "db", "data/stock_cache.db", "database path")
	flag.StringVar(&date, "date", "", "trading date YYYY-MM-DD (default: today in Asia/Shanghai)")
	flag.Float64Var(&threshold, "threshold", 0.95, "required coverage ratio")
	flag.BoolVar(&quiet, "quiet", false, "suppress the report line")
	flag.Parse()

	if date == "" {
		date = sources.TradingDate(time.Now())
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	total, updated, err := st.Coverage(context.Background(), date)
	if err != nil {
		log.Fatalf("coverage query: %v", err)
	}
	if total == 0 {
		log.Fatalf("stock_list is empty: crawl with -codes first")
	}

	ratio := float64(updated) / float64(total)
	ok := ratio >= threshold
	if !quiet {
		verdict := "FAILED"
		if ok {
			verdict = "SUCCESS"
		}
		fmt.Printf("%s %s: %d/%d updated (%.1f%%, threshold %.1f%%)\n",
			verdict, date, updated, total, ratio*100, threshold*100)
	}
	if !ok {
		os.Exit(1)
	}
}
