package sources

import "time"

// Mainland exchanges publish dates in Beijing time regardless of where the
// pipeline runs.
var beijing = time.FixedZone("CST", 8*3600)

// TradingDate formats t as the exchange-local calendar date.
func TradingDate(t time.Time) string {
	return t.In(beijing).Format("2006-01-02")
}

// userAgent returns the request User-Agent, rotated per call.
func userAgent() string {
	agents := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
	return agents[time.Now().UnixNano()%int64(len(agents))]
}
