package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/riching/hystock/internal/market"
)

// TencentConfig holds configuration for the Tencent Securities source.
type TencentConfig struct {
	BaseURL            string
	TimeoutSeconds     int
	Retries            int
	RateLimitPerMinute int
}

// Tencent fetches realtime quotes from the qt.gtimg.cn text protocol. It has
// no daily-history endpoint here, so it only serves the realtime class.
type Tencent struct {
	config      TencentConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewTencent(config TencentConfig) *Tencent {
	if config.BaseURL == "" {
		config.BaseURL = "https://qt.gtimg.cn"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 15
	}
	if config.Retries <= 0 {
		config.Retries = 2
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	return &Tencent{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}
}

func (tc *Tencent) Name() string           { return "tencent" }
func (tc *Tencent) Timeout() time.Duration { return time.Duration(tc.config.TimeoutSeconds) * time.Second }
func (tc *Tencent) Retries() int           { return tc.config.Retries }
func (tc *Tencent) Close() error           { tc.httpClient.CloseIdleConnections(); return nil }

func (tc *Tencent) FetchRealtime(ctx context.Context, code string) (*Record, error) {
	symbol, err := market.Qualified(code)
	if err != nil {
		return nil, NewParseError(tc.Name(), code, "bad code", err)
	}
	u := fmt.Sprintf("%s/q=%s", tc.config.BaseURL, symbol)

	if err := tc.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTimeoutError(tc.Name(), code, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewTransportError(tc.Name(), code, "building request", err)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(tc.Name(), code, err)
		}
		return nil, NewTransportError(tc.Name(), code, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewTransportError(tc.Name(), code, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(tc.Name(), code, "reading body", err)
	}
	return parseGtimgLine(code, string(body))
}

// parseGtimgLine decodes one `v_shXXXXXX="1~name~code~..."` line, fields
// separated by '~'.
func parseGtimgLine(code, line string) (*Record, error) {
	start := strings.Index(line, `"`)
	end := strings.LastIndex(line, `"`)
	if start < 0 || end <= start {
		return nil, NewParseError("tencent", code, "malformed quote line", nil)
	}
	payload := line[start+1 : end]
	if payload == "" || strings.HasPrefix(payload, "v_pv_none_match") {
		return nil, ErrNoData
	}

	f := strings.Split(payload, "~")
	if len(f) < 35 {
		return nil, NewParseError("tencent", code, fmt.Sprintf("quote line has %d fields, want >= 35", len(f)), nil)
	}

	last, err1 := strconv.ParseFloat(f[3], 64)
	open, err2 := strconv.ParseFloat(f[5], 64)
	volume, err3 := strconv.ParseInt(f[6], 10, 64)
	high, err4 := strconv.ParseFloat(f[33], 64)
	low, err5 := strconv.ParseFloat(f[34], 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, NewParseError("tencent", code, "non-numeric quote field", err)
		}
	}
	if last == 0 {
		return nil, ErrNoData
	}

	date := TradingDate(time.Now())
	if ts := f[30]; len(ts) >= 8 {
		if t, err := time.ParseInLocation("20060102150405", ts, beijing); err == nil {
			date = t.Format("2006-01-02")
		}
	}

	// Tencent reports volume in lots of 100 shares.
	shares := volume * 100
	return &Record{
		Code:      code,
		Date:      date,
		Open:      &open,
		High:      &high,
		Low:       &low,
		Close:     last,
		Volume:    &shares,
		Name:      decodeGBK(f[1]),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (tc *Tencent) FetchHistory(ctx context.Context, code, date string) (*Record, error) {
	return nil, NewUnsupportedError(tc.Name(), code, ClassHistorical)
}
