package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/riching/hystock/internal/market"
)

// SinaConfig holds configuration for the Sina Finance source.
type SinaConfig struct {
	QuoteBaseURL       string // hq.sinajs.cn text protocol
	KlineBaseURL       string // money.finance.sina.com.cn kline JSON
	TimeoutSeconds     int
	Retries            int
	RateLimitPerMinute int
	KlineDepth         int // how many daily bars to request when locating a date
}

// Sina fetches prices from Sina Finance. Realtime uses the hq text protocol,
// history the CN_MarketData kline endpoint.
type Sina struct {
	config      SinaConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewSina(config SinaConfig) *Sina {
	if config.QuoteBaseURL == "" {
		config.QuoteBaseURL = "https://hq.sinajs.cn"
	}
	if config.KlineBaseURL == "" {
		config.KlineBaseURL = "https://money.finance.sina.com.cn"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	if config.KlineDepth <= 0 {
		config.KlineDepth = 40
	}
	return &Sina{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}
}

func (s *Sina) Name() string           { return "sina" }
func (s *Sina) Timeout() time.Duration { return time.Duration(s.config.TimeoutSeconds) * time.Second }
func (s *Sina) Retries() int           { return s.config.Retries }
func (s *Sina) Close() error           { s.httpClient.CloseIdleConnections(); return nil }

func (s *Sina) FetchRealtime(ctx context.Context, code string) (*Record, error) {
	symbol, err := market.Qualified(code)
	if err != nil {
		return nil, NewParseError(s.Name(), code, "bad code", err)
	}
	u := fmt.Sprintf("%s/list=%s", s.config.QuoteBaseURL, symbol)

	body, err := s.get(ctx, code, u)
	if err != nil {
		return nil, err
	}
	rec, err := parseHQLine(code, string(body))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// parseHQLine decodes one `var hq_str_shXXXXXX="..."` line from the hq text
// protocol. An empty payload means the symbol had no quote for the day.
func parseHQLine(code, line string) (*Record, error) {
	start := strings.Index(line, `"`)
	end := strings.LastIndex(line, `"`)
	if start < 0 || end <= start {
		return nil, NewParseError("sina", code, "malformed hq line", nil)
	}
	payload := line[start+1 : end]
	if payload == "" {
		return nil, ErrNoData
	}

	f := strings.Split(payload, ",")
	if len(f) < 32 {
		return nil, NewParseError("sina", code, fmt.Sprintf("hq line has %d fields, want >= 32", len(f)), nil)
	}

	open, err1 := strconv.ParseFloat(f[1], 64)
	last, err2 := strconv.ParseFloat(f[3], 64)
	high, err3 := strconv.ParseFloat(f[4], 64)
	low, err4 := strconv.ParseFloat(f[5], 64)
	volume, err5 := strconv.ParseInt(f[8], 10, 64)
	amount, err6 := strconv.ParseFloat(f[9], 64)
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return nil, NewParseError("sina", code, "non-numeric hq field", err)
		}
	}
	if last == 0 {
		// Suspended or not yet traded today.
		return nil, ErrNoData
	}

	return &Record{
		Code:      code,
		Date:      f[30],
		Open:      &open,
		High:      &high,
		Low:       &low,
		Close:     last,
		Volume:    &volume,
		Amount:    &amount,
		Name:      decodeGBK(f[0]),
		FetchedAt: time.Now().UTC(),
	}, nil
}

type sinaKline struct {
	Day    string `json:"day"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func (s *Sina) FetchHistory(ctx context.Context, code, date string) (*Record, error) {
	symbol, err := market.Qualified(code)
	if err != nil {
		return nil, NewParseError(s.Name(), code, "bad code", err)
	}
	u := fmt.Sprintf("%s/quotes_service/api/json_v2.php/CN_MarketData.getKLineData?symbol=%s&scale=240&ma=no&datalen=%d",
		s.config.KlineBaseURL, symbol, s.config.KlineDepth)

	body, err := s.get(ctx, code, u)
	if err != nil {
		return nil, err
	}

	var bars []sinaKline
	if err := json.Unmarshal(body, &bars); err != nil {
		return nil, NewParseError(s.Name(), code, "bad kline payload", err)
	}
	for _, bar := range bars {
		if bar.Day != date {
			continue
		}
		return sinaBarRecord(code, bar)
	}
	// The kline window covers recent trading days; an absent date was closed.
	return nil, ErrNoData
}

func sinaBarRecord(code string, bar sinaKline) (*Record, error) {
	open, err1 := strconv.ParseFloat(bar.Open, 64)
	high, err2 := strconv.ParseFloat(bar.High, 64)
	low, err3 := strconv.ParseFloat(bar.Low, 64)
	closeP, err4 := strconv.ParseFloat(bar.Close, 64)
	volume, err5 := strconv.ParseInt(bar.Volume, 10, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, NewParseError("sina", code, "non-numeric kline field", err)
		}
	}
	return &Record{
		Code:      code,
		Date:      bar.Day,
		Open:      &open,
		High:      &high,
		Low:       &low,
		Close:     closeP,
		Volume:    &volume,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (s *Sina) get(ctx context.Context, code, url string) ([]byte, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTimeoutError(s.Name(), code, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewTransportError(s.Name(), code, "building request", err)
	}
	req.Header.Set("User-Agent", userAgent())
	// hq.sinajs.cn rejects requests without a finance referer.
	req.Header.Set("Referer", "https://finance.sina.com.cn")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(s.Name(), code, err)
		}
		return nil, NewTransportError(s.Name(), code, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewTransportError(s.Name(), code, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(s.Name(), code, "reading body", err)
	}
	return body, nil
}
