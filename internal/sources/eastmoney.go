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

// EastMoneyConfig holds configuration for the EastMoney push2 API source.
type EastMoneyConfig struct {
	BaseURL            string
	TimeoutSeconds     int
	Retries            int
	RateLimitPerMinute int
}

// EastMoney fetches prices from the EastMoney quote API. It serves both the
// realtime and the historical path.
type EastMoney struct {
	config      EastMoneyConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewEastMoney(config EastMoneyConfig) *EastMoney {
	if config.BaseURL == "" {
		config.BaseURL = "https://push2his.eastmoney.com"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.Retries <= 0 {
		config.Retries = 2
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	return &EastMoney{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}
}

func (em *EastMoney) Name() string           { return "eastmoney" }
func (em *EastMoney) Timeout() time.Duration { return time.Duration(em.config.TimeoutSeconds) * time.Second }
func (em *EastMoney) Retries() int           { return em.config.Retries }
func (em *EastMoney) Close() error           { em.httpClient.CloseIdleConnections(); return nil }

// secid is EastMoney's market-qualified id: 1.XXXXXX for Shanghai, 0.XXXXXX
// for Shenzhen and Beijing.
func secid(code string) (string, error) {
	prefix, err := market.Prefix(code)
	if err != nil {
		return "", err
	}
	if prefix == "sh" {
		return "1." + code, nil
	}
	return "0." + code, nil
}

type emQuoteResponse struct {
	Data *struct {
		Close  *float64 `json:"f43"`
		High   *float64 `json:"f44"`
		Low    *float64 `json:"f45"`
		Open   *float64 `json:"f46"`
		Volume *int64   `json:"f47"`
		Amount *float64 `json:"f48"`
		Code   string   `json:"f57"`
		Name   string   `json:"f58"`
	} `json:"data"`
}

func (em *EastMoney) FetchRealtime(ctx context.Context, code string) (*Record, error) {
	id, err := secid(code)
	if err != nil {
		return nil, NewParseError(em.Name(), code, "bad code", err)
	}
	u := fmt.Sprintf("%s/api/qt/stock/get?secid=%s&invt=2&fltt=2&fields=f43,f44,f45,f46,f47,f48,f57,f58", em.config.BaseURL, id)

	body, err := em.get(ctx, code, u)
	if err != nil {
		return nil, err
	}

	var resp emQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewParseError(em.Name(), code, "bad quote payload", err)
	}
	if resp.Data == nil || resp.Data.Close == nil {
		return nil, ErrNoData
	}

	d := resp.Data
	return &Record{
		Code:      code,
		Date:      TradingDate(time.Now()),
		Open:      d.Open,
		High:      d.High,
		Low:       d.Low,
		Close:     *d.Close,
		Volume:    d.Volume,
		Amount:    d.Amount,
		Name:      d.Name,
		FetchedAt: time.Now().UTC(),
	}, nil
}

type emKlineResponse struct {
	Data *struct {
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

func (em *EastMoney) FetchHistory(ctx context.Context, code, date string) (*Record, error) {
	id, err := secid(code)
	if err != nil {
		return nil, NewParseError(em.Name(), code, "bad code", err)
	}
	compact := strings.ReplaceAll(date, "-", "")
	u := fmt.Sprintf("%s/api/qt/stock/kline/get?secid=%s&klt=101&fqt=1&beg=%s&end=%s&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56,f57", em.config.BaseURL, id, compact, compact)

	body, err := em.get(ctx, code, u)
	if err != nil {
		return nil, err
	}

	var resp emKlineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewParseError(em.Name(), code, "bad kline payload", err)
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, ErrNoData
	}

	rec, err := parseKline(code, resp.Data.Klines[0])
	if err != nil {
		return nil, NewParseError(em.Name(), code, "bad kline row", err)
	}
	if rec.Date != date {
		// API answered with a neighboring trading day; the requested one was closed.
		return nil, ErrNoData
	}
	rec.Name = resp.Data.Name
	return rec, nil
}

// parseKline decodes one "date,open,close,high,low,volume,amount" row.
func parseKline(code, line string) (*Record, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 7 {
		return nil, fmt.Errorf("kline row has %d fields, want 7", len(parts))
	}
	open, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	closeP, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	high, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return nil, fmt.Errorf("high: %w", err)
	}
	low, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return nil, fmt.Errorf("low: %w", err)
	}
	volume, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	amount, err := strconv.ParseFloat(parts[6], 64)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return &Record{
		Code:      code,
		Date:      parts[0],
		Open:      &open,
		High:      &high,
		Low:       &low,
		Close:     closeP,
		Volume:    &volume,
		Amount:    &amount,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (em *EastMoney) get(ctx context.Context, code, url string) ([]byte, error) {
	if err := em.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTimeoutError(em.Name(), code, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewTransportError(em.Name(), code, "building request", err)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := em.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(em.Name(), code, err)
		}
		return nil, NewTransportError(em.Name(), code, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewTransportError(em.Name(), code, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(em.Name(), code, "reading body", err)
	}
	return body, nil
}
