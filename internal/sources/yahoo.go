package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riching/hystock/internal/market"
)

// YahooConfig holds configuration for the Yahoo Finance chart API source.
type YahooConfig struct {
	BaseURL            string
	SessionURL         string // hit once at login to obtain the consent cookies
	TimeoutSeconds     int
	Retries            int
	RateLimitPerMinute int
}

// Yahoo fetches daily bars from the Yahoo Finance chart API. Yahoo gates the
// API behind session cookies, so it is a SessionSource: Login primes the
// cookie jar, Logout drops it.
type Yahoo struct {
	config      YahooConfig
	rateLimiter *rate.Limiter

	mu         sync.Mutex
	httpClient *http.Client
	loggedIn   bool
}

func NewYahoo(config YahooConfig) *Yahoo {
	if config.BaseURL == "" {
		config.BaseURL = "https://query1.finance.yahoo.com"
	}
	if config.SessionURL == "" {
		config.SessionURL = "https://fc.yahoo.com"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 15
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 30
	}
	return &Yahoo{
		config:      config,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}
}

func (y *Yahoo) Name() string           { return "yahoo" }
func (y *Yahoo) Timeout() time.Duration { return time.Duration(y.config.TimeoutSeconds) * time.Second }
func (y *Yahoo) Retries() int           { return y.config.Retries }

// Login primes a fresh cookie jar so chart calls carry a session.
func (y *Yahoo) Login(ctx context.Context) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.loggedIn {
		return nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return NewSessionError(y.Name(), "creating cookie jar", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: time.Duration(y.config.TimeoutSeconds) * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.config.SessionURL, nil)
	if err != nil {
		return NewSessionError(y.Name(), "building session request", err)
	}
	req.Header.Set("User-Agent", userAgent())

	// The session endpoint answers 404; only the Set-Cookie headers matter.
	resp, err := client.Do(req)
	if err != nil {
		return NewSessionError(y.Name(), "session request failed", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	y.httpClient = client
	y.loggedIn = true
	return nil
}

func (y *Yahoo) Logout() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.httpClient != nil {
		y.httpClient.CloseIdleConnections()
	}
	y.httpClient = nil
	y.loggedIn = false
	return nil
}

func (y *Yahoo) Close() error { return y.Logout() }

func (y *Yahoo) client() (*http.Client, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if !y.loggedIn || y.httpClient == nil {
		return nil, NewSessionError(y.Name(), "not logged in", nil)
	}
	return y.httpClient, nil
}

// yahooSymbol maps a 6-digit code to Yahoo's suffix form: .SS for Shanghai,
// .SZ for Shenzhen. Beijing listings are not on Yahoo.
func yahooSymbol(code string) (string, error) {
	prefix, err := market.Prefix(code)
	if err != nil {
		return "", err
	}
	switch prefix {
	case "sh":
		return code + ".SS", nil
	case "sz":
		return code + ".SZ", nil
	default:
		return "", fmt.Errorf("no yahoo listing for %s market", prefix)
	}
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (y *Yahoo) FetchHistory(ctx context.Context, code, date string) (*Record, error) {
	symbol, err := yahooSymbol(code)
	if err != nil {
		return nil, NewUnsupportedError(y.Name(), code, ClassHistorical)
	}
	day, err := time.ParseInLocation("2006-01-02", date, beijing)
	if err != nil {
		return nil, NewParseError(y.Name(), code, "bad date", err)
	}

	client, err := y.client()
	if err != nil {
		return nil, err
	}
	if err := y.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTimeoutError(y.Name(), code, err)
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d",
		y.config.BaseURL, url.PathEscape(symbol), day.Unix(), day.Add(24*time.Hour).Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewTransportError(y.Name(), code, "building request", err)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(y.Name(), code, err)
		}
		return nil, NewTransportError(y.Name(), code, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(y.Name(), code, "reading body", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewTransportError(y.Name(), code, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	var chart yahooChartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, NewParseError(y.Name(), code, "bad chart payload", err)
	}
	if chart.Chart.Error != nil {
		return nil, NewTransportError(y.Name(), code, chart.Chart.Error.Description, nil)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, ErrNoData
	}
	result := chart.Chart.Result[0]
	if len(result.Timestamp) == 0 || len(result.Indicators.Quote) == 0 {
		return nil, ErrNoData
	}

	quote := result.Indicators.Quote[0]
	for i, ts := range result.Timestamp {
		if TradingDate(time.Unix(ts, 0)) != date {
			continue
		}
		if i >= len(quote.Close) || quote.Close[i] == nil {
			return nil, ErrNoData
		}
		rec := &Record{
			Code:      code,
			Date:      date,
			Close:     *quote.Close[i],
			FetchedAt: time.Now().UTC(),
		}
		if i < len(quote.Open) {
			rec.Open = quote.Open[i]
		}
		if i < len(quote.High) {
			rec.High = quote.High[i]
		}
		if i < len(quote.Low) {
			rec.Low = quote.Low[i]
		}
		if i < len(quote.Volume) {
			rec.Volume = quote.Volume[i]
		}
		return rec, nil
	}
	return nil, ErrNoData
}

func (y *Yahoo) FetchRealtime(ctx context.Context, code string) (*Record, error) {
	return nil, NewUnsupportedError(y.Name(), code, ClassRealtime)
}
