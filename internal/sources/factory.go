package sources

import (
	"fmt"
	"strings"

	"github.com/riching/hystock/internal/config"
	"github.com/riching/hystock/internal/observ"
)

// FromConfig builds the configured sources and the per-class priority order.
// List order in the config is the fallback preference order; disabled entries
// are skipped entirely.
func FromConfig(entries []config.Source) (map[string]Source, map[Class][]string, error) {
	srcs := map[string]Source{}
	order := map[Class][]string{}

	for _, e := range entries {
		if e.Disabled {
			observ.Log("source_skipped", map[string]any{"source": e.Name, "reason": "disabled"})
			continue
		}

		src, err := build(e)
		if err != nil {
			return nil, nil, err
		}
		srcs[e.Name] = src
		for _, cl := range e.Classes {
			c := Class(cl)
			order[c] = append(order[c], e.Name)
		}
		observ.Log("source_created", map[string]any{
			"source":     e.Name,
			"classes":    e.Classes,
			"timeout_ms": e.TimeoutMs,
		})
	}
	return srcs, order, nil
}

func build(e config.Source) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(e.Name)) {
	case "eastmoney":
		return NewEastMoney(EastMoneyConfig{
			BaseURL:            e.BaseURL,
			TimeoutSeconds:     e.TimeoutMs / 1000,
			Retries:            e.Retries,
			RateLimitPerMinute: e.RateLimitPerMinute,
		}), nil
	case "sina":
		return NewSina(SinaConfig{
			QuoteBaseURL:       e.BaseURL,
			KlineBaseURL:       e.BaseURL,
			TimeoutSeconds:     e.TimeoutMs / 1000,
			Retries:            e.Retries,
			RateLimitPerMinute: e.RateLimitPerMinute,
		}), nil
	case "tencent":
		return NewTencent(TencentConfig{
			BaseURL:            e.BaseURL,
			TimeoutSeconds:     e.TimeoutMs / 1000,
			Retries:            e.Retries,
			RateLimitPerMinute: e.RateLimitPerMinute,
		}), nil
	case "yahoo":
		return NewYahoo(YahooConfig{
			BaseURL:            e.BaseURL,
			TimeoutSeconds:     e.TimeoutMs / 1000,
			Retries:            e.Retries,
			RateLimitPerMinute: e.RateLimitPerMinute,
		}), nil
	case "mock":
		return NewMock("mock"), nil
	default:
		return nil, fmt.Errorf("unknown source %q", e.Name)
	}
}
