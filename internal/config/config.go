package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type DB struct {
	Path string `yaml:"path"`
}

type Pool struct {
	Workers     int `yaml:"workers"`
	MaxCalls    int `yaml:"max_calls"`    // per-worker call budget
	MaxAttempts int `yaml:"max_attempts"` // per-item attempt ceiling
}

type Fetch struct {
	DelayMinMs int `yaml:"delay_min_ms"` // jittered inter-attempt delay
	DelayMaxMs int `yaml:"delay_max_ms"`
}

type Health struct {
	DisableFloor float64 `yaml:"disable_floor"` // success rate below this disables a source
	MinSamples   int     `yaml:"min_samples"`   // attempts required before the floor applies
	Alpha        float64 `yaml:"ewma_alpha"`
}

type Source struct {
	Name               string   `yaml:"name"`
	Disabled           bool     `yaml:"disabled"`
	Classes            []string `yaml:"classes"` // "realtime", "historical"
	TimeoutMs          int      `yaml:"timeout_ms"`
	Retries            int      `yaml:"retries"` // immediate same-source retries
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	BaseURL            string   `yaml:"base_url"` // optional override, used by tests
}

type Root struct {
	DB             DB       `yaml:"db"`
	Pool           Pool     `yaml:"pool"`
	Fetch          Fetch    `yaml:"fetch"`
	Health         Health   `yaml:"health"`
	Sources        []Source `yaml:"sources"`
	FailureLogPath string   `yaml:"failure_log_path"`
}

// Default returns the built-in configuration: the static source priority
// list (order is the fallback preference order) and pipeline defaults.
func Default() Root {
	return Root{
		DB:   DB{Path: "data/stock_cache.db"},
		Pool: Pool{Workers: 4, MaxCalls: 5000, MaxAttempts: 3},
		Fetch: Fetch{
			DelayMinMs: 500,
			DelayMaxMs: 1500,
		},
		Health: Health{DisableFloor: 0.10, MinSamples: 10, Alpha: 0.2},
		Sources: []Source{
			{Name: "eastmoney", Classes: []string{"realtime", "historical"}, TimeoutMs: 10000, Retries: 2, RateLimitPerMinute: 120},
			{Name: "sina", Classes: []string{"realtime", "historical"}, TimeoutMs: 10000, Retries: 3, RateLimitPerMinute: 60},
			{Name: "tencent", Classes: []string{"realtime"}, TimeoutMs: 15000, Retries: 2, RateLimitPerMinute: 60},
			{Name: "yahoo", Classes: []string{"historical"}, TimeoutMs: 15000, Retries: 1, RateLimitPerMinute: 30},
		},
		FailureLogPath: "data/failed_items.jsonl",
	}
}

func Load(path string) (Root, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	// File sources replace the built-in list wholesale.
	c.Sources = nil
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(c); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.DB.Path == "" {
		c.DB.Path = "data/stock_cache.db"
	}
	if c.Pool.Workers == 0 {
		c.Pool.Workers = 4
	}
	if c.Pool.MaxCalls == 0 {
		c.Pool.MaxCalls = 5000
	}
	if c.Pool.MaxAttempts == 0 {
		c.Pool.MaxAttempts = 3
	}
	if c.Fetch.DelayMinMs == 0 {
		c.Fetch.DelayMinMs = 500
	}
	if c.Fetch.DelayMaxMs == 0 {
		c.Fetch.DelayMaxMs = 1500
	}
	if c.Health.DisableFloor == 0 {
		c.Health.DisableFloor = 0.10
	}
	if c.Health.MinSamples == 0 {
		c.Health.MinSamples = 10
	}
	if c.Health.Alpha == 0 {
		c.Health.Alpha = 0.2
	}
	if len(c.Sources) == 0 {
		c.Sources = Default().Sources
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.TimeoutMs == 0 {
			s.TimeoutMs = 10000
		}
		if s.Retries == 0 {
			s.Retries = 1
		}
		if s.RateLimitPerMinute == 0 {
			s.RateLimitPerMinute = 60
		}
		if len(s.Classes) == 0 {
			s.Classes = []string{"realtime", "historical"}
		}
	}
	if c.FailureLogPath == "" {
		c.FailureLogPath = "data/failed_items.jsonl"
	}
}

func validate(c Root) error {
	if c.Fetch.DelayMaxMs < c.Fetch.DelayMinMs {
		return fmt.Errorf("fetch.delay_max_ms (%d) < fetch.delay_min_ms (%d)", c.Fetch.DelayMaxMs, c.Fetch.DelayMinMs)
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be >= 1")
	}
	seen := map[string]bool{}
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		for _, cl := range s.Classes {
			if cl != "realtime" && cl != "historical" {
				return fmt.Errorf("source %q: unknown class %q", s.Name, cl)
			}
		}
	}
	return nil
}
