// Package config loads the receptor's runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the receptor.
type Config struct {
	Environment   string            `yaml:"environment"`
	ListenAddress string            `yaml:"listen"`
	AdminAddress  string            `yaml:"admin_listen"`
	DatabaseDSN   string            `yaml:"database"`
	RedisAddress  string            `yaml:"redis"`
	Sync          SyncConfig        `yaml:"sync"`
	Resource      ResourceConfig    `yaml:"resource"`
	Broker        BrokerConfig      `yaml:"broker"`
	Circuit       CircuitConfig     `yaml:"circuit"`
	Retry         RetryConfig       `yaml:"retry"`
	RateLimiter   RateLimiterConfig `yaml:"rateLimiter"`
	Participants  map[string]string `yaml:"participants"`
	Credentials   map[string]Grant  `yaml:"credentials"`
}

// SyncConfig tunes the orchestrated run.
type SyncConfig struct {
	BatchSize   int      `yaml:"batchSize"`
	Parallelism int      `yaml:"parallelism"`
	Timeout     Duration `yaml:"timeout"`
	Cron        string   `yaml:"cron"`
	StaleAfter  Duration `yaml:"staleAfter"`
	MaxAccounts int      `yaml:"maxAccounts"`
}

// ResourceConfig tunes the adaptive resource manager.
type ResourceConfig struct {
	CPUHighWatermark   float64  `yaml:"cpuHighWatermark"`
	MemHighWatermark   float64  `yaml:"memHighWatermark"`
	AdaptationInterval Duration `yaml:"adaptationInterval"`
	IntervalMin        Duration `yaml:"intervalMin"`
	IntervalMax        Duration `yaml:"intervalMax"`
}

// BrokerConfig points at the event broker.
type BrokerConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`
}

// CircuitConfig tunes the outbound circuit breaker.
type CircuitConfig struct {
	OpenTimeout Duration `yaml:"openTimeout"`
	SlowCall    Duration `yaml:"slowCall"`
}

// RetryConfig tunes the outbound retry loop. The effective replay volume of
// one upstream failure is retry.attempts multiplied by the queue's own retry
// budget; both default to 3.
type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Base     Duration `yaml:"base"`
}

// RateLimiterConfig tunes the outbound request budget.
type RateLimiterConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
	Bulkhead int      `yaml:"bulkhead"`
}

// Grant is one organization's client-credentials grant.
type Grant struct {
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	TokenURL     string   `yaml:"tokenUrl"`
	Scopes       []string `yaml:"scopes"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = ":9090"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = ":memory:"
	}
	if cfg.RedisAddress == "" {
		cfg.RedisAddress = "localhost:6379"
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 1000
	}
	if cfg.Sync.Parallelism <= 0 {
		cfg.Sync.Parallelism = 100
	}
	if cfg.Sync.Timeout.Duration == 0 {
		cfg.Sync.Timeout.Duration = 30 * time.Second
	}
	if cfg.Sync.Cron == "" {
		cfg.Sync.Cron = "0 */12 * * *"
	}
	if cfg.Sync.StaleAfter.Duration == 0 {
		cfg.Sync.StaleAfter.Duration = 12 * time.Hour
	}
	if cfg.Sync.MaxAccounts <= 0 {
		cfg.Sync.MaxAccounts = 1_000_000
	}
	if cfg.Resource.CPUHighWatermark == 0 {
		cfg.Resource.CPUHighWatermark = 0.80
	}
	if cfg.Resource.MemHighWatermark == 0 {
		cfg.Resource.MemHighWatermark = 0.85
	}
	if cfg.Resource.AdaptationInterval.Duration == 0 {
		cfg.Resource.AdaptationInterval.Duration = 30 * time.Second
	}
	if cfg.Resource.IntervalMin.Duration == 0 {
		cfg.Resource.IntervalMin.Duration = 10 * time.Second
	}
	if cfg.Resource.IntervalMax.Duration == 0 {
		cfg.Resource.IntervalMax.Duration = 120 * time.Second
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "openfinance-receptor"
	}
	if cfg.Circuit.OpenTimeout.Duration == 0 {
		cfg.Circuit.OpenTimeout.Duration = 30 * time.Second
	}
	if cfg.Circuit.SlowCall.Duration == 0 {
		cfg.Circuit.SlowCall.Duration = 10 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Base.Duration == 0 {
		cfg.Retry.Base.Duration = 2 * time.Second
	}
	if cfg.RateLimiter.Requests <= 0 {
		cfg.RateLimiter.Requests = 1000
	}
	if cfg.RateLimiter.Window.Duration == 0 {
		cfg.RateLimiter.Window.Duration = time.Minute
	}
	if cfg.RateLimiter.Bulkhead <= 0 {
		cfg.RateLimiter.Bulkhead = 100
	}
}

func validate(cfg Config) error {
	if cfg.Sync.BatchSize < 50 || cfg.Sync.BatchSize > 1000 {
		return fmt.Errorf("sync.batchSize %d outside [50,1000]", cfg.Sync.BatchSize)
	}
	if cfg.Resource.CPUHighWatermark <= 0 || cfg.Resource.CPUHighWatermark >= 1 {
		return fmt.Errorf("resource.cpuHighWatermark must be in (0,1)")
	}
	if cfg.Resource.MemHighWatermark <= 0 || cfg.Resource.MemHighWatermark >= 1 {
		return fmt.Errorf("resource.memHighWatermark must be in (0,1)")
	}
	if cfg.Resource.IntervalMin.Duration > cfg.Resource.IntervalMax.Duration {
		return fmt.Errorf("resource interval bounds inverted")
	}
	for org, grant := range cfg.Credentials {
		if grant.ClientID == "" || grant.TokenURL == "" {
			return fmt.Errorf("credentials for %s missing clientId or tokenUrl", org)
		}
	}
	return nil
}
