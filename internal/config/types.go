package config

import (
	"strings"
	"time"

	"feedhub/internal/market"
)

// Config 是 feedhub 的主配置载体。
type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Bus           BusConfig           `yaml:"bus"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Backfill      BackfillConfig      `yaml:"backfill"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Exchanges     []ExchangeConfig    `yaml:"exchanges"`
	Sources       []SourceConfig      `yaml:"sources"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
}

type AppConfig struct {
	Env              string   `yaml:"env"`
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
	HTTPAddr         string   `yaml:"http_addr"`
	LogPath          string   `yaml:"log_path"`
	LogMaxSizeMB     int      `yaml:"log_max_size_mb"`
	LogMaxBackups    int      `yaml:"log_max_backups"`
	LogMaxAgeDays    int      `yaml:"log_max_age_days"`
	EnvFiles         []string `yaml:"env_files"`
	CredentialPrefix string   `yaml:"credential_prefix"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogSQL          bool          `yaml:"log_sql"`
}

// CacheConfig 选择最新值缓存：memory 为进程内，redis 可跨进程共享。
type CacheConfig struct {
	Driver    string        `yaml:"driver"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type BusConfig struct {
	Driver       string        `yaml:"driver"`
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"client_id"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type IngestConfig struct {
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	StablePeriod   time.Duration `yaml:"stable_period"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Buffer         int           `yaml:"channel_buffer"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	FanoutTimeout  time.Duration `yaml:"fanout_timeout"`
}

type BackfillConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	PageLimit       int           `yaml:"page_limit"`
	DefaultLookback time.Duration `yaml:"default_lookback"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryCap        time.Duration `yaml:"retry_cap"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	// 0 关闭定时补数。
	CatchUpInterval time.Duration `yaml:"catch_up_interval"`
	CatchUpOffset   time.Duration `yaml:"catch_up_offset"`
}

type RateLimitConfig struct {
	Window        time.Duration  `yaml:"window"`
	DefaultBudget int            `yaml:"default_budget"`
	Budgets       map[string]int `yaml:"budgets"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
}

// ExchangeConfig 对应 exchange 参考表的一行。
type ExchangeConfig struct {
	Code               string `yaml:"code"`
	RESTURL            string `yaml:"rest_url"`
	WSURL              string `yaml:"ws_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	Sandbox            bool   `yaml:"sandbox"`
}

func (e ExchangeConfig) Exchange() market.Exchange {
	return market.Exchange{
		Code:               market.ParseExchangeCode(e.Code),
		RESTBaseURL:        strings.TrimSpace(e.RESTURL),
		WSBaseURL:          strings.TrimSpace(e.WSURL),
		RateLimitPerMinute: e.RateLimitPerMinute,
		Sandbox:            e.Sandbox,
	}
}

// SourceConfig 对应 data_source 参考表的一行。
type SourceConfig struct {
	Name          string `yaml:"name"`
	Exchange      string `yaml:"exchange"`
	Type          string `yaml:"type"`
	BaseURL       string `yaml:"base_url"`
	CredentialRef string `yaml:"credential_ref"`
	Active        *bool  `yaml:"active"`
}

func (s SourceConfig) DataSource() (market.DataSource, error) {
	typ, err := market.ParseSourceType(s.Type)
	if err != nil {
		return market.DataSource{}, err
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return market.DataSource{
		Name:          strings.TrimSpace(s.Name),
		Exchange:      market.ParseExchangeCode(s.Exchange),
		Type:          typ,
		BaseURL:       strings.TrimSpace(s.BaseURL),
		CredentialRef: strings.TrimSpace(s.CredentialRef),
		Active:        active,
	}, nil
}

type SubscriptionsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ExchangeCodes lists the configured venues in file order.
func (c *Config) ExchangeCodes() []market.ExchangeCode {
	out := make([]market.ExchangeCode, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		out = append(out, market.ParseExchangeCode(ex.Code))
	}
	return out
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
