package config

import (
	"errors"
	"fmt"
	"strings"

	"feedhub/internal/market"
)

// validate 对配置进行基础校验，汇总所有问题一次返回。
func validate(c *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(c.App.validate())
	collect(c.Database.validate())
	collect(c.Cache.validate())
	collect(c.Bus.validate())
	collect(c.Ingest.validate())
	collect(c.Backfill.validate())
	collect(c.RateLimit.validate())
	collect(validateReference(c.Exchanges, c.Sources))
	if strings.TrimSpace(c.Subscriptions.Path) == "" {
		collect(errors.New("subscriptions.path cannot be empty"))
	}
	return errors.Join(errs...)
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("app.log_level %q is not supported", a.LogLevel)
	}
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite":
		if strings.TrimSpace(d.Path) == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(d.DSN) == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q not supported (sqlite|postgres)", d.Driver)
	}
	if d.MaxIdleConns > d.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) exceeds max_open_conns (%d)", d.MaxIdleConns, d.MaxOpenConns)
	}
	return nil
}

func (c *CacheConfig) validate() error {
	switch c.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Addr) == "" {
			return errors.New("cache.addr is required for redis")
		}
	default:
		return fmt.Errorf("cache.driver %q not supported (memory|redis)", c.Driver)
	}
	if c.TTL < 0 {
		return errors.New("cache.ttl must be >= 0")
	}
	return nil
}

func (b *BusConfig) validate() error {
	switch b.Driver {
	case "none", "":
	case "kafka":
		if len(b.Brokers) == 0 {
			return errors.New("bus.brokers is required for kafka")
		}
	default:
		return fmt.Errorf("bus.driver %q not supported (none|kafka)", b.Driver)
	}
	return nil
}

func (i *IngestConfig) validate() error {
	if i.BackoffCap < i.BackoffBase {
		return fmt.Errorf("ingest.backoff_cap (%s) must be >= backoff_base (%s)", i.BackoffCap, i.BackoffBase)
	}
	return nil
}

func (b *BackfillConfig) validate() error {
	if b.PageLimit > 5000 {
		return fmt.Errorf("backfill.page_limit %d too large", b.PageLimit)
	}
	if b.RetryCap < b.RetryBase {
		return fmt.Errorf("backfill.retry_cap (%s) must be >= retry_base (%s)", b.RetryCap, b.RetryBase)
	}
	if b.CatchUpInterval < 0 || b.CatchUpOffset < 0 {
		return errors.New("backfill.catch_up_interval and catch_up_offset must be >= 0")
	}
	if b.CatchUpInterval > 0 && b.CatchUpOffset >= b.CatchUpInterval {
		return fmt.Errorf("backfill.catch_up_offset (%s) must be < catch_up_interval (%s)", b.CatchUpOffset, b.CatchUpInterval)
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	for ep, budget := range r.Budgets {
		if budget <= 0 {
			return fmt.Errorf("ratelimit.budgets.%s must be > 0", ep)
		}
	}
	return nil
}

func validateReference(exchanges []ExchangeConfig, sources []SourceConfig) error {
	if len(exchanges) == 0 {
		return errors.New("exchanges requires at least one entry")
	}
	codes := make(map[market.ExchangeCode]bool, len(exchanges))
	for i, ex := range exchanges {
		code := market.ParseExchangeCode(ex.Code)
		if code == "" {
			return fmt.Errorf("exchanges[%d].code cannot be empty", i)
		}
		if codes[code] {
			return fmt.Errorf("exchanges: duplicate code %s", code)
		}
		if ex.RateLimitPerMinute < 0 {
			return fmt.Errorf("exchanges.%s.rate_limit_per_minute must be >= 0", code)
		}
		codes[code] = true
	}
	names := make(map[string]bool, len(sources))
	for i, src := range sources {
		ds, err := src.DataSource()
		if err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if ds.Name == "" {
			return fmt.Errorf("sources[%d].name cannot be empty", i)
		}
		key := strings.ToLower(ds.Name)
		if names[key] {
			return fmt.Errorf("sources: duplicate name %s", ds.Name)
		}
		names[key] = true
		if !codes[ds.Exchange] {
			return fmt.Errorf("sources.%s: exchange %q is not declared under exchanges", ds.Name, src.Exchange)
		}
	}
	return nil
}
