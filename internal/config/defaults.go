package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultAppHTTPAddr      = ":9991"
	defaultLogMaxSizeMB     = 100
	defaultLogMaxBackups    = 5
	defaultLogMaxAgeDays    = 14
	defaultCredentialPrefix = "FEEDHUB"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabasePath     = "/data/db/feedhub.db"
	defaultCacheDriver      = "memory"
	defaultBusDriver        = "none"
	defaultBusClientID      = "feedhub"
	defaultSubscriptionPath = "configs/subscriptions.yaml"
)

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

// applyDefaults 为所有子配置应用默认值。显式写在文件中的键（即使为零值）不会被覆盖。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Bus.applyDefaults(keys)
	c.Ingest.applyDefaults(keys)
	c.Backfill.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Subscriptions.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.credential_prefix", &a.CredentialPrefix, defaultCredentialPrefix),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultLogMaxBackups),
		intFieldDefault("app.log_max_age_days", &a.LogMaxAgeDays, defaultLogMaxAgeDays),
	)
	if !keys.isSet("app.env_files") && len(a.EnvFiles) == 0 {
		a.EnvFiles = []string{".env"}
	}
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.driver", &d.Driver, defaultDatabaseDriver),
		intFieldDefault("database.max_open_conns", &d.MaxOpenConns, 10),
		intFieldDefault("database.max_idle_conns", &d.MaxIdleConns, 5),
		durationFieldDefault("database.conn_max_lifetime", &d.ConnMaxLifetime, time.Hour),
	)
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == defaultDatabaseDriver {
		applyFieldDefaults(keys, stringFieldDefault("database.path", &d.Path, defaultDatabasePath))
	}
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("cache.driver", &c.Driver, defaultCacheDriver),
	)
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "redis" {
		applyFieldDefaults(keys,
			stringFieldDefault("cache.addr", &c.Addr, "127.0.0.1:6379"),
			stringFieldDefault("cache.key_prefix", &c.KeyPrefix, "feedhub:latest:"),
		)
	}
}

func (b *BusConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("bus.driver", &b.Driver, defaultBusDriver),
		stringFieldDefault("bus.client_id", &b.ClientID, defaultBusClientID),
		durationFieldDefault("bus.write_timeout", &b.WriteTimeout, 10*time.Second),
	)
	b.Driver = strings.ToLower(strings.TrimSpace(b.Driver))
}

func (i *IngestConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("ingest.backoff_base", &i.BackoffBase, 5*time.Second),
		durationFieldDefault("ingest.backoff_cap", &i.BackoffCap, 60*time.Second),
		durationFieldDefault("ingest.stable_period", &i.StablePeriod, 5*time.Minute),
		durationFieldDefault("ingest.connect_timeout", &i.ConnectTimeout, 10*time.Second),
		intFieldDefault("ingest.channel_buffer", &i.Buffer, 256),
		durationFieldDefault("ingest.poll_interval", &i.PollInterval, 2*time.Second),
		durationFieldDefault("ingest.http_timeout", &i.HTTPTimeout, 30*time.Second),
		durationFieldDefault("ingest.persist_timeout", &i.PersistTimeout, 5*time.Second),
		durationFieldDefault("ingest.fanout_timeout", &i.FanoutTimeout, 2*time.Second),
	)
}

func (b *BackfillConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("backfill.workers", &b.Workers, 2),
		intFieldDefault("backfill.queue_size", &b.QueueSize, 64),
		intFieldDefault("backfill.page_limit", &b.PageLimit, 1000),
		durationFieldDefault("backfill.default_lookback", &b.DefaultLookback, 7*24*time.Hour),
		intFieldDefault("backfill.max_retries", &b.MaxRetries, 3),
		durationFieldDefault("backfill.retry_base", &b.RetryBase, 2*time.Second),
		durationFieldDefault("backfill.retry_cap", &b.RetryCap, 30*time.Second),
		durationFieldDefault("backfill.fetch_timeout", &b.FetchTimeout, 30*time.Second),
	)
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("ratelimit.window", &r.Window, time.Minute),
		intFieldDefault("ratelimit.default_budget", &r.DefaultBudget, 1200),
		durationFieldDefault("ratelimit.flush_interval", &r.FlushInterval, 5*time.Second),
	)
}

func (s *SubscriptionsConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("subscriptions.path", &s.Path, defaultSubscriptionPath),
		fieldDefault{
			key:   "subscriptions.watch",
			apply: func() { s.Watch = true },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}
