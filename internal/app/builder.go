package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"feedhub/internal/backfill"
	"feedhub/internal/bus"
	"feedhub/internal/cache"
	"feedhub/internal/config"
	"feedhub/internal/credential"
	"feedhub/internal/gateway"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/ingest"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pipeline/factory"
	"feedhub/internal/ratelimit"
	"feedhub/internal/registry"
	"feedhub/internal/store"
	apihttp "feedhub/internal/transport/http/api"
)

type AppBuilder struct {
	cfg *config.Config

	storeFn      func(config.DatabaseConfig) (*store.Store, error)
	cacheFn      func(context.Context, config.CacheConfig) (cache.Cache, io.Closer, error)
	busFn        func(config.BusConfig) (bus.Publisher, error)
	connectorsFn func() *exchange.Registry
	credentials  credential.Provider
	httpFn       func(config.AppConfig, apihttp.Deps) (*apihttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithStore 复用已打开的存储，常用于测试的内存库。
func WithStore(st *store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(config.DatabaseConfig) (*store.Store, error) { return st, nil }
	}
}

// WithConnectors 替换内置交易所连接器表。
func WithConnectors(reg *exchange.Registry) AppBuilderOption {
	return func(b *AppBuilder) {
		b.connectorsFn = func() *exchange.Registry { return reg }
	}
}

func WithCredentials(p credential.Provider) AppBuilderOption {
	return func(b *AppBuilder) { b.credentials = p }
}

func WithBus(p bus.Publisher) AppBuilderOption {
	return func(b *AppBuilder) {
		b.busFn = func(config.BusConfig) (bus.Publisher, error) { return p, nil }
	}
}

// WithoutHTTP 不启动 HTTP 服务。
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) {
		b.httpFn = func(config.AppConfig, apihttp.Deps) (*apihttp.Server, error) { return nil, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		storeFn:      openStore,
		cacheFn:      buildCache,
		busFn:        buildBus,
		connectorsFn: gateway.NewRegistry,
		httpFn:       buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	app := &App{cfg: cfg}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	st, err := b.storeFn(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.store = st
	app.closers = append(app.closers, st)

	connectors := b.connectorsFn()
	exchanges, err := seedReference(ctx, st, cfg, connectors)
	if err != nil {
		return fail(err)
	}
	if n, err := st.FailOrphanedSyncLogs(ctx, "process restarted"); err != nil {
		return fail(fmt.Errorf("close orphaned sync logs: %w", err))
	} else if n > 0 {
		logger.Warnf("[app] marked %d orphaned sync logs FAILED", n)
	}

	persister := ratelimit.NewPersister(st, cfg.RateLimit.FlushInterval)
	limiter := ratelimit.New(ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		DefaultBudget: cfg.RateLimit.DefaultBudget,
		Budgets:       cfg.RateLimit.Budgets,
	}, ratelimit.WithOnChange(persister.Record))
	if states, err := st.LoadRateLimitStates(ctx); err != nil {
		logger.Warnf("[app] load rate limit states: %v", err)
	} else if n := limiter.Restore(states); n > 0 {
		logger.Infof("[app] restored %d rate limit windows", n)
	}
	app.limiter = limiter
	app.persister = persister

	creds := b.credentials
	if creds == nil {
		creds = credential.NewEnv(cfg.App.CredentialPrefix)
	}
	normalizer := normalize.New()
	pool, err := gateway.NewPool(connectors, gateway.PoolOptions{
		Exchanges:    exchanges,
		Sources:      st.GetDataSourceByName,
		Credentials:  creds,
		Limiter:      limiter,
		Normalizer:   normalizer,
		HTTPTimeout:  cfg.Ingest.HTTPTimeout,
		PollInterval: cfg.Ingest.PollInterval,
		Buffer:       cfg.Ingest.Buffer,
	})
	if err != nil {
		return fail(err)
	}

	latest, cacheCloser, err := b.cacheFn(ctx, cfg.Cache)
	if err != nil {
		return fail(err)
	}
	if cacheCloser != nil {
		app.closers = append(app.closers, cacheCloser)
	}
	publisher, err := b.busFn(cfg.Bus)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, publisher)

	fac := &factory.Factory{
		Normalizer:     normalizer,
		Records:        st,
		Cache:          latest,
		Bus:            publisher,
		PersistTimeout: cfg.Ingest.PersistTimeout,
		FanoutTimeout:  cfg.Ingest.FanoutTimeout,
	}
	livePipe, err := fac.Pipeline("live", factory.Live)
	if err != nil {
		return fail(err)
	}
	histPipe, err := fac.Pipeline("historical", factory.Historical)
	if err != nil {
		return fail(err)
	}

	reg := registry.New(st, registry.Options{Supported: connectors.Has})
	app.registry = reg
	app.supervisor = ingest.NewSupervisor(ingest.Deps{
		Connectors: pool,
		Pipeline:   livePipe,
		Status:     reg,
		SyncLogs:   st,
		Cache:      latest,
	}, ingest.Options{
		BackoffBase:    cfg.Ingest.BackoffBase,
		BackoffCap:     cfg.Ingest.BackoffCap,
		StablePeriod:   cfg.Ingest.StablePeriod,
		ConnectTimeout: cfg.Ingest.ConnectTimeout,
	})
	app.service = ingest.NewService(latest, st)
	app.backfill = backfill.New(backfill.Deps{
		Configs:    reg,
		Connectors: pool,
		Pipeline:   histPipe,
		SyncLogs:   st,
		Limiter:    limiter,
	}, backfill.Options{
		Workers:         cfg.Backfill.Workers,
		QueueSize:       cfg.Backfill.QueueSize,
		PageLimit:       cfg.Backfill.PageLimit,
		DefaultLookback: cfg.Backfill.DefaultLookback,
		MaxRetries:      cfg.Backfill.MaxRetries,
		RetryBase:       cfg.Backfill.RetryBase,
		RetryCap:        cfg.Backfill.RetryCap,
		FetchTimeout:    cfg.Backfill.FetchTimeout,
		CatchUpInterval: cfg.Backfill.CatchUpInterval,
		CatchUpOffset:   cfg.Backfill.CatchUpOffset,
	})

	server, err := b.httpFn(cfg.App, apihttp.Deps{
		Subscriptions: reg,
		Tasks:         app.supervisor,
		Latest:        app.service,
		Backfill:      app.backfill,
		SyncLogs:      st,
		RateLimits:    limiter,
	})
	if err != nil {
		return fail(err)
	}
	app.http = server
	app.Summary = buildSummary(cfg, exchanges)
	return app, nil
}

func openStore(cfg config.DatabaseConfig) (*store.Store, error) {
	return store.Open(store.Options{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		LogSQL:          cfg.LogSQL,
	})
}

func buildCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, io.Closer, error) {
	switch cfg.Driver {
	case "redis":
		c := cache.NewRedis(cache.RedisOptions{
			Addr:      cfg.Addr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, nil, fmt.Errorf("redis cache %s: %w", cfg.Addr, err)
		}
		logger.Infof("[app] cache redis addr=%s db=%d", cfg.Addr, cfg.DB)
		return c, c, nil
	default:
		return cache.NewMemory(cfg.TTL), nil, nil
	}
}

func buildBus(cfg config.BusConfig) (bus.Publisher, error) {
	switch cfg.Driver {
	case "kafka":
		k, err := bus.NewKafka(bus.KafkaOptions{
			Brokers:      cfg.Brokers,
			ClientID:     cfg.ClientID,
			WriteTimeout: cfg.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("[app] bus kafka brokers=%s", strings.Join(cfg.Brokers, ","))
		return k, nil
	default:
		return bus.Nop{}, nil
	}
}

func buildHTTPServer(cfg config.AppConfig, deps apihttp.Deps) (*apihttp.Server, error) {
	server, err := apihttp.NewServer(apihttp.ServerConfig{Addr: cfg.HTTPAddr, Deps: deps})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 失败: %w", err)
	}
	return server, nil
}

// seedReference 把配置中的交易所与数据源写入参考表；未实现连接器的交易所直接报错。
func seedReference(ctx context.Context, st *store.Store, cfg *config.Config, connectors *exchange.Registry) ([]market.Exchange, error) {
	if err := connectors.Validate(cfg.ExchangeCodes()...); err != nil {
		return nil, err
	}
	exchanges := make([]market.Exchange, 0, len(cfg.Exchanges))
	for _, ec := range cfg.Exchanges {
		ex := ec.Exchange()
		if err := st.UpsertExchange(ctx, ex); err != nil {
			return nil, fmt.Errorf("seed exchange %s: %w", ex.Code, err)
		}
		exchanges = append(exchanges, ex)
	}
	for _, sc := range cfg.Sources {
		ds, err := sc.DataSource()
		if err != nil {
			return nil, fmt.Errorf("seed source %s: %w", sc.Name, err)
		}
		if _, err := st.UpsertDataSource(ctx, ds); err != nil {
			return nil, fmt.Errorf("seed source %s: %w", ds.Name, err)
		}
	}
	logger.Infof("[app] reference data: %d exchanges, %d sources", len(exchanges), len(cfg.Sources))
	return exchanges, nil
}
