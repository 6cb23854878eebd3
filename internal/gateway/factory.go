package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"feedhub/internal/credential"
	"feedhub/internal/gateway/binance"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/gateway/lbank"
	"feedhub/internal/gateway/nobitex"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/ratelimit"
)

// NewRegistry 返回内置的连接器。
func NewRegistry() *exchange.Registry {
	reg := exchange.NewRegistry()
	reg.Register(market.ExchangeBinance, binance.Factory)
	reg.Register(market.ExchangeNobitex, nobitex.Factory)
	reg.Register(market.ExchangeLBank, lbank.Factory)
	return reg
}

// SourceLookup 按名称查找数据源。
type SourceLookup func(ctx context.Context, name string) (market.DataSource, error)

type PoolOptions struct {
	Exchanges    []market.Exchange
	Sources      SourceLookup
	Credentials  credential.Provider
	Limiter      *ratelimit.Limiter
	Normalizer   *normalize.Normalizer
	HTTPTimeout  time.Duration
	PollInterval time.Duration
	Buffer       int
}

// Pool 按需构建连接器，每个 (data source, account) 一个，
// 并把字段映射注册到 normalizer。
type Pool struct {
	registry  *exchange.Registry
	opts      PoolOptions
	exchanges map[market.ExchangeCode]market.Exchange
	client    *http.Client

	mu    sync.Mutex
	conns map[string]exchange.Connector
}

func NewPool(registry *exchange.Registry, opts PoolOptions) (*Pool, error) {
	if registry == nil {
		return nil, errors.New("nil connector registry")
	}
	exchanges := make(map[market.ExchangeCode]market.Exchange, len(opts.Exchanges))
	codes := make([]market.ExchangeCode, 0, len(opts.Exchanges))
	for _, ex := range opts.Exchanges {
		exchanges[ex.Code] = ex
		codes = append(codes, ex.Code)
	}
	if err := registry.Validate(codes...); err != nil {
		return nil, err
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	return &Pool{
		registry:  registry,
		opts:      opts,
		exchanges: exchanges,
		client:    &http.Client{Timeout: opts.HTTPTimeout},
		conns:     make(map[string]exchange.Connector),
	}, nil
}

func (p *Pool) Registry() *exchange.Registry { return p.registry }

// For returns the connector serving cfg.
func (p *Pool) For(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error) {
	key := strings.ToLower(cfg.Source) + "|" + cfg.AccountName()
	p.mu.Lock()
	if conn, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	if !p.registry.Has(cfg.Exchange) {
		return nil, &market.UnsupportedDataSourceError{Exchange: cfg.Exchange, DataType: cfg.DataType}
	}
	deps := exchange.Deps{
		Exchange:     p.exchanges[cfg.Exchange],
		Account:      cfg.AccountName(),
		Limiter:      p.opts.Limiter,
		HTTPClient:   p.client,
		PollInterval: p.opts.PollInterval,
		Buffer:       p.opts.Buffer,
	}
	if deps.Exchange.Code == "" {
		deps.Exchange.Code = cfg.Exchange
	}
	if p.opts.Sources != nil && cfg.Source != "" {
		src, err := p.opts.Sources(ctx, cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("resolve data source %s: %w", cfg.Source, err)
		}
		deps.Source = src
		creds, err := p.credentials(ctx, src.CredentialRef)
		if err != nil {
			return nil, err
		}
		deps.Credentials = creds
	}
	conn, err := p.registry.Build(cfg.Exchange, deps)
	if err != nil {
		return nil, err
	}
	if p.opts.Normalizer != nil {
		for _, m := range conn.Mappings() {
			p.opts.Normalizer.Register(m)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[key]; ok {
		return existing, nil
	}
	p.conns[key] = conn
	logger.Infof("[gateway] connector ready exchange=%s source=%s account=%s", cfg.Exchange, cfg.Source, cfg.AccountName())
	return conn, nil
}

// Add 安装预先构建的连接器，例如测试桩。
func (p *Pool) Add(cfg market.MarketDataConfig, conn exchange.Connector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[strings.ToLower(cfg.Source)+"|"+cfg.AccountName()] = conn
	if p.opts.Normalizer != nil {
		for _, m := range conn.Mappings() {
			p.opts.Normalizer.Register(m)
		}
	}
}

// 公开行情不需要密钥，缺少凭证不算错误。
func (p *Pool) credentials(ctx context.Context, ref string) (credential.Credentials, error) {
	if ref == "" || p.opts.Credentials == nil {
		return credential.Credentials{}, nil
	}
	creds, err := p.opts.Credentials.Get(ctx, ref)
	if errors.Is(err, credential.ErrNoCredentials) {
		logger.Debugf("[gateway] no credentials for ref=%s, using public endpoints", ref)
		return credential.Credentials{}, nil
	}
	if err != nil {
		return credential.Credentials{}, fmt.Errorf("credentials %s: %w", ref, err)
	}
	return creds, nil
}
