// Package registry owns the set of MarketDataConfig subscriptions and tells
// the ingest and backfill sides when one is activated or torn down.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/store"
)

// Store 注册表的持久化部分。
type Store interface {
	SaveConfig(ctx context.Context, cfg market.MarketDataConfig) (market.MarketDataConfig, error)
	GetConfig(ctx context.Context, id uint) (market.MarketDataConfig, error)
	ListConfigs(ctx context.Context, f store.ConfigFilter) ([]market.MarketDataConfig, error)
	SetConfigStatus(ctx context.Context, id uint, status market.ConfigStatus, lastErr string) error
	MarkSynced(ctx context.Context, id uint, at time.Time) (bool, error)
	DeleteConfig(ctx context.Context, id uint) error
	GetDataSourceByName(ctx context.Context, name string) (market.DataSource, error)
}

type EventKind string

const (
	EventActivated   EventKind = "ACTIVATED"
	EventDeactivated EventKind = "DEACTIVATED"
)

type Event struct {
	Kind   EventKind
	Config market.MarketDataConfig
}

type Options struct {
	// Supported 判断该交易所是否有连接器。
	Supported   func(market.ExchangeCode) bool
	EventBuffer int
}

// Registry 启动时创建一次，按引用共享。
type Registry struct {
	store     Store
	supported func(market.ExchangeCode) bool
	events    chan Event

	mu      sync.RWMutex
	configs map[uint]market.MarketDataConfig
	byKey   map[market.ConfigKey]uint

	// seedMu 串行化启动加载与文件监听触发的 seed 应用
	seedMu sync.Mutex
}

func New(st Store, opts Options) *Registry {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Registry{
		store:     st,
		supported: opts.Supported,
		events:    make(chan Event, opts.EventBuffer),
		configs:   make(map[uint]market.MarketDataConfig),
		byKey:     make(map[market.ConfigKey]uint),
	}
}

// Events 按发生顺序投递激活与停用事件。
func (r *Registry) Events() <-chan Event { return r.events }

// Load 从存储读取所有启用的配置并逐个广播。
func (r *Registry) Load(ctx context.Context) error {
	cfgs, err := r.store.ListConfigs(ctx, store.ConfigFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("load configs: %w", err)
	}
	for _, cfg := range cfgs {
		if err := r.check(cfg); err != nil {
			logger.Warnf("[registry] %s rejected on load: %v", cfg, err)
			_ = r.store.SetConfigStatus(ctx, cfg.ID, market.StatusError, err.Error())
			continue
		}
		r.put(cfg)
		if err := r.emit(ctx, Event{Kind: EventActivated, Config: cfg}); err != nil {
			return err
		}
	}
	logger.Infof("[registry] loaded %d active configs", len(cfgs))
	return nil
}

// Activate validates and persists cfg, then announces it. Re-activating an
// existing tuple updates it in place.
func (r *Registry) Activate(ctx context.Context, cfg market.MarketDataConfig) (market.MarketDataConfig, error) {
	cfg.Instrument = strings.ToUpper(strings.TrimSpace(cfg.Instrument))
	cfg.Timeframe = strings.ToLower(strings.TrimSpace(cfg.Timeframe))
	cfg.Source = strings.TrimSpace(cfg.Source)
	if cfg.Exchange == "" && cfg.Source != "" {
		src, err := r.store.GetDataSourceByName(ctx, cfg.Source)
		if errors.Is(err, store.ErrNotFound) {
			return market.MarketDataConfig{}, &market.ConfigValidationError{Field: "source", Reason: fmt.Sprintf("unknown data source %q", cfg.Source)}
		}
		if err != nil {
			return market.MarketDataConfig{}, err
		}
		cfg.Exchange = src.Exchange
		cfg.SourceType = src.Type
		cfg.DataSourceID = src.ID
	}
	if cfg.Options.Version == 0 {
		cfg.Options.Version = 1
	}
	if err := r.check(cfg); err != nil {
		return market.MarketDataConfig{}, err
	}
	cfg.IsActive = true
	saved, err := r.store.SaveConfig(ctx, cfg)
	if err != nil {
		return market.MarketDataConfig{}, err
	}
	r.put(saved)
	logger.Infof("[registry] activated %s realtime=%t historical=%t", saved, saved.IsRealtime, saved.IsHistorical)
	if err := r.emit(ctx, Event{Kind: EventActivated, Config: saved}); err != nil {
		return saved, err
	}
	return saved, nil
}

// Deactivate 软删除配置并广播停用事件。
func (r *Registry) Deactivate(ctx context.Context, id uint) error {
	cfg, ok := r.Get(id)
	if !ok {
		var err error
		if cfg, err = r.store.GetConfig(ctx, id); err != nil {
			return err
		}
	}
	if err := r.store.DeleteConfig(ctx, id); err != nil {
		return fmt.Errorf("deactivate %s: %w", cfg, err)
	}
	r.mu.Lock()
	delete(r.configs, id)
	delete(r.byKey, cfg.Key())
	r.mu.Unlock()
	cfg.IsActive = false
	cfg.Status = market.StatusUnsubscribed
	logger.Infof("[registry] deactivated %s", cfg)
	return r.emit(ctx, Event{Kind: EventDeactivated, Config: cfg})
}

func (r *Registry) Get(id uint) (market.MarketDataConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

func (r *Registry) GetByKey(key market.ConfigKey) (market.MarketDataConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return market.MarketDataConfig{}, false
	}
	return r.configs[id], true
}

// List 按 id 顺序返回启用的配置。
func (r *Registry) List() []market.MarketDataConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.MarketDataConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) SetStatus(ctx context.Context, id uint, status market.ConfigStatus, lastErr string) error {
	if err := r.store.SetConfigStatus(ctx, id, status, lastErr); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.configs[id]; ok {
		cfg.Status = status
		cfg.LastError = lastErr
		r.configs[id] = cfg
	}
	return nil
}

// MarkSynced 推进 last_sync_at，不会回退。
func (r *Registry) MarkSynced(ctx context.Context, id uint, at time.Time) (bool, error) {
	moved, err := r.store.MarkSynced(ctx, id, at)
	if err != nil || !moved {
		return moved, err
	}
	at = at.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.configs[id]; ok {
		cfg.LastSyncAt = &at
		r.configs[id] = cfg
	}
	return true, nil
}

func (r *Registry) put(cfg market.MarketDataConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.configs[cfg.ID]; ok && prev.Key() != cfg.Key() {
		delete(r.byKey, prev.Key())
	}
	r.configs[cfg.ID] = cfg
	r.byKey[cfg.Key()] = cfg.ID
}

func (r *Registry) emit(ctx context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// check 拒绝没有连接器能服务的配置。
func (r *Registry) check(cfg market.MarketDataConfig) error {
	if cfg.Instrument == "" {
		return &market.ConfigValidationError{Field: "instrument", Reason: "is required"}
	}
	if _, err := market.ParseDataType(string(cfg.DataType)); err != nil {
		return &market.ConfigValidationError{Field: "data_type", Reason: err.Error()}
	}
	if cfg.DataType == market.DataTypeOHLCV || cfg.IsHistorical {
		if _, err := market.ParseTimeframe(cfg.Timeframe); err != nil {
			return &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
		}
	}
	if cfg.IsHistorical && cfg.DataType != market.DataTypeOHLCV {
		return &market.ConfigValidationError{Field: "is_historical", Reason: "backfill only covers OHLCV"}
	}
	if cfg.Options.OrderBookDepth < 0 {
		return &market.ConfigValidationError{Field: "order_book_depth", Reason: "must be >= 0"}
	}
	if r.supported != nil && !r.supported(cfg.Exchange) {
		return &market.UnsupportedDataSourceError{Exchange: cfg.Exchange, DataType: cfg.DataType}
	}
	return nil
}
