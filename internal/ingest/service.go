package ingest

import (
	"context"
	"errors"
	"time"

	"feedhub/internal/cache"
	"feedhub/internal/market"
)

// LatestReader 缓存未命中时回退读取持久化存储。
type LatestReader interface {
	LatestRecord(ctx context.Context, cfg market.MarketDataConfig) (market.Record, error)
}

// Service 对外提供的读接口。
type Service struct {
	cache   cache.Cache
	records LatestReader
}

func NewService(c cache.Cache, records LatestReader) *Service {
	return &Service{cache: c, records: records}
}

// GetLatest reads the cache only. cache.ErrMiss tells the caller to query the
// durable store.
func (s *Service) GetLatest(ctx context.Context, key market.ConfigKey) (cache.Entry, error) {
	if s.cache == nil {
		return cache.Entry{}, cache.ErrMiss
	}
	return s.cache.Get(ctx, key)
}

// Latest returns the cached entry, or the newest stored record on a miss.
// fromCache reports which side answered.
func (s *Service) Latest(ctx context.Context, cfg market.MarketDataConfig) (entry cache.Entry, fromCache bool, err error) {
	entry, err = s.GetLatest(ctx, cfg.Key())
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return cache.Entry{}, false, err
	}
	if s.records == nil {
		return cache.Entry{}, false, cache.ErrMiss
	}
	rec, err := s.records.LatestRecord(ctx, cfg)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return cache.NewEntry(cfg, rec, rec.At()), false, nil
}

// Warm 在缓存为空时载入 cfg 最新的已存储记录。
func (s *Service) Warm(ctx context.Context, cfg market.MarketDataConfig) error {
	if s.cache == nil || s.records == nil {
		return nil
	}
	if _, err := s.cache.Get(ctx, cfg.Key()); err == nil {
		return nil
	}
	rec, err := s.records.LatestRecord(ctx, cfg)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.NewEntry(cfg, rec, time.Now()))
}
