// Package cache holds the freshest observed record per subscription.
package cache

import (
	"context"
	"errors"
	"time"

	"feedhub/internal/market"
)

// ErrMiss 不是错误，表示调用方应查询持久化存储。
var ErrMiss = errors.New("cache: miss")

// Entry 一个订阅最近一次观测到的值，按 DataType 只设置 Candle/Tick/Book 之一。
type Entry struct {
	Key        market.ConfigKey  `json:"key"`
	ConfigID   uint              `json:"config_id"`
	DataType   market.DataType   `json:"data_type"`
	Candle     *market.Candle    `json:"candle,omitempty"`
	Tick       *market.Tick      `json:"tick,omitempty"`
	Book       *market.OrderBook `json:"book,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// NewEntry 包装 rec。ObservedAt 是到达时间而不是记录时间，缓存按到达顺序后写覆盖。
func NewEntry(cfg market.MarketDataConfig, rec market.Record, observedAt time.Time) Entry {
	e := Entry{Key: cfg.Key(), ConfigID: cfg.ID, DataType: rec.Kind(), ObservedAt: observedAt.UTC()}
	switch r := rec.(type) {
	case *market.Candle:
		e.Candle = r
	case *market.Tick:
		e.Tick = r
	case *market.OrderBook:
		e.Book = r
	}
	return e
}

// Record 返回包装的记录，可能为 nil。
func (e Entry) Record() market.Record {
	switch {
	case e.Candle != nil:
		return e.Candle
	case e.Tick != nil:
		return e.Tick
	case e.Book != nil:
		return e.Book
	}
	return nil
}

// Cache is written by at most one ingestion task per key in steady state.
type Cache interface {
	Set(ctx context.Context, e Entry) error
	Get(ctx context.Context, key market.ConfigKey) (Entry, error)
	Delete(ctx context.Context, key market.ConfigKey) error
}
