package apihttp

import (
	"time"

	"feedhub/internal/cache"
	"feedhub/internal/ingest"
	"feedhub/internal/market"
)

// SubscriptionView 是对外暴露的订阅概要，附带采集任务状态。
type SubscriptionView struct {
	ID           uint                 `json:"id"`
	Key          market.ConfigKey     `json:"key"`
	Instrument   string               `json:"instrument"`
	Timeframe    string               `json:"timeframe,omitempty"`
	Source       string               `json:"source"`
	Exchange     market.ExchangeCode  `json:"exchange"`
	DataType     market.DataType      `json:"data_type"`
	IsRealtime   bool                 `json:"is_realtime"`
	IsHistorical bool                 `json:"is_historical"`
	Status       market.ConfigStatus  `json:"status"`
	LastSyncAt   *time.Time           `json:"last_sync_at,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
	Options      market.ConfigOptions `json:"options"`
	Task         *ingest.TaskStatus   `json:"task,omitempty"`
}

func newSubscriptionView(cfg market.MarketDataConfig) SubscriptionView {
	return SubscriptionView{
		ID:           cfg.ID,
		Key:          cfg.Key(),
		Instrument:   cfg.Instrument,
		Timeframe:    cfg.Timeframe,
		Source:       cfg.Source,
		Exchange:     cfg.Exchange,
		DataType:     cfg.DataType,
		IsRealtime:   cfg.IsRealtime,
		IsHistorical: cfg.IsHistorical,
		Status:       cfg.Status,
		LastSyncAt:   cfg.LastSyncAt,
		LastError:    cfg.LastError,
		Options:      cfg.Options,
	}
}

// SyncLogView mirrors market.SyncLog with json names.
type SyncLogView struct {
	ID            string            `json:"id"`
	ConfigID      uint              `json:"config_id"`
	Kind          market.SyncKind   `json:"kind"`
	Status        market.SyncStatus `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	RecordsSynced int64             `json:"records_synced"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

func newSyncLogView(l market.SyncLog) SyncLogView {
	return SyncLogView(l)
}

// LatestView is the answer of the latest-value endpoint. Cache is "hit" or
// "miss"; a miss was answered from the durable store.
type LatestView struct {
	Cache string      `json:"cache"`
	Entry cache.Entry `json:"entry"`
}

// RateLimitView mirrors market.RateLimitState.
type RateLimitView struct {
	Account       string     `json:"account"`
	Endpoint      string     `json:"endpoint"`
	WindowStart   time.Time  `json:"window_start"`
	RequestsCount int        `json:"requests_count"`
	IsRateLimited bool       `json:"is_rate_limited"`
	Penalized     bool       `json:"penalized"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`
}
