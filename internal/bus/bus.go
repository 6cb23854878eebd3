// Package bus publishes persisted snapshots to downstream consumers.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"feedhub/internal/market"

	"github.com/shopspring/decimal"
)

// Publisher 把消息投递到指定 topic。
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// Topic returns "market.<symbol>.<timeframe>".
func Topic(symbol, timeframe string) string {
	return "market." + strings.ToUpper(strings.TrimSpace(symbol)) + "." + strings.ToLower(strings.TrimSpace(timeframe))
}

// SnapshotMessage 每写入一条新快照后发布的 JSON 消息。
type SnapshotMessage struct {
	InstrumentID uint                `json:"instrument_id"`
	Symbol       string              `json:"symbol"`
	Timeframe    string              `json:"timeframe"`
	Timestamp    time.Time           `json:"timestamp"`
	Open         decimal.Decimal     `json:"open"`
	High         decimal.Decimal     `json:"high"`
	Low          decimal.Decimal     `json:"low"`
	Close        decimal.Decimal     `json:"close"`
	Volume       decimal.Decimal     `json:"volume"`
	Source       market.ExchangeCode `json:"source"`
}

func NewSnapshotMessage(cfg market.MarketDataConfig, c market.Candle) SnapshotMessage {
	return SnapshotMessage{
		InstrumentID: cfg.ID,
		Symbol:       cfg.Instrument,
		Timeframe:    cfg.Timeframe,
		Timestamp:    c.Timestamp.UTC(),
		Open:         c.Open,
		High:         c.High,
		Low:          c.Low,
		Close:        c.Close,
		Volume:       c.Volume,
		Source:       cfg.Exchange,
	}
}

// PublishSnapshot encodes c and publishes it on the config's topic. The
// message key is the config key, so one config stays on one partition.
func PublishSnapshot(ctx context.Context, p Publisher, cfg market.MarketDataConfig, c market.Candle) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(NewSnapshotMessage(cfg, c))
	if err != nil {
		return err
	}
	return p.Publish(ctx, Topic(cfg.Instrument, cfg.Timeframe), []byte(cfg.Key()), payload)
}

// Nop 丢弃所有消息。
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte, []byte) error { return nil }
func (Nop) Close() error                                          { return nil }

// Message is one payload captured by Memory.
type Message struct {
	Topic   string
	Key     []byte
	Payload []byte
}

// Memory 按顺序保存已发布的消息，用于测试和 dry run。
type Memory struct {
	mu       sync.Mutex
	messages []Message
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(_ context.Context, topic string, key, payload []byte) error {
	m.mu.Lock()
	m.messages = append(m.messages, Message{Topic: topic, Key: append([]byte(nil), key...), Payload: append([]byte(nil), payload...)})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}
