package exchange

import (
	"strings"
	"time"

	"feedhub/internal/market"
)

// RawMessage is one inbound frame in the exchange's own wire format. Payload
// is handed to the normalizer untouched.
type RawMessage struct {
	Exchange   market.ExchangeCode
	Stream     string
	Symbol     string
	DataType   market.DataType
	Timeframe  string
	Payload    []byte
	ReceivedAt time.Time
}

// RawCandle 历史数据页中的一行。
type RawCandle struct {
	Exchange  market.ExchangeCode
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Payload   []byte
}

// Topic is what a session subscribes to. Symbol is the canonical instrument
// (BTCUSDT); adapters convert it to their wire format.
type Topic struct {
	Symbol    string
	DataType  market.DataType
	Timeframe string
	Depth     int
}

func (t Topic) Key() string {
	return strings.ToUpper(t.Symbol) + "|" + string(t.DataType) + "|" + strings.ToLower(t.Timeframe)
}

// TopicFor 由订阅生成会话的 topic。
func TopicFor(cfg market.MarketDataConfig) Topic {
	return Topic{
		Symbol:    strings.ToUpper(strings.TrimSpace(cfg.Instrument)),
		DataType:  cfg.DataType,
		Timeframe: strings.ToLower(strings.TrimSpace(cfg.Timeframe)),
		Depth:     cfg.Options.OrderBookDepth,
	}
}

// Endpoint REST 路径及单次调用消耗的权重。
type Endpoint struct {
	Path   string
	Weight int
}

// HistoricalRequest 请求开盘时间不早于 Since 的 K 线。
type HistoricalRequest struct {
	Symbol    string
	Timeframe string
	Since     time.Time
	Limit     int
}
