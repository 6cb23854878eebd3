package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record 与交易所无关的标准行情数据。
type Record interface {
	Kind() DataType
	At() time.Time
	// Bind 把所属订阅写入记录
	Bind(cfg MarketDataConfig)
}

// Candle is a normalized OHLCV bar. Timestamp is the bar open time in UTC.
// Optional fields stay nil when the exchange does not report them.
type Candle struct {
	ConfigID    uint             `json:"config_id"`
	Symbol      string           `json:"symbol"`
	Timeframe   string           `json:"timeframe"`
	Source      ExchangeCode     `json:"source"`
	Timestamp   time.Time        `json:"timestamp"`
	Open        decimal.Decimal  `json:"open"`
	High        decimal.Decimal  `json:"high"`
	Low         decimal.Decimal  `json:"low"`
	Close       decimal.Decimal  `json:"close"`
	Volume      decimal.Decimal  `json:"volume"`
	QuoteVolume *decimal.Decimal `json:"quote_volume,omitempty"`
	Trades      *int64           `json:"trades,omitempty"`
}

func (c *Candle) Kind() DataType { return DataTypeOHLCV }
func (c *Candle) At() time.Time  { return c.Timestamp }

func (c *Candle) Bind(cfg MarketDataConfig) {
	c.ConfigID = cfg.ID
	c.Symbol = cfg.Instrument
	c.Timeframe = cfg.Timeframe
	c.Source = cfg.Exchange
}

// Side 成交的主动方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Tick 归一化后的单笔成交。
type Tick struct {
	ConfigID  uint            `json:"config_id"`
	Symbol    string          `json:"symbol"`
	Source    ExchangeCode    `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	TradeID   string          `json:"trade_id,omitempty"`
}

func (t *Tick) Kind() DataType { return DataTypeTick }
func (t *Tick) At() time.Time  { return t.Timestamp }

func (t *Tick) Bind(cfg MarketDataConfig) {
	t.ConfigID = cfg.ID
	t.Symbol = cfg.Instrument
	t.Source = cfg.Exchange
}

// PriceLevel 盘口一侧的一档 (price, size)。
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook 归一化后的完整盘口快照。买盘按价格降序，卖盘按价格升序，
// 与交易所推送顺序一致。
type OrderBook struct {
	ConfigID  uint         `json:"config_id"`
	Symbol    string       `json:"symbol"`
	Source    ExchangeCode `json:"source"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  *int64       `json:"sequence,omitempty"`
	Checksum  *int64       `json:"checksum,omitempty"`
}

func (b *OrderBook) Kind() DataType { return DataTypeOrderBook }
func (b *OrderBook) At() time.Time  { return b.Timestamp }

func (b *OrderBook) Bind(cfg MarketDataConfig) {
	b.ConfigID = cfg.ID
	b.Symbol = cfg.Instrument
	b.Source = cfg.Exchange
}

var (
	_ Record = (*Candle)(nil)
	_ Record = (*Tick)(nil)
	_ Record = (*OrderBook)(nil)
)
