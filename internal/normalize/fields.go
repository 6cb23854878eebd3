package normalize

import (
	"time"

	"feedhub/internal/market"
)

// Path lists gjson paths tried in order; the first existing one wins. This
// lets one table cover both the REST row shape and the stream frame shape of
// a venue (e.g. "0" for a kline array and "k.t" for a kline event).
type Path []string

func P(alternatives ...string) Path { return Path(alternatives) }

// TimeUnit 数字时间戳的单位。
type TimeUnit int

const (
	// UnitAuto 大于 1e12 视为毫秒，否则为秒。
	UnitAuto TimeUnit = iota
	UnitMillis
	UnitSeconds
)

// TimeField 时间字段映射。数字或数字字符串按 Unit 换算，
// 其他字符串按 Layout 在 Location 时区下解析。
type TimeField struct {
	Path     Path
	Unit     TimeUnit
	Layout   string
	Location *time.Location
}

type CandleFields struct {
	Time        TimeField
	Open        Path
	High        Path
	Low         Path
	Close       Path
	Volume      Path
	QuoteVolume Path // optional
	Trades      Path // optional
}

type TickFields struct {
	Time     TimeField
	Price    Path
	Quantity Path
	// Side 按字符串读取，在 SideMap 中忽略大小写做前缀匹配，
	// 所以 "sell_market" 与 "sell" 等价。
	Side    Path
	SideMap map[string]market.Side
	// BuyerMaker 为布尔值，true 表示主动方是卖方。
	BuyerMaker Path
	TradeID    Path // optional
}

// LevelFields 单档盘口映射，数组 ("0", "1") 或对象均可。
type LevelFields struct {
	Price Path
	Size  Path
}

type BookFields struct {
	Time     TimeField
	Bids     Path
	Asks     Path
	Level    LevelFields
	Sequence Path // optional
	Checksum Path // optional
}

// Mapping 一个交易所的字段表，某段为 nil 表示不提供该类数据。
type Mapping struct {
	Exchange market.ExchangeCode
	Candle   *CandleFields
	Tick     *TickFields
	Book     *BookFields
}

// DefaultSideMap 常见的买卖方向写法。
var DefaultSideMap = map[string]market.Side{
	"buy":  market.SideBuy,
	"bid":  market.SideBuy,
	"b":    market.SideBuy,
	"sell": market.SideSell,
	"ask":  market.SideSell,
	"s":    market.SideSell,
}

// ArrayLevel 多数交易所使用的 [price, size] 数组格式。
var ArrayLevel = LevelFields{Price: P("0", "price"), Size: P("1", "size", "amount", "quantity")}
