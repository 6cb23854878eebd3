package nobitex

import (
	"feedhub/internal/market"
	"feedhub/internal/normalize"
)

// Mapping covers the named-field payloads. Candle rows are the udf columns
// re-assembled into one object per bar.
var Mapping = normalize.Mapping{
	Exchange: market.ExchangeNobitex,
	Candle: &normalize.CandleFields{
		Time:   normalize.TimeField{Path: normalize.P("t"), Unit: normalize.UnitSeconds},
		Open:   normalize.P("o"),
		High:   normalize.P("h"),
		Low:    normalize.P("l"),
		Close:  normalize.P("c"),
		Volume: normalize.P("v"),
	},
	Tick: &normalize.TickFields{
		Time:     normalize.TimeField{Path: normalize.P("time"), Unit: normalize.UnitMillis},
		Price:    normalize.P("price"),
		Quantity: normalize.P("volume"),
		Side:     normalize.P("type"),
		SideMap:  normalize.DefaultSideMap,
	},
	Book: &normalize.BookFields{
		Time:  normalize.TimeField{Path: normalize.P("lastUpdate"), Unit: normalize.UnitMillis},
		Bids:  normalize.P("bids"),
		Asks:  normalize.P("asks"),
		Level: normalize.ArrayLevel,
	},
}
