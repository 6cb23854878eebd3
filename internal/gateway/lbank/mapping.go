package lbank

import (
	"time"

	"feedhub/internal/market"
	"feedhub/internal/normalize"
)

// LBank stamps stream frames in China Standard Time without an offset.
var cst = time.FixedZone("CST", 8*3600)

const tsLayout = "2006-01-02T15:04:05.000"

// Mapping reads kline.do rows ([t, o, h, l, c, v]) and the V2 stream
// envelopes ({"kbar":{...}}, {"trade":{...}}, {"depth":{...}}).
var Mapping = normalize.Mapping{
	Exchange: market.ExchangeLBank,
	Candle: &normalize.CandleFields{
		Time:        normalize.TimeField{Path: normalize.P("0", "kbar.t"), Unit: normalize.UnitSeconds, Layout: tsLayout, Location: cst},
		Open:        normalize.P("1", "kbar.o"),
		High:        normalize.P("2", "kbar.h"),
		Low:         normalize.P("3", "kbar.l"),
		Close:       normalize.P("4", "kbar.c"),
		Volume:      normalize.P("5", "kbar.v"),
		QuoteVolume: normalize.P("kbar.a"),
		Trades:      normalize.P("kbar.n"),
	},
	Tick: &normalize.TickFields{
		Time:     normalize.TimeField{Path: normalize.P("trade.TS"), Layout: tsLayout, Location: cst},
		Price:    normalize.P("trade.price"),
		Quantity: normalize.P("trade.volume"),
		Side:     normalize.P("trade.direction"),
		SideMap:  normalize.DefaultSideMap,
	},
	Book: &normalize.BookFields{
		Time:  normalize.TimeField{Path: normalize.P("TS", "data.timestamp"), Unit: normalize.UnitAuto, Layout: tsLayout, Location: cst},
		Bids:  normalize.P("depth.bids", "data.bids"),
		Asks:  normalize.P("depth.asks", "data.asks"),
		Level: normalize.ArrayLevel,
	},
}
