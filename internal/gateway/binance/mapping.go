package binance

import (
	"feedhub/internal/market"
	"feedhub/internal/normalize"
)

// Mapping reads REST kline rows ([openTime, o, h, l, c, v, closeTime, qv, n, ...])
// and stream kline events ({"k":{...}}) with one table. Book frames are the
// partial depth payload wrapped as {"received_at": ms, "book": {...}}.
var Mapping = normalize.Mapping{
	Exchange: market.ExchangeBinance,
	Candle: &normalize.CandleFields{
		Time:        normalize.TimeField{Path: normalize.P("0", "k.t"), Unit: normalize.UnitMillis},
		Open:        normalize.P("1", "k.o"),
		High:        normalize.P("2", "k.h"),
		Low:         normalize.P("3", "k.l"),
		Close:       normalize.P("4", "k.c"),
		Volume:      normalize.P("5", "k.v"),
		QuoteVolume: normalize.P("7", "k.q"),
		Trades:      normalize.P("8", "k.n"),
	},
	Tick: &normalize.TickFields{
		Time:       normalize.TimeField{Path: normalize.P("T"), Unit: normalize.UnitMillis},
		Price:      normalize.P("p"),
		Quantity:   normalize.P("q"),
		BuyerMaker: normalize.P("m"),
		TradeID:    normalize.P("t"),
	},
	Book: &normalize.BookFields{
		Time:     normalize.TimeField{Path: normalize.P("received_at"), Unit: normalize.UnitMillis},
		Bids:     normalize.P("book.bids"),
		Asks:     normalize.P("book.asks"),
		Level:    normalize.ArrayLevel,
		Sequence: normalize.P("book.lastUpdateId"),
	},
}
