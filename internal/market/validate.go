package market

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/shopspring/decimal"
)

// Rejection is a typed validation failure. It is returned as a value so the
// caller can log and drop the record without tearing the stream down.
type Rejection struct {
	Kind   DataType
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected %s: %s %s", r.Kind, r.Field, r.Reason)
}

func reject(kind DataType, field, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the canonical invariants of rec. A nil result means the
// record may be persisted.
func Validate(rec Record) *Rejection {
	switch r := rec.(type) {
	case *Candle:
		return validateCandle(r)
	case *Tick:
		return validateTick(r)
	case *OrderBook:
		return validateOrderBook(r)
	case nil:
		return &Rejection{Field: "record", Reason: "is nil"}
	default:
		return &Rejection{Kind: rec.Kind(), Field: "record", Reason: fmt.Sprintf("unsupported type %T", rec)}
	}
}

func validateCandle(c *Candle) *Rejection {
	if c == nil {
		return reject(DataTypeOHLCV, "record", "is nil")
	}
	if c.Timestamp.IsZero() {
		return reject(DataTypeOHLCV, "timestamp", "is missing")
	}
	prices := []struct {
		name string
		v    decimal.Decimal
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}}
	for _, p := range prices {
		if p.v.IsNegative() {
			return reject(DataTypeOHLCV, p.name, "must be >= 0, got %s", p.v)
		}
	}
	if c.Volume.IsNegative() {
		return reject(DataTypeOHLCV, "volume", "must be >= 0, got %s", c.Volume)
	}
	if c.High.LessThan(c.Low) {
		return reject(DataTypeOHLCV, "high", "%s below low %s", c.High, c.Low)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return reject(DataTypeOHLCV, "open", "%s outside [%s, %s]", c.Open, c.Low, c.High)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return reject(DataTypeOHLCV, "close", "%s outside [%s, %s]", c.Close, c.Low, c.High)
	}
	if c.QuoteVolume != nil && c.QuoteVolume.IsNegative() {
		return reject(DataTypeOHLCV, "quote_volume", "must be >= 0, got %s", c.QuoteVolume)
	}
	if c.Trades != nil && *c.Trades < 0 {
		return reject(DataTypeOHLCV, "trades", "must be >= 0, got %d", *c.Trades)
	}
	return nil
}

func validateTick(t *Tick) *Rejection {
	if t == nil {
		return reject(DataTypeTick, "record", "is nil")
	}
	if t.Timestamp.IsZero() {
		return reject(DataTypeTick, "timestamp", "is missing")
	}
	if !t.Price.IsPositive() {
		return reject(DataTypeTick, "price", "must be > 0, got %s", t.Price)
	}
	if !t.Quantity.IsPositive() {
		return reject(DataTypeTick, "quantity", "must be > 0, got %s", t.Quantity)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return reject(DataTypeTick, "side", "must be BUY or SELL, got %q", t.Side)
	}
	return nil
}

// validateOrderBook 要求买盘价格严格递减、卖盘价格严格递增。
func validateOrderBook(b *OrderBook) *Rejection {
	if b == nil {
		return reject(DataTypeOrderBook, "record", "is nil")
	}
	if b.Timestamp.IsZero() {
		return reject(DataTypeOrderBook, "timestamp", "is missing")
	}
	for i, lvl := range b.Bids {
		if !lvl.Price.IsPositive() {
			return reject(DataTypeOrderBook, fmt.Sprintf("bids[%d].price", i), "must be > 0, got %s", lvl.Price)
		}
		if lvl.Size.IsNegative() {
			return reject(DataTypeOrderBook, fmt.Sprintf("bids[%d].size", i), "must be >= 0, got %s", lvl.Size)
		}
		if i > 0 && !lvl.Price.LessThan(b.Bids[i-1].Price) {
			return reject(DataTypeOrderBook, fmt.Sprintf("bids[%d].price", i), "must be below %s, got %s", b.Bids[i-1].Price, lvl.Price)
		}
	}
	for i, lvl := range b.Asks {
		if !lvl.Price.IsPositive() {
			return reject(DataTypeOrderBook, fmt.Sprintf("asks[%d].price", i), "must be > 0, got %s", lvl.Price)
		}
		if lvl.Size.IsNegative() {
			return reject(DataTypeOrderBook, fmt.Sprintf("asks[%d].size", i), "must be >= 0, got %s", lvl.Size)
		}
		if i > 0 && !lvl.Price.GreaterThan(b.Asks[i-1].Price) {
			return reject(DataTypeOrderBook, fmt.Sprintf("asks[%d].price", i), "must be above %s, got %s", b.Asks[i-1].Price, lvl.Price)
		}
	}
	return nil
}

const checksumLevels = 25

// BookChecksum computes the CRC32 (IEEE) over the top 25 levels interleaved
// as bid:size:ask:size, read back as a signed 32-bit value.
func BookChecksum(b *OrderBook) int64 {
	if b == nil {
		return 0
	}
	parts := make([]string, 0, checksumLevels*4)
	for i := 0; i < checksumLevels; i++ {
		if i < len(b.Bids) {
			parts = append(parts, b.Bids[i].Price.String(), b.Bids[i].Size.String())
		}
		if i < len(b.Asks) {
			parts = append(parts, b.Asks[i].Price.String(), b.Asks[i].Size.String())
		}
	}
	sum := crc32.ChecksumIEEE([]byte(strings.Join(parts, ":")))
	return int64(int32(sum))
}

// VerifyChecksum returns an OrderBookChecksumError when the book carries a
// venue checksum that does not match its levels. Books without a checksum pass.
func VerifyChecksum(b *OrderBook) error {
	if b == nil || b.Checksum == nil {
		return nil
	}
	actual := BookChecksum(b)
	if actual != *b.Checksum {
		return &OrderBookChecksumError{Symbol: b.Symbol, Expected: *b.Checksum, Actual: actual}
	}
	return nil
}
