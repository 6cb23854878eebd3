// Package normalize maps raw exchange payloads onto the canonical market
// records using per-(exchange, data type) gjson field tables.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedhub/internal/market"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var (
	errMissing  = errors.New("missing")
	errNotValid = errors.New("not valid json")
)

// Normalizer 按 (exchange, data type) 分派到已注册的 Mapping，
// 没有其他状态，Normalize 可并发调用。
type Normalizer struct {
	mu     sync.RWMutex
	tables map[market.ExchangeCode]Mapping
}

func New(mappings ...Mapping) *Normalizer {
	n := &Normalizer{tables: make(map[market.ExchangeCode]Mapping, len(mappings))}
	for _, m := range mappings {
		n.Register(m)
	}
	return n
}

// Register 安装或替换 m.Exchange 的字段表。
func (n *Normalizer) Register(m Mapping) {
	n.mu.Lock()
	n.tables[m.Exchange] = m
	n.mu.Unlock()
}

// Supports reports whether a mapping exists for the pair.
func (n *Normalizer) Supports(exchange market.ExchangeCode, dt market.DataType) bool {
	n.mu.RLock()
	m, ok := n.tables[exchange]
	n.mu.RUnlock()
	if !ok {
		return false
	}
	switch dt {
	case market.DataTypeOHLCV:
		return m.Candle != nil
	case market.DataTypeTick:
		return m.Tick != nil
	case market.DataTypeOrderBook:
		return m.Book != nil
	}
	return false
}

// Normalize maps raw into a canonical record. A missing mapping yields
// UnsupportedDataSourceError; a payload that does not fit the mapping yields
// InvalidDataFormatError.
func (n *Normalizer) Normalize(raw []byte, exchange market.ExchangeCode, dt market.DataType) (market.Record, error) {
	n.mu.RLock()
	m, ok := n.tables[exchange]
	n.mu.RUnlock()
	if !ok {
		return nil, &market.UnsupportedDataSourceError{Exchange: exchange, DataType: dt}
	}
	if !gjson.ValidBytes(raw) {
		return nil, &market.InvalidDataFormatError{Exchange: exchange, DataType: dt, Err: errNotValid}
	}
	doc := gjson.ParseBytes(raw)
	var (
		rec   market.Record
		field string
		err   error
	)
	switch dt {
	case market.DataTypeOHLCV:
		if m.Candle == nil {
			break
		}
		rec, field, err = mapCandle(doc, m.Candle)
	case market.DataTypeTick:
		if m.Tick == nil {
			break
		}
		rec, field, err = mapTick(doc, m.Tick)
	case market.DataTypeOrderBook:
		if m.Book == nil {
			break
		}
		rec, field, err = mapBook(doc, m.Book)
	}
	if rec == nil && err == nil {
		return nil, &market.UnsupportedDataSourceError{Exchange: exchange, DataType: dt}
	}
	if err != nil {
		return nil, &market.InvalidDataFormatError{Exchange: exchange, DataType: dt, Field: field, Err: err}
	}
	return rec, nil
}

func mapCandle(doc gjson.Result, f *CandleFields) (market.Record, string, error) {
	c := &market.Candle{}
	var err error
	if c.Timestamp, err = timeAt(doc, f.Time); err != nil {
		return nil, "time", err
	}
	required := []struct {
		name string
		path Path
		dst  *decimal.Decimal
	}{
		{"open", f.Open, &c.Open},
		{"high", f.High, &c.High},
		{"low", f.Low, &c.Low},
		{"close", f.Close, &c.Close},
		{"volume", f.Volume, &c.Volume},
	}
	for _, r := range required {
		if *r.dst, err = decimalAt(doc, r.path); err != nil {
			return nil, r.name, err
		}
	}
	if c.QuoteVolume, err = optionalDecimal(doc, f.QuoteVolume); err != nil {
		return nil, "quote_volume", err
	}
	if c.Trades, err = optionalInt(doc, f.Trades); err != nil {
		return nil, "trades", err
	}
	return c, "", nil
}

func mapTick(doc gjson.Result, f *TickFields) (market.Record, string, error) {
	t := &market.Tick{}
	var err error
	if t.Timestamp, err = timeAt(doc, f.Time); err != nil {
		return nil, "time", err
	}
	if t.Price, err = decimalAt(doc, f.Price); err != nil {
		return nil, "price", err
	}
	if t.Quantity, err = decimalAt(doc, f.Quantity); err != nil {
		return nil, "quantity", err
	}
	switch {
	case len(f.BuyerMaker) > 0:
		r, ok := lookup(doc, f.BuyerMaker)
		if !ok {
			return nil, "side", errMissing
		}
		t.Side = market.SideBuy
		if r.Bool() {
			t.Side = market.SideSell
		}
	case len(f.Side) > 0:
		r, ok := lookup(doc, f.Side)
		if !ok {
			return nil, "side", errMissing
		}
		// 未识别的写法原样保留，交给校验拒绝
		t.Side = sideOf(r.String(), f.SideMap)
	}
	if r, ok := lookup(doc, f.TradeID); ok {
		t.TradeID = r.String()
	}
	return t, "", nil
}

func mapBook(doc gjson.Result, f *BookFields) (market.Record, string, error) {
	b := &market.OrderBook{}
	var err error
	if b.Timestamp, err = timeAt(doc, f.Time); err != nil {
		return nil, "time", err
	}
	if b.Bids, err = levelsAt(doc, f.Bids, f.Level); err != nil {
		return nil, "bids", err
	}
	if b.Asks, err = levelsAt(doc, f.Asks, f.Level); err != nil {
		return nil, "asks", err
	}
	if b.Sequence, err = optionalInt(doc, f.Sequence); err != nil {
		return nil, "sequence", err
	}
	if b.Checksum, err = optionalInt(doc, f.Checksum); err != nil {
		return nil, "checksum", err
	}
	return b, "", nil
}

func lookup(doc gjson.Result, path Path) (gjson.Result, bool) {
	for _, p := range path {
		r := doc.Get(p)
		if r.Exists() && r.Type != gjson.Null {
			return r, true
		}
	}
	return gjson.Result{}, false
}

// Decimal 把 gjson 值解析为精确小数：字符串按内容，数字按原始 JSON 文本，
// 不经过 float64。
func Decimal(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.String:
		return decimal.NewFromString(strings.TrimSpace(r.Str))
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	default:
		return decimal.Decimal{}, fmt.Errorf("expected number, got %s", r.Type)
	}
}

func decimalAt(doc gjson.Result, path Path) (decimal.Decimal, error) {
	r, ok := lookup(doc, path)
	if !ok {
		return decimal.Decimal{}, errMissing
	}
	return Decimal(r)
}

func optionalDecimal(doc gjson.Result, path Path) (*decimal.Decimal, error) {
	r, ok := lookup(doc, path)
	if !ok {
		return nil, nil
	}
	v, err := Decimal(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optionalInt(doc gjson.Result, path Path) (*int64, error) {
	r, ok := lookup(doc, path)
	if !ok {
		return nil, nil
	}
	raw := strings.TrimSpace(r.Str)
	if r.Type == gjson.Number {
		raw = r.Raw
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func timeAt(doc gjson.Result, f TimeField) (time.Time, error) {
	r, ok := lookup(doc, f.Path)
	if !ok {
		return time.Time{}, errMissing
	}
	return Time(r, f)
}

// Time 按 f 把 gjson 值转换为 UTC 时间。
func Time(r gjson.Result, f TimeField) (time.Time, error) {
	raw := strings.TrimSpace(r.Str)
	if r.Type == gjson.Number {
		raw = r.Raw
	}
	if raw == "" {
		return time.Time{}, errMissing
	}
	if num, err := strconv.ParseFloat(raw, 64); err == nil {
		return epoch(num, f.Unit)
	}
	if f.Layout == "" {
		return time.Time{}, fmt.Errorf("unparseable time %q", raw)
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(f.Layout, raw, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func epoch(v float64, unit TimeUnit) (time.Time, error) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, fmt.Errorf("invalid epoch %v", v)
	}
	if unit == UnitAuto {
		unit = UnitSeconds
		if v > 1e12 {
			unit = UnitMillis
		}
	}
	if unit == UnitMillis {
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func levelsAt(doc gjson.Result, path Path, lf LevelFields) ([]market.PriceLevel, error) {
	r, ok := lookup(doc, path)
	if !ok {
		// 缺失的一侧按空处理
		return []market.PriceLevel{}, nil
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("expected array, got %s", r.Type)
	}
	rows := r.Array()
	out := make([]market.PriceLevel, 0, len(rows))
	for i, row := range rows {
		price, err := decimalAt(row, lf.Price)
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := decimalAt(row, lf.Size)
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		out = append(out, market.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

func sideOf(raw string, table map[string]market.Side) market.Side {
	if table == nil {
		table = DefaultSideMap
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := table[key]; ok {
		return s
	}
	for prefix, s := range table {
		if len(prefix) > 1 && strings.HasPrefix(key, prefix) {
			return s
		}
	}
	return market.Side(strings.ToUpper(key))
}
