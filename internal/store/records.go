package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"feedhub/internal/market"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// 唯一键冲突即视为已存在，返回值只统计新插入的行
var skipDuplicates = clause.OnConflict{DoNothing: true}

// InsertCandles appends candles, ignoring rows whose (config, timestamp)
// already exists, and returns the number of new rows.
func (s *Store) InsertCandles(ctx context.Context, candles []market.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	rows := make([]SnapshotModel, 0, len(candles))
	for _, c := range candles {
		if c.ConfigID == 0 {
			return 0, fmt.Errorf("store: candle without config id")
		}
		rows = append(rows, snapshotFromCandle(c))
	}
	res := s.db.WithContext(ctx).Clauses(skipDuplicates).CreateInBatches(&rows, insertBatchSize)
	return res.RowsAffected, res.Error
}

func (s *Store) InsertTicks(ctx context.Context, ticks []market.Tick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	rows := make([]TickModel, 0, len(ticks))
	for _, t := range ticks {
		if t.ConfigID == 0 {
			return 0, fmt.Errorf("store: tick without config id")
		}
		rows = append(rows, TickModel{
			ConfigID:  t.ConfigID,
			Timestamp: t.Timestamp.UTC(),
			Symbol:    t.Symbol,
			Source:    string(t.Source),
			Price:     num(t.Price),
			Quantity:  num(t.Quantity),
			Side:      string(t.Side),
			TradeID:   t.TradeID,
		})
	}
	res := s.db.WithContext(ctx).Clauses(skipDuplicates).CreateInBatches(&rows, insertBatchSize)
	return res.RowsAffected, res.Error
}

func (s *Store) InsertOrderBook(ctx context.Context, b market.OrderBook) (bool, error) {
	if b.ConfigID == 0 {
		return false, fmt.Errorf("store: order book without config id")
	}
	bids, err := json.Marshal(levelsOrEmpty(b.Bids))
	if err != nil {
		return false, err
	}
	asks, err := json.Marshal(levelsOrEmpty(b.Asks))
	if err != nil {
		return false, err
	}
	row := OrderBookModel{
		ConfigID:  b.ConfigID,
		Timestamp: b.Timestamp.UTC(),
		Symbol:    b.Symbol,
		Source:    string(b.Source),
		Bids:      datatypes.JSON(bids),
		Asks:      datatypes.JSON(asks),
		Sequence:  b.Sequence,
		Checksum:  b.Checksum,
	}
	res := s.db.WithContext(ctx).Clauses(skipDuplicates).Create(&row)
	return res.RowsAffected > 0, res.Error
}

// InsertRecord persists one canonical record and reports whether a new row
// was written (false for a duplicate).
func (s *Store) InsertRecord(ctx context.Context, rec market.Record) (bool, error) {
	switch r := rec.(type) {
	case *market.Candle:
		n, err := s.InsertCandles(ctx, []market.Candle{*r})
		return n > 0, err
	case *market.Tick:
		n, err := s.InsertTicks(ctx, []market.Tick{*r})
		return n > 0, err
	case *market.OrderBook:
		return s.InsertOrderBook(ctx, *r)
	default:
		return false, fmt.Errorf("store: unsupported record %T", rec)
	}
}

// LatestRecord 按时间戳返回 cfg 最新的已存储记录。
func (s *Store) LatestRecord(ctx context.Context, cfg market.MarketDataConfig) (market.Record, error) {
	switch cfg.DataType {
	case market.DataTypeOHLCV:
		c, err := s.LatestCandle(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		return &c, nil
	case market.DataTypeTick:
		var row TickModel
		if err := s.db.WithContext(ctx).Where("config_id = ?", cfg.ID).Order("timestamp DESC").First(&row).Error; err != nil {
			return nil, notFound(err)
		}
		return &market.Tick{
			ConfigID:  row.ConfigID,
			Symbol:    row.Symbol,
			Source:    market.ExchangeCode(row.Source),
			Timestamp: row.Timestamp.UTC(),
			Price:     row.Price.Decimal,
			Quantity:  row.Quantity.Decimal,
			Side:      market.Side(row.Side),
			TradeID:   row.TradeID,
		}, nil
	case market.DataTypeOrderBook:
		var row OrderBookModel
		if err := s.db.WithContext(ctx).Where("config_id = ?", cfg.ID).Order("timestamp DESC").First(&row).Error; err != nil {
			return nil, notFound(err)
		}
		book := &market.OrderBook{
			ConfigID:  row.ConfigID,
			Symbol:    row.Symbol,
			Source:    market.ExchangeCode(row.Source),
			Timestamp: row.Timestamp.UTC(),
			Sequence:  row.Sequence,
			Checksum:  row.Checksum,
		}
		if err := json.Unmarshal(row.Bids, &book.Bids); err != nil {
			return nil, fmt.Errorf("store: decode bids: %w", err)
		}
		if err := json.Unmarshal(row.Asks, &book.Asks); err != nil {
			return nil, fmt.Errorf("store: decode asks: %w", err)
		}
		return book, nil
	default:
		return nil, fmt.Errorf("store: unsupported data type %q", cfg.DataType)
	}
}

func (s *Store) LatestCandle(ctx context.Context, configID uint) (market.Candle, error) {
	var row SnapshotModel
	if err := s.db.WithContext(ctx).Where("config_id = ?", configID).Order("timestamp DESC").First(&row).Error; err != nil {
		return market.Candle{}, notFound(err)
	}
	return candleFromSnapshot(row), nil
}

// ListCandles returns candles of configID in [from, to] ascending. Zero
// bounds are open; limit <= 0 means no limit.
func (s *Store) ListCandles(ctx context.Context, configID uint, from, to time.Time, limit int) ([]market.Candle, error) {
	q := s.db.WithContext(ctx).Where("config_id = ?", configID)
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("timestamp <= ?", to.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []SnapshotModel
	if err := q.Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, candleFromSnapshot(r))
	}
	return out, nil
}

// CountRecords 统计 configID 下 dt 类型的行数。
func (s *Store) CountRecords(ctx context.Context, configID uint, dt market.DataType) (int64, error) {
	var model any
	switch dt {
	case market.DataTypeOHLCV:
		model = &SnapshotModel{}
	case market.DataTypeTick:
		model = &TickModel{}
	case market.DataTypeOrderBook:
		model = &OrderBookModel{}
	default:
		return 0, fmt.Errorf("store: unsupported data type %q", dt)
	}
	var n int64
	err := s.db.WithContext(ctx).Model(model).Where("config_id = ?", configID).Count(&n).Error
	return n, err
}

func snapshotFromCandle(c market.Candle) SnapshotModel {
	return SnapshotModel{
		ConfigID:    c.ConfigID,
		Timestamp:   c.Timestamp.UTC(),
		Symbol:      c.Symbol,
		Timeframe:   c.Timeframe,
		Source:      string(c.Source),
		Open:        num(c.Open),
		High:        num(c.High),
		Low:         num(c.Low),
		Close:       num(c.Close),
		Volume:      num(c.Volume),
		QuoteVolume: nullNum(c.QuoteVolume),
		Trades:      c.Trades,
	}
}

func candleFromSnapshot(r SnapshotModel) market.Candle {
	return market.Candle{
		ConfigID:    r.ConfigID,
		Symbol:      r.Symbol,
		Timeframe:   r.Timeframe,
		Source:      market.ExchangeCode(r.Source),
		Timestamp:   r.Timestamp.UTC(),
		Open:        r.Open.Decimal,
		High:        r.High.Decimal,
		Low:         r.Low.Decimal,
		Close:       r.Close.Decimal,
		Volume:      r.Volume.Decimal,
		QuoteVolume: r.QuoteVolume.ptr(),
		Trades:      r.Trades,
	}
}

func levelsOrEmpty(levels []market.PriceLevel) []market.PriceLevel {
	if levels == nil {
		return []market.PriceLevel{}
	}
	return levels
}
