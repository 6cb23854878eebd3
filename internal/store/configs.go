package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"feedhub/internal/market"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveConfig creates the subscription for cfg's tuple, or updates the
// existing row (reviving it when soft-deleted). DataSourceID may be left
// zero when cfg.Source names an existing data source.
func (s *Store) SaveConfig(ctx context.Context, cfg market.MarketDataConfig) (market.MarketDataConfig, error) {
	cfg.Instrument = strings.ToUpper(strings.TrimSpace(cfg.Instrument))
	cfg.Timeframe = strings.ToLower(strings.TrimSpace(cfg.Timeframe))
	if cfg.Instrument == "" {
		return market.MarketDataConfig{}, &market.ConfigValidationError{Field: "instrument", Reason: "is required"}
	}
	if cfg.DataType == "" {
		return market.MarketDataConfig{}, &market.ConfigValidationError{Field: "data_type", Reason: "is required"}
	}
	opts, err := json.Marshal(cfg.Options)
	if err != nil {
		return market.MarketDataConfig{}, fmt.Errorf("store: encode options: %w", err)
	}

	var id uint
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.DataSourceID == 0 {
			var ds DataSourceModel
			if err := tx.Where("name = ?", strings.TrimSpace(cfg.Source)).First(&ds).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return &market.ConfigValidationError{Field: "source", Reason: fmt.Sprintf("unknown data source %q", cfg.Source)}
				}
				return err
			}
			cfg.DataSourceID = ds.ID
		}

		var existing ConfigModel
		err := tx.Unscoped().
			Where("instrument = ? AND timeframe = ? AND data_source_id = ? AND data_type = ?",
				cfg.Instrument, cfg.Timeframe, cfg.DataSourceID, string(cfg.DataType)).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			status := cfg.Status
			if status == "" {
				status = market.StatusPending
			}
			row := ConfigModel{
				Instrument:   cfg.Instrument,
				Timeframe:    cfg.Timeframe,
				DataSourceID: cfg.DataSourceID,
				DataType:     string(cfg.DataType),
				Account:      cfg.Account,
				IsRealtime:   cfg.IsRealtime,
				IsHistorical: cfg.IsHistorical,
				IsActive:     cfg.IsActive,
				Status:       string(status),
				LastSyncAt:   utcPtr(cfg.LastSyncAt),
				Options:      datatypes.JSON(opts),
			}
			if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
				return err
			}
			id = row.ID
			return nil
		case err != nil:
			return err
		}

		updates := map[string]any{
			"account":       cfg.Account,
			"is_realtime":   cfg.IsRealtime,
			"is_historical": cfg.IsHistorical,
			"is_active":     cfg.IsActive,
			"options":       datatypes.JSON(opts),
			"deleted_at":    nil,
		}
		if existing.DeletedAt.Valid {
			updates["status"] = string(market.StatusPending)
			updates["last_error"] = ""
		}
		if err := tx.Unscoped().Model(&ConfigModel{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	if err != nil {
		return market.MarketDataConfig{}, err
	}
	return s.GetConfig(ctx, id)
}

func (s *Store) GetConfig(ctx context.Context, id uint) (market.MarketDataConfig, error) {
	var row ConfigModel
	if err := s.db.WithContext(ctx).Preload("DataSource").First(&row, id).Error; err != nil {
		return market.MarketDataConfig{}, notFound(err)
	}
	return configFromModel(row), nil
}

// ConfigFilter ListConfigs 的过滤条件。
type ConfigFilter struct {
	ActiveOnly bool
	Historical bool
	Exchange   market.ExchangeCode
}

func (s *Store) ListConfigs(ctx context.Context, f ConfigFilter) ([]market.MarketDataConfig, error) {
	q := s.db.WithContext(ctx).Preload("DataSource").Order("market_data_config.id")
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if f.Historical {
		q = q.Where("is_historical = ?", true)
	}
	if f.Exchange != "" {
		q = q.Where("data_source_id IN (?)", s.db.Model(&DataSourceModel{}).Select("id").Where("exchange_code = ?", string(f.Exchange)))
	}
	var rows []ConfigModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.MarketDataConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, configFromModel(r))
	}
	return out, nil
}

// SetConfigStatus 记录状态变化，lastErr 原样保存，空字符串表示清除。
func (s *Store) SetConfigStatus(ctx context.Context, id uint, status market.ConfigStatus, lastErr string) error {
	res := s.db.WithContext(ctx).Model(&ConfigModel{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "last_error": lastErr})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced advances last_sync_at to at. It never moves it backwards and
// reports whether the row changed.
func (s *Store) MarkSynced(ctx context.Context, id uint, at time.Time) (bool, error) {
	at = at.UTC()
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ConfigModel
		if err := tx.Select("id", "last_sync_at").First(&row, id).Error; err != nil {
			return notFound(err)
		}
		if row.LastSyncAt != nil && !at.After(row.LastSyncAt.UTC()) {
			return nil
		}
		changed = true
		return tx.Model(&ConfigModel{}).Where("id = ?", id).Update("last_sync_at", at).Error
	})
	return changed, err
}

// DeleteConfig 停用并软删除订阅。
func (s *Store) DeleteConfig(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ConfigModel{}).Where("id = ?", id).
			Updates(map[string]any{"is_active": false, "status": string(market.StatusUnsubscribed)})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&ConfigModel{}, id).Error
	})
}

func configFromModel(r ConfigModel) market.MarketDataConfig {
	var opts market.ConfigOptions
	if len(r.Options) > 0 {
		_ = json.Unmarshal(r.Options, &opts)
	}
	return market.MarketDataConfig{
		ID:           r.ID,
		Instrument:   r.Instrument,
		Timeframe:    r.Timeframe,
		DataSourceID: r.DataSourceID,
		Source:       r.DataSource.Name,
		Exchange:     market.ExchangeCode(r.DataSource.ExchangeCode),
		SourceType:   market.SourceType(r.DataSource.Type),
		DataType:     market.DataType(r.DataType),
		Account:      r.Account,
		IsRealtime:   r.IsRealtime,
		IsHistorical: r.IsHistorical,
		IsActive:     r.IsActive,
		Status:       market.ConfigStatus(r.Status),
		LastSyncAt:   utcPtr(r.LastSyncAt),
		LastError:    r.LastError,
		Options:      opts,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}
