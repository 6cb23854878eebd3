package store

import (
	"context"
	"fmt"
	"time"

	"feedhub/internal/market"
)

func (s *Store) CreateSyncLog(ctx context.Context, log market.SyncLog) error {
	if log.ID == "" {
		return fmt.Errorf("store: sync log id is required")
	}
	row := syncLogToModel(log)
	return s.db.WithContext(ctx).Create(&row).Error
}

// UpdateSyncLog writes status, end time, count and error of log. Terminal
// rows are immutable: updating one returns ErrSyncLogFinalized.
func (s *Store) UpdateSyncLog(ctx context.Context, log market.SyncLog) error {
	terminal := []string{string(market.SyncSuccess), string(market.SyncPartial), string(market.SyncFailed)}
	res := s.db.WithContext(ctx).Model(&SyncLogModel{}).
		Where("id = ? AND status NOT IN ?", log.ID, terminal).
		Updates(map[string]any{
			"status":         string(log.Status),
			"ended_at":       utcPtr(log.EndedAt),
			"records_synced": log.RecordsSynced,
			"error_message":  log.ErrorMessage,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.GetSyncLog(ctx, log.ID); err != nil {
		return err
	}
	return ErrSyncLogFinalized
}

func (s *Store) GetSyncLog(ctx context.Context, id string) (market.SyncLog, error) {
	var row SyncLogModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return market.SyncLog{}, notFound(err)
	}
	return syncLogFromModel(row), nil
}

// ListSyncLogs 按时间倒序返回 configID 的日志。
func (s *Store) ListSyncLogs(ctx context.Context, configID uint, limit int) ([]market.SyncLog, error) {
	q := s.db.WithContext(ctx).Where("config_id = ?", configID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []SyncLogModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.SyncLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, syncLogFromModel(r))
	}
	return out, nil
}

// FailOrphanedSyncLogs 把上一个进程遗留的 PENDING/RUNNING 日志置为失败。
func (s *Store) FailOrphanedSyncLogs(ctx context.Context, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&SyncLogModel{}).
		Where("status IN ?", []string{string(market.SyncPending), string(market.SyncRunning)}).
		Updates(map[string]any{
			"status":        string(market.SyncFailed),
			"ended_at":      time.Now().UTC(),
			"error_message": reason,
		})
	return res.RowsAffected, res.Error
}

func syncLogToModel(l market.SyncLog) SyncLogModel {
	return SyncLogModel{
		ID:            l.ID,
		ConfigID:      l.ConfigID,
		Kind:          string(l.Kind),
		Status:        string(l.Status),
		StartedAt:     l.StartedAt.UTC(),
		EndedAt:       utcPtr(l.EndedAt),
		RecordsSynced: l.RecordsSynced,
		ErrorMessage:  l.ErrorMessage,
	}
}

func syncLogFromModel(r SyncLogModel) market.SyncLog {
	return market.SyncLog{
		ID:            r.ID,
		ConfigID:      r.ConfigID,
		Kind:          market.SyncKind(r.Kind),
		Status:        market.SyncStatus(r.Status),
		StartedAt:     r.StartedAt.UTC(),
		EndedAt:       utcPtr(r.EndedAt),
		RecordsSynced: r.RecordsSynced,
		ErrorMessage:  r.ErrorMessage,
	}
}
