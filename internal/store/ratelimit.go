package store

import (
	"context"

	"feedhub/internal/market"

	"gorm.io/gorm/clause"
)

// SaveRateLimitStates upserts one row per (account, endpoint); an expired
// window is replaced in place, never accumulated.
func (s *Store) SaveRateLimitStates(ctx context.Context, states []market.RateLimitState) error {
	if len(states) == 0 {
		return nil
	}
	rows := make([]RateLimitStateModel, 0, len(states))
	for _, st := range states {
		rows = append(rows, RateLimitStateModel{
			Account:       st.Account,
			Endpoint:      st.Endpoint,
			WindowStart:   st.WindowStart.UTC(),
			RequestsCount: st.RequestsCount,
			IsRateLimited: st.IsRateLimited,
			Penalized:     st.Penalized,
			RetryAfter:    utcPtr(st.RetryAfter),
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}, {Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"window_start", "requests_count", "is_rate_limited", "is_penalized", "retry_after", "updated_at"}),
	}).Create(&rows).Error
}

func (s *Store) LoadRateLimitStates(ctx context.Context) ([]market.RateLimitState, error) {
	var rows []RateLimitStateModel
	if err := s.db.WithContext(ctx).Order("account, endpoint").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.RateLimitState, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.RateLimitState{
			Account:       r.Account,
			Endpoint:      r.Endpoint,
			WindowStart:   r.WindowStart.UTC(),
			RequestsCount: r.RequestsCount,
			IsRateLimited: r.IsRateLimited,
			Penalized:     r.Penalized,
			RetryAfter:    utcPtr(r.RetryAfter),
		})
	}
	return out, nil
}
