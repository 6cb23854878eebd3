package store

import (
	"context"
	"fmt"
	"strings"

	"feedhub/internal/market"

	"gorm.io/gorm/clause"
)

// UpsertExchange creates or refreshes a venue row keyed by code.
func (s *Store) UpsertExchange(ctx context.Context, ex market.Exchange) error {
	code := strings.TrimSpace(string(ex.Code))
	if code == "" {
		return fmt.Errorf("store: exchange code is required")
	}
	row := ExchangeModel{
		Code:               code,
		RESTBaseURL:        ex.RESTBaseURL,
		WSBaseURL:          ex.WSBaseURL,
		RateLimitPerMinute: ex.RateLimitPerMinute,
		Sandbox:            ex.Sandbox,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"rest_base_url", "ws_base_url", "rate_limit_per_minute", "sandbox", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) ListExchanges(ctx context.Context) ([]market.Exchange, error) {
	var rows []ExchangeModel
	if err := s.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.Exchange, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.Exchange{
			Code:               market.ExchangeCode(r.Code),
			RESTBaseURL:        r.RESTBaseURL,
			WSBaseURL:          r.WSBaseURL,
			RateLimitPerMinute: r.RateLimitPerMinute,
			Sandbox:            r.Sandbox,
		})
	}
	return out, nil
}

// UpsertDataSource creates or refreshes a data source keyed by name and
// returns it with its id.
func (s *Store) UpsertDataSource(ctx context.Context, ds market.DataSource) (market.DataSource, error) {
	name := strings.TrimSpace(ds.Name)
	if name == "" {
		return market.DataSource{}, fmt.Errorf("store: data source name is required")
	}
	row := DataSourceModel{
		Name:          name,
		ExchangeCode:  string(ds.Exchange),
		Type:          string(ds.Type),
		BaseURL:       ds.BaseURL,
		CredentialRef: ds.CredentialRef,
		Active:        ds.Active,
	}
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"exchange_code", "type", "base_url", "credential_ref", "active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return market.DataSource{}, err
	}
	return s.GetDataSourceByName(ctx, name)
}

func (s *Store) GetDataSourceByName(ctx context.Context, name string) (market.DataSource, error) {
	var row DataSourceModel
	if err := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&row).Error; err != nil {
		return market.DataSource{}, notFound(err)
	}
	return dataSourceFromModel(row), nil
}

func (s *Store) ListDataSources(ctx context.Context) ([]market.DataSource, error) {
	var rows []DataSourceModel
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.DataSource, 0, len(rows))
	for _, r := range rows {
		out = append(out, dataSourceFromModel(r))
	}
	return out, nil
}

func dataSourceFromModel(r DataSourceModel) market.DataSource {
	return market.DataSource{
		ID:            r.ID,
		Name:          r.Name,
		Exchange:      market.ExchangeCode(r.ExchangeCode),
		Type:          market.SourceType(r.Type),
		BaseURL:       r.BaseURL,
		CredentialRef: r.CredentialRef,
		Active:        r.Active,
	}
}
