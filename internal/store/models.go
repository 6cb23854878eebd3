package store

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func allModels() []any {
	return []any{
		&ExchangeModel{},
		&DataSourceModel{},
		&ConfigModel{},
		&SnapshotModel{},
		&TickModel{},
		&OrderBookModel{},
		&SyncLogModel{},
		&RateLimitStateModel{},
	}
}

type ExchangeModel struct {
	ID                 uint   `gorm:"column:id;primaryKey"`
	Code               string `gorm:"column:code;size:32;uniqueIndex"`
	RESTBaseURL        string `gorm:"column:rest_base_url"`
	WSBaseURL          string `gorm:"column:ws_base_url"`
	RateLimitPerMinute int    `gorm:"column:rate_limit_per_minute"`
	Sandbox            bool   `gorm:"column:sandbox"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (ExchangeModel) TableName() string { return "exchange" }

type DataSourceModel struct {
	ID            uint   `gorm:"column:id;primaryKey"`
	Name          string `gorm:"column:name;size:64;uniqueIndex"`
	ExchangeCode  string `gorm:"column:exchange_code;size:32;index"`
	Type          string `gorm:"column:type;size:16"`
	BaseURL       string `gorm:"column:base_url"`
	CredentialRef string `gorm:"column:credential_ref"`
	Active        bool   `gorm:"column:active"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (DataSourceModel) TableName() string { return "data_source" }

// ConfigModel is unique on (instrument, timeframe, data_source_id, data_type),
// including soft-deleted rows; re-creating a deleted tuple revives it.
type ConfigModel struct {
	ID           uint            `gorm:"column:id;primaryKey"`
	Instrument   string          `gorm:"column:instrument;size:32;uniqueIndex:idx_config_tuple,priority:1"`
	Timeframe    string          `gorm:"column:timeframe;size:8;uniqueIndex:idx_config_tuple,priority:2"`
	DataSourceID uint            `gorm:"column:data_source_id;uniqueIndex:idx_config_tuple,priority:3"`
	DataType     string          `gorm:"column:data_type;size:16;uniqueIndex:idx_config_tuple,priority:4"`
	Account      string          `gorm:"column:account;size:64"`
	IsRealtime   bool            `gorm:"column:is_realtime"`
	IsHistorical bool            `gorm:"column:is_historical"`
	IsActive     bool            `gorm:"column:is_active;index"`
	Status       string          `gorm:"column:status;size:16"`
	LastSyncAt   *time.Time      `gorm:"column:last_sync_at"`
	LastError    string          `gorm:"column:last_error"`
	Options      datatypes.JSON  `gorm:"column:options"`
	DataSource   DataSourceModel `gorm:"foreignKey:DataSourceID"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (ConfigModel) TableName() string { return "market_data_config" }

// SnapshotModel is one persisted OHLCV bar. Prices carry 8 fractional
// digits, volumes 16.
type SnapshotModel struct {
	ID          uint        `gorm:"column:id;primaryKey"`
	ConfigID    uint        `gorm:"column:config_id;uniqueIndex:idx_snapshot_key,priority:1"`
	Timestamp   time.Time   `gorm:"column:timestamp;uniqueIndex:idx_snapshot_key,priority:2"`
	Symbol      string      `gorm:"column:symbol;size:32"`
	Timeframe   string      `gorm:"column:timeframe;size:8"`
	Source      string      `gorm:"column:source;size:32"`
	Open        Numeric     `gorm:"column:open;precision:28;scale:8"`
	High        Numeric     `gorm:"column:high;precision:28;scale:8"`
	Low         Numeric     `gorm:"column:low;precision:28;scale:8"`
	Close       Numeric     `gorm:"column:close;precision:28;scale:8"`
	Volume      Numeric     `gorm:"column:volume;precision:36;scale:16"`
	QuoteVolume NullNumeric `gorm:"column:quote_volume;precision:36;scale:16"`
	Trades      *int64      `gorm:"column:trades"`
	CreatedAt   time.Time
}

func (SnapshotModel) TableName() string { return "market_data_snapshot" }

type TickModel struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	ConfigID  uint      `gorm:"column:config_id;uniqueIndex:idx_tick_key,priority:1"`
	Timestamp time.Time `gorm:"column:timestamp;uniqueIndex:idx_tick_key,priority:2"`
	Symbol    string    `gorm:"column:symbol;size:32"`
	Source    string    `gorm:"column:source;size:32"`
	Price     Numeric   `gorm:"column:price;precision:28;scale:8"`
	Quantity  Numeric   `gorm:"column:quantity;precision:36;scale:16"`
	Side      string    `gorm:"column:side;size:4"`
	TradeID   string    `gorm:"column:trade_id;size:64"`
	CreatedAt time.Time
}

func (TickModel) TableName() string { return "market_data_tick" }

type OrderBookModel struct {
	ID        uint           `gorm:"column:id;primaryKey"`
	ConfigID  uint           `gorm:"column:config_id;uniqueIndex:idx_order_book_key,priority:1"`
	Timestamp time.Time      `gorm:"column:timestamp;uniqueIndex:idx_order_book_key,priority:2"`
	Symbol    string         `gorm:"column:symbol;size:32"`
	Source    string         `gorm:"column:source;size:32"`
	Bids      datatypes.JSON `gorm:"column:bids"`
	Asks      datatypes.JSON `gorm:"column:asks"`
	Sequence  *int64         `gorm:"column:sequence"`
	Checksum  *int64         `gorm:"column:checksum"`
	CreatedAt time.Time
}

func (OrderBookModel) TableName() string { return "market_data_order_book" }

type SyncLogModel struct {
	ID            string     `gorm:"column:id;primaryKey;size:36"`
	ConfigID      uint       `gorm:"column:config_id;index"`
	Kind          string     `gorm:"column:kind;size:16"`
	Status        string     `gorm:"column:status;size:16;index"`
	StartedAt     time.Time  `gorm:"column:started_at"`
	EndedAt       *time.Time `gorm:"column:ended_at"`
	RecordsSynced int64      `gorm:"column:records_synced"`
	ErrorMessage  string     `gorm:"column:error_message"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (SyncLogModel) TableName() string { return "market_data_sync_log" }

type RateLimitStateModel struct {
	ID            uint       `gorm:"column:id;primaryKey"`
	Account       string     `gorm:"column:account;size:64;uniqueIndex:idx_rate_limit_key,priority:1"`
	Endpoint      string     `gorm:"column:endpoint;size:128;uniqueIndex:idx_rate_limit_key,priority:2"`
	WindowStart   time.Time  `gorm:"column:window_start"`
	RequestsCount int        `gorm:"column:requests_count"`
	IsRateLimited bool       `gorm:"column:is_rate_limited"`
	Penalized     bool       `gorm:"column:is_penalized"`
	RetryAfter    *time.Time `gorm:"column:retry_after"`
	UpdatedAt     time.Time
}

func (RateLimitStateModel) TableName() string { return "rate_limit_state" }
