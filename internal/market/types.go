package market

import (
	"fmt"
	"strings"
	"time"
)

// ExchangeCode 交易所代码。
type ExchangeCode string

const (
	ExchangeBinance ExchangeCode = "BINANCE"
	ExchangeNobitex ExchangeCode = "NOBITEX"
	ExchangeLBank   ExchangeCode = "LBANK"
)

// ParseExchangeCode 去空格并转大写，不检查连接器是否注册。
func ParseExchangeCode(s string) ExchangeCode {
	return ExchangeCode(strings.ToUpper(strings.TrimSpace(s)))
}

// DataType 订阅的数据类型。
type DataType string

const (
	DataTypeOHLCV     DataType = "OHLCV"
	DataTypeTick      DataType = "TICK"
	DataTypeOrderBook DataType = "ORDER_BOOK"
)

func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OHLCV", "KLINE", "CANDLE":
		return DataTypeOHLCV, nil
	case "TICK", "TRADE":
		return DataTypeTick, nil
	case "ORDER_BOOK", "ORDERBOOK", "DEPTH":
		return DataTypeOrderBook, nil
	default:
		return "", fmt.Errorf("unknown data type %q", s)
	}
}

// SourceType 数据源的传输方式。
type SourceType string

const (
	SourceREST      SourceType = "REST"
	SourceWebsocket SourceType = "WEBSOCKET"
	SourceFile      SourceType = "FILE"
)

func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REST", "HTTP", "":
		return SourceREST, nil
	case "WEBSOCKET", "WS":
		return SourceWebsocket, nil
	case "FILE":
		return SourceFile, nil
	default:
		return "", fmt.Errorf("unknown source type %q", s)
	}
}

// ConfigStatus 订阅状态，持久化在 MarketDataConfig 上。
type ConfigStatus string

const (
	StatusPending      ConfigStatus = "PENDING"
	StatusSubscribed   ConfigStatus = "SUBSCRIBED"
	StatusUnsubscribed ConfigStatus = "UNSUBSCRIBED"
	StatusError        ConfigStatus = "ERROR"
)

// SyncStatus 同步日志的状态，SUCCESS/PARTIAL/FAILED 为终态。
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncRunning SyncStatus = "RUNNING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

func (s SyncStatus) Terminal() bool {
	return s == SyncSuccess || s == SyncPartial || s == SyncFailed
}

// SyncKind tells backfill jobs and streaming sessions apart in the sync log.
type SyncKind string

const (
	SyncKindBackfill SyncKind = "BACKFILL"
	SyncKindStream   SyncKind = "STREAM"
)

// Exchange 交易所参考数据，创建后不变。
type Exchange struct {
	Code               ExchangeCode
	RESTBaseURL        string
	WSBaseURL          string
	RateLimitPerMinute int
	Sandbox            bool
}

// DataSource 逻辑数据源，通常每个交易所+协议一个。
type DataSource struct {
	ID            uint
	Name          string
	Exchange      ExchangeCode
	Type          SourceType
	BaseURL       string
	CredentialRef string
	Active        bool
}

// ConfigOptions 按数据类型区分的订阅参数；Extra 只透传交易所特有字段。
type ConfigOptions struct {
	Version        int               `json:"version"`
	OrderBookDepth int               `json:"order_book_depth,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// MarketDataConfig 订阅单元，(Instrument, Timeframe, DataSourceID, DataType) 唯一。
type MarketDataConfig struct {
	ID           uint
	Instrument   string
	Timeframe    string
	DataSourceID uint
	Source       string
	Exchange     ExchangeCode
	SourceType   SourceType
	DataType     DataType
	Account      string
	IsRealtime   bool
	IsHistorical bool
	IsActive     bool
	Status       ConfigStatus
	LastSyncAt   *time.Time
	LastError    string
	Options      ConfigOptions
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConfigKey 订阅在缓存中的键。
type ConfigKey string

func (c MarketDataConfig) Key() ConfigKey {
	parts := []string{
		strings.ToLower(strings.TrimSpace(c.Source)),
		strings.ToUpper(strings.TrimSpace(c.Instrument)),
		strings.ToLower(strings.TrimSpace(c.Timeframe)),
		string(c.DataType),
	}
	return ConfigKey(strings.Join(parts, ":"))
}

// AccountName returns the rate-limit account this config spends budget on.
func (c MarketDataConfig) AccountName() string {
	acct := strings.TrimSpace(c.Account)
	if acct == "" {
		acct = "default"
	}
	return strings.ToLower(string(c.Exchange)) + ":" + acct
}

func (c MarketDataConfig) String() string {
	return fmt.Sprintf("config#%d(%s)", c.ID, c.Key())
}

// SyncLog 一次补数或一次流会话的记录。
type SyncLog struct {
	ID            string
	ConfigID      uint
	Kind          SyncKind
	Status        SyncStatus
	StartedAt     time.Time
	EndedAt       *time.Time
	RecordsSynced int64
	ErrorMessage  string
}

// RateLimitState (account, endpoint) 在当前窗口内的计数。
type RateLimitState struct {
	Account       string
	Endpoint      string
	WindowStart   time.Time
	RequestsCount int
	IsRateLimited bool
	// Penalized 表示交易所返回 429/418 后的封禁，持续到 RetryAfter；
	// 预算不足的拒绝不会设置它。
	Penalized  bool
	RetryAfter *time.Time
}
