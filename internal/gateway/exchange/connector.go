package exchange

import (
	"context"
	"net/http"
	"time"

	"feedhub/internal/credential"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/ratelimit"
)

// Connector 实现单个交易所的通信协议，不做归一化。
type Connector interface {
	Code() market.ExchangeCode
	// Connect opens a streaming (or polling) session. Failures are
	// *market.ConnectError.
	Connect(ctx context.Context) (Session, error)
	// FetchHistorical returns one page ordered by open time. The caller
	// pages by advancing Since past the last row.
	FetchHistorical(ctx context.Context, req HistoricalRequest) ([]RawCandle, error)
	SignRequest(params map[string]string) (string, error)
	Mappings() []normalize.Mapping
	HistoricalEndpoint() Endpoint
}

// Session 一条活动连接。连接断开时 Listen 关闭，Err 给出原因；会话不可重启。
type Session interface {
	Subscribe(ctx context.Context, topic Topic) error
	Unsubscribe(ctx context.Context, topic Topic) error
	Listen() <-chan RawMessage
	Err() error
	Close() error
}

// SnapshotRequester 由能按需推送完整盘口快照的会话实现。
type SnapshotRequester interface {
	RequestSnapshot(ctx context.Context, topic Topic) error
}

// Deps 构建某个 (exchange, account) 连接器所需的依赖。
type Deps struct {
	Exchange     market.Exchange
	Source       market.DataSource
	Account      string
	Credentials  credential.Credentials
	Limiter      *ratelimit.Limiter
	HTTPClient   *http.Client
	PollInterval time.Duration
	Buffer       int
}

func (d Deps) withDefaults() Deps {
	out := d
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.Buffer <= 0 {
		out.Buffer = 256
	}
	if out.Account == "" {
		out.Account = "default"
	}
	return out
}

// Factory 构建连接器。
type Factory func(Deps) (Connector, error)
