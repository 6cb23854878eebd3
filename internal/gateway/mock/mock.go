// Package mock provides a fixture connector for supervisor and backfill
// tests. Payloads use the kline array layout.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pkg/sign"
)

// Script 描述一次 Connect 的产出：按顺序推送消息，之后 Err 非空则断开，
// 否则保持空闲连接。
type Script struct {
	Messages []exchange.RawMessage
	Err      error
}

type Connector struct {
	code market.ExchangeCode

	mu          sync.Mutex
	pages       [][]exchange.RawCandle
	series      []exchange.RawCandle
	fetchErrs   []error
	connectErrs []error
	scripts     []Script
	fetches     []exchange.HistoricalRequest
	connects    int
	sessions    []*Session
}

func New(code market.ExchangeCode) *Connector {
	if code == "" {
		code = market.ExchangeBinance
	}
	return &Connector{code: code}
}

// Factory adapts a prepared connector to exchange.Factory.
func (c *Connector) Factory() exchange.Factory {
	return func(exchange.Deps) (exchange.Connector, error) { return c, nil }
}

// WithPages 每次 FetchHistorical 返回一页，用完后返回空页。
func (c *Connector) WithPages(pages ...[]exchange.RawCandle) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = pages
	return c
}

// WithSeries serves rows with OpenTime >= Since, up to Limit.
func (c *Connector) WithSeries(rows []exchange.RawCandle) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = append([]exchange.RawCandle(nil), rows...)
	sort.Slice(c.series, func(i, j int) bool { return c.series[i].OpenTime.Before(c.series[j].OpenTime) })
	return c
}

// FailFetches 让接下来的 FetchHistorical 按顺序返回这些错误。
func (c *Connector) FailFetches(errs ...error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErrs = append(c.fetchErrs, errs...)
	return c
}

// FailConnects 让接下来的 Connect 按顺序返回这些错误。
func (c *Connector) FailConnects(errs ...error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrs = append(c.connectErrs, errs...)
	return c
}

// WithScripts 每次成功 Connect 消耗一个脚本，用完后会话保持空闲。
func (c *Connector) WithScripts(scripts ...Script) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, scripts...)
	return c
}

func (c *Connector) Code() market.ExchangeCode { return c.code }

func (c *Connector) Mappings() []normalize.Mapping { return []normalize.Mapping{Mapping(c.code)} }

func (c *Connector) HistoricalEndpoint() exchange.Endpoint {
	return exchange.Endpoint{Path: "/mock/klines", Weight: 1}
}

func (c *Connector) SignRequest(params map[string]string) (string, error) {
	return sign.Binance("mock-secret", params)
}

func (c *Connector) Connect(ctx context.Context) (exchange.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, market.NewConnectError(c.code, err)
	}
	var script Script
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	s := newSession(script)
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *Connector) FetchHistorical(ctx context.Context, req exchange.HistoricalRequest) ([]exchange.RawCandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches = append(c.fetches, req)
	if len(c.fetchErrs) > 0 {
		err := c.fetchErrs[0]
		c.fetchErrs = c.fetchErrs[1:]
		return nil, err
	}
	if c.pages != nil {
		if len(c.pages) == 0 {
			return nil, nil
		}
		page := c.pages[0]
		c.pages = c.pages[1:]
		return page, nil
	}
	out := make([]exchange.RawCandle, 0, req.Limit)
	for _, row := range c.series {
		if row.OpenTime.Before(req.Since) {
			continue
		}
		out = append(out, row)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

// Fetches returns the requests seen so far.
func (c *Connector) Fetches() []exchange.HistoricalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange.HistoricalRequest(nil), c.fetches...)
}

func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Connector) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

// Session 在第一个 topic 订阅后开始回放 Script。
type Session struct {
	script  Script
	topics  *exchange.TopicSet
	out     chan exchange.RawMessage
	started chan struct{}
	closed  chan struct{}

	mu        sync.Mutex
	err       error
	startOnce sync.Once
	closeOnce sync.Once
	snapshots []exchange.Topic
}

func newSession(script Script) *Session {
	s := &Session{
		script:  script,
		topics:  exchange.NewTopicSet(),
		out:     make(chan exchange.RawMessage),
		started: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go s.play()
	return s
}

func (s *Session) play() {
	defer close(s.out)
	select {
	case <-s.started:
	case <-s.closed:
		return
	}
	for _, m := range s.script.Messages {
		select {
		case s.out <- m:
		case <-s.closed:
			return
		}
	}
	if s.script.Err != nil {
		s.mu.Lock()
		s.err = s.script.Err
		s.mu.Unlock()
		return
	}
	<-s.closed
}

func (s *Session) Subscribe(_ context.Context, t exchange.Topic) error {
	select {
	case <-s.closed:
		return errors.New("mock session closed")
	default:
	}
	s.topics.Add(t)
	s.startOnce.Do(func() { close(s.started) })
	return nil
}

func (s *Session) Unsubscribe(_ context.Context, t exchange.Topic) error {
	s.topics.Remove(t)
	return nil
}

func (s *Session) Topics() []exchange.Topic { return s.topics.List() }

func (s *Session) Listen() <-chan exchange.RawMessage { return s.out }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) RequestSnapshot(_ context.Context, t exchange.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, t)
	return nil
}

func (s *Session) Snapshots() []exchange.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exchange.Topic(nil), s.snapshots...)
}

// Mapping is the kline array table registered under code.
func Mapping(code market.ExchangeCode) normalize.Mapping {
	return normalize.Mapping{
		Exchange: code,
		Candle: &normalize.CandleFields{
			Time:   normalize.TimeField{Path: normalize.P("0"), Unit: normalize.UnitMillis},
			Open:   normalize.P("1"),
			High:   normalize.P("2"),
			Low:    normalize.P("3"),
			Close:  normalize.P("4"),
			Volume: normalize.P("5"),
		},
		Tick: &normalize.TickFields{
			Time:     normalize.TimeField{Path: normalize.P("T"), Unit: normalize.UnitMillis},
			Price:    normalize.P("p"),
			Quantity: normalize.P("q"),
			Side:     normalize.P("side"),
		},
		Book: &normalize.BookFields{
			Time:     normalize.TimeField{Path: normalize.P("T"), Unit: normalize.UnitMillis},
			Bids:     normalize.P("bids"),
			Asks:     normalize.P("asks"),
			Level:    normalize.ArrayLevel,
			Checksum: normalize.P("checksum"),
		},
	}
}

// KlinePayload renders one bar in the kline array layout.
func KlinePayload(open time.Time, o, h, l, c, v string) []byte {
	return []byte(fmt.Sprintf(`[%d,%q,%q,%q,%q,%q]`, open.UnixMilli(), o, h, l, c, v))
}

// Candles 从 start 开始生成 n 根连续的合法 K 线。
func Candles(code market.ExchangeCode, symbol string, tf market.Timeframe, start time.Time, n int) []exchange.RawCandle {
	out := make([]exchange.RawCandle, 0, n)
	for i := 0; i < n; i++ {
		open := start.Add(time.Duration(i) * tf.Duration).UTC()
		price := 50000 + i%100
		out = append(out, exchange.RawCandle{
			Exchange:  code,
			Symbol:    symbol,
			Timeframe: tf.Key,
			OpenTime:  open,
			Payload: KlinePayload(open,
				fmt.Sprint(price), fmt.Sprint(price+10), fmt.Sprint(price-10), fmt.Sprint(price+5), "1.5"),
		})
	}
	return out
}

// CandleMessages 把 K 线转换为流消息。
func CandleMessages(rows []exchange.RawCandle) []exchange.RawMessage {
	out := make([]exchange.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, exchange.RawMessage{
			Exchange:   r.Exchange,
			Symbol:     r.Symbol,
			DataType:   market.DataTypeOHLCV,
			Timeframe:  r.Timeframe,
			Payload:    r.Payload,
			ReceivedAt: time.Now().UTC(),
		})
	}
	return out
}

var (
	_ exchange.Connector         = (*Connector)(nil)
	_ exchange.Session           = (*Session)(nil)
	_ exchange.SnapshotRequester = (*Session)(nil)
)
