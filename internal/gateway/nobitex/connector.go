package nobitex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pkg/sign"
	symbolpkg "feedhub/internal/pkg/symbol"
	"feedhub/internal/ratelimit"

	"github.com/tidwall/gjson"
)

const (
	historyPath   = "/market/udf/history"
	tradesPath    = "/v2/trades"
	orderbookPath = "/v3/orderbook"
)

// Nobitex udf 接口支持的 resolution，按周期索引
var resolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"6h":  "360",
	"12h": "720",
	"1d":  "D",
}

// Connector 轮询 Nobitex REST 接口，Nobitex 没有公开的行情推送。
type Connector struct {
	cfg     Config
	rest    *exchange.RESTClient
	limiter *ratelimit.Limiter
	account string
	buffer  int
	nowFn   func() time.Time
}

func Factory(d exchange.Deps) (exchange.Connector, error) {
	return New(configFromDeps(d), d.Limiter, d.Account, d.Buffer, d.HTTPClient), nil
}

func New(cfg Config, limiter *ratelimit.Limiter, account string, buffer int, httpClient *http.Client) *Connector {
	final := cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: final.HTTPTimeout}
	}
	var header http.Header
	if final.Token != "" {
		header = http.Header{"Authorization": []string{sign.NobitexToken(final.Token)}}
	}
	return &Connector{
		cfg: final,
		rest: exchange.NewRESTClient(exchange.RESTConfig{
			Exchange:          market.ExchangeNobitex,
			BaseURL:           final.RESTBaseURL,
			HTTPClient:        httpClient,
			RequestsPerSecond: final.RequestsPerSecond,
			Limiter:           limiter,
			Account:           account,
			Header:            header,
			EndpointKey:       endpointKey,
		}),
		limiter: limiter,
		account: account,
		buffer:  buffer,
		nowFn:   time.Now,
	}
}

func (c *Connector) Code() market.ExchangeCode { return market.ExchangeNobitex }

func (c *Connector) Mappings() []normalize.Mapping { return []normalize.Mapping{Mapping} }

func (c *Connector) HistoricalEndpoint() exchange.Endpoint {
	return exchange.Endpoint{Path: historyPath, Weight: 1}
}

// SignRequest returns the Authorization header value; Nobitex authenticates
// with a static token instead of a per-request signature.
func (c *Connector) SignRequest(map[string]string) (string, error) {
	if c.cfg.Token == "" {
		return "", sign.ErrEmptySecret
	}
	return sign.NobitexToken(c.cfg.Token), nil
}

func (c *Connector) Connect(ctx context.Context) (exchange.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, market.NewConnectError(market.ExchangeNobitex, err)
	}
	return exchange.NewPollSession(exchange.PollConfig{
		Exchange: market.ExchangeNobitex,
		Interval: c.cfg.PollInterval,
		Buffer:   c.buffer,
		Limiter:  c.limiter,
		Account:  c.account,
		Endpoint: endpointFor,
		Poll:     c.poll,
	})
}

func endpointFor(t exchange.Topic) exchange.Endpoint {
	switch t.DataType {
	case market.DataTypeTick:
		return exchange.Endpoint{Path: tradesPath, Weight: 1}
	case market.DataTypeOrderBook:
		return exchange.Endpoint{Path: orderbookPath, Weight: 1}
	default:
		return exchange.Endpoint{Path: historyPath, Weight: 1}
	}
}

// endpointKey 去掉交易对路径段，所有市场共用一份额度。
func endpointKey(path string) string {
	for _, p := range []string{tradesPath, orderbookPath} {
		if strings.HasPrefix(path, p+"/") {
			return p
		}
	}
	return path
}

func (c *Connector) poll(ctx context.Context, t exchange.Topic) ([]exchange.RawMessage, error) {
	switch t.DataType {
	case market.DataTypeOHLCV:
		return c.pollCandles(ctx, t)
	case market.DataTypeTick:
		return c.pollTrades(ctx, t)
	case market.DataTypeOrderBook:
		return c.pollBook(ctx, t)
	default:
		return nil, &market.UnsupportedDataSourceError{Exchange: market.ExchangeNobitex, DataType: t.DataType}
	}
}

// pollCandles 重新读取最近几根已收盘 K 线，重复数据由存储的唯一键去重。
func (c *Connector) pollCandles(ctx context.Context, t exchange.Topic) ([]exchange.RawMessage, error) {
	tf, err := market.ParseTimeframe(t.Timeframe)
	if err != nil {
		return nil, &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
	}
	since := tf.AlignDown(c.nowFn()).Add(-3 * tf.Duration)
	rows, err := c.FetchHistorical(ctx, exchange.HistoricalRequest{Symbol: t.Symbol, Timeframe: tf.Key, Since: since, Limit: 3})
	if err != nil {
		return nil, err
	}
	now := c.nowFn().UTC()
	out := make([]exchange.RawMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, exchange.RawMessage{
			Exchange:   market.ExchangeNobitex,
			Stream:     historyPath,
			Symbol:     row.Symbol,
			DataType:   market.DataTypeOHLCV,
			Timeframe:  tf.Key,
			Payload:    row.Payload,
			ReceivedAt: now,
		})
	}
	return out, nil
}

func (c *Connector) pollTrades(ctx context.Context, t exchange.Topic) ([]exchange.RawMessage, error) {
	wire := symbolpkg.Nobitex.ToExchange(t.Symbol)
	body, err := c.rest.Get(ctx, tradesPath+"/"+wire, nil, nil)
	if err != nil {
		return nil, err
	}
	doc, err := c.envelope(tradesPath, body)
	if err != nil {
		return nil, err
	}
	trades := doc.Get("trades").Array()
	now := c.nowFn().UTC()
	out := make([]exchange.RawMessage, 0, len(trades))
	// Nobitex 按时间倒序返回，这里按到达顺序输出
	for i := len(trades) - 1; i >= 0; i-- {
		out = append(out, exchange.RawMessage{
			Exchange:   market.ExchangeNobitex,
			Stream:     tradesPath,
			Symbol:     wire,
			DataType:   market.DataTypeTick,
			Payload:    []byte(trades[i].Raw),
			ReceivedAt: now,
		})
	}
	return out, nil
}

func (c *Connector) pollBook(ctx context.Context, t exchange.Topic) ([]exchange.RawMessage, error) {
	wire := symbolpkg.Nobitex.ToExchange(t.Symbol)
	body, err := c.rest.Get(ctx, orderbookPath+"/"+wire, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := c.envelope(orderbookPath, body); err != nil {
		return nil, err
	}
	return []exchange.RawMessage{{
		Exchange:   market.ExchangeNobitex,
		Stream:     orderbookPath,
		Symbol:     wire,
		DataType:   market.DataTypeOrderBook,
		Payload:    body,
		ReceivedAt: c.nowFn().UTC(),
	}}, nil
}

// envelope 检查 {"status":"ok"} 包装，Nobitex 出错时也返回 HTTP 200。
func (c *Connector) envelope(endpoint string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &market.InvalidDataFormatError{Exchange: market.ExchangeNobitex, Err: fmt.Errorf("%s: invalid json", endpoint)}
	}
	doc := gjson.ParseBytes(body)
	if status := doc.Get("status").String(); status != "" && status != "ok" {
		return gjson.Result{}, &market.DataFetchError{
			Exchange: market.ExchangeNobitex,
			Endpoint: endpoint,
			Status:   http.StatusOK,
			Code:     doc.Get("code").String(),
			Message:  doc.Get("message").String(),
		}
	}
	return doc, nil
}

func (c *Connector) FetchHistorical(ctx context.Context, req exchange.HistoricalRequest) ([]exchange.RawCandle, error) {
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
	}
	resolution, ok := resolutions[tf.Key]
	if !ok {
		return nil, &market.ConfigValidationError{Field: "timeframe", Reason: "not offered by nobitex: " + tf.Key}
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	now := c.nowFn()
	from := tf.AlignDown(req.Since)
	if req.Since.IsZero() {
		from = tf.AlignDown(now).Add(-time.Duration(limit) * tf.Duration)
	}
	to := from.Add(time.Duration(limit) * tf.Duration)
	if to.After(now) {
		to = now
	}
	wire := symbolpkg.Nobitex.ToExchange(req.Symbol)
	q := url.Values{}
	q.Set("symbol", wire)
	q.Set("resolution", resolution)
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	body, err := c.rest.Get(ctx, historyPath, q, nil)
	if err != nil {
		return nil, err
	}
	rows, err := splitUDF(body)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.RawCandle, 0, len(rows))
	for _, row := range rows {
		if !tf.Closed(row.open, now) || row.open.Before(from) {
			continue
		}
		out = append(out, exchange.RawCandle{
			Exchange:  market.ExchangeNobitex,
			Symbol:    wire,
			Timeframe: tf.Key,
			OpenTime:  row.open,
			Payload:   row.payload,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type udfRow struct {
	open    time.Time
	payload []byte
}

// splitUDF 把列式的 {"s","t":[],"o":[],...} 结果拆成每根 K 线一个 JSON 对象，
// 保留原始数字字面量。
func splitUDF(body []byte) ([]udfRow, error) {
	if !gjson.ValidBytes(body) {
		return nil, &market.InvalidDataFormatError{Exchange: market.ExchangeNobitex, DataType: market.DataTypeOHLCV, Err: fmt.Errorf("udf: invalid json")}
	}
	doc := gjson.ParseBytes(body)
	switch doc.Get("s").String() {
	case "ok":
	case "no_data":
		return nil, nil
	default:
		return nil, &market.DataFetchError{
			Exchange: market.ExchangeNobitex,
			Endpoint: historyPath,
			Status:   http.StatusOK,
			Message:  orDefault(doc.Get("errmsg").String(), "udf status "+doc.Get("s").String()),
		}
	}
	cols := map[string][]gjson.Result{}
	for _, k := range []string{"t", "o", "h", "l", "c", "v"} {
		cols[k] = doc.Get(k).Array()
	}
	n := len(cols["t"])
	for k, col := range cols {
		if len(col) != n {
			return nil, &market.InvalidDataFormatError{Exchange: market.ExchangeNobitex, DataType: market.DataTypeOHLCV, Field: k, Err: fmt.Errorf("column length %d, want %d", len(col), n)}
		}
	}
	out := make([]udfRow, 0, n)
	for i := 0; i < n; i++ {
		var b strings.Builder
		b.WriteByte('{')
		for j, k := range []string{"t", "o", "h", "l", "c", "v"} {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%q:%s", k, cols[k][i].Raw)
		}
		b.WriteByte('}')
		out = append(out, udfRow{
			open:    time.Unix(cols["t"][i].Int(), 0).UTC(),
			payload: []byte(b.String()),
		})
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

var _ exchange.Connector = (*Connector)(nil)
