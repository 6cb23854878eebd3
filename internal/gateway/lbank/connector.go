package lbank

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
	klinePath       = "/v2/kline.do"
	depthPath       = "/v2/depth.do"
	maxHistoryLimit = 2000
)

// kline.do type names keyed by timeframe.
var klineTypes = map[string]string{
	"1m":  "minute1",
	"5m":  "minute5",
	"15m": "minute15",
	"30m": "minute30",
	"1h":  "hour1",
	"4h":  "hour4",
	"12h": "hour12",
	"1d":  "day1",
	"1w":  "week1",
}

// stream kbar slot names keyed by timeframe.
var kbarSlots = map[string]string{
	"1m":  "1min",
	"5m":  "5min",
	"15m": "15min",
	"30m": "30min",
	"1h":  "1hr",
	"4h":  "4hr",
	"1d":  "day",
	"1w":  "week",
}

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
	return &Connector{
		cfg: final,
		rest: exchange.NewRESTClient(exchange.RESTConfig{
			Exchange:          market.ExchangeLBank,
			BaseURL:           final.RESTBaseURL,
			HTTPClient:        httpClient,
			RequestsPerSecond: final.RequestsPerSecond,
			Limiter:           limiter,
			Account:           account,
		}),
		limiter: limiter,
		account: account,
		buffer:  buffer,
		nowFn:   time.Now,
	}
}

func (c *Connector) Code() market.ExchangeCode { return market.ExchangeLBank }

func (c *Connector) Mappings() []normalize.Mapping { return []normalize.Mapping{Mapping} }

func (c *Connector) HistoricalEndpoint() exchange.Endpoint {
	return exchange.Endpoint{Path: klinePath, Weight: 1}
}

func (c *Connector) SignRequest(params map[string]string) (string, error) {
	return sign.LBank(c.cfg.APISecret, params)
}

func (c *Connector) Connect(ctx context.Context) (exchange.Session, error) {
	conn, err := exchange.DialWS(ctx, exchange.WSConfig{
		Exchange: market.ExchangeLBank,
		URL:      c.cfg.WSBaseURL,
		Buffer:   c.buffer,
		ReadIdle: 2 * time.Minute,
		Classify: newClassifier().classify,
	})
	if err != nil {
		return nil, err
	}
	return exchange.NewStreamSession(conn, exchange.StreamHooks{
		Subscribe:   subscribe,
		Unsubscribe: unsubscribe,
		Snapshot:    c.snapshot,
	}, c.buffer), nil
}

func (c *Connector) FetchHistorical(ctx context.Context, req exchange.HistoricalRequest) ([]exchange.RawCandle, error) {
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
	}
	kind, ok := klineTypes[tf.Key]
	if !ok {
		return nil, &market.ConfigValidationError{Field: "timeframe", Reason: "not offered by lbank: " + tf.Key}
	}
	limit := req.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	since := req.Since
	if since.IsZero() {
		since = tf.AlignDown(c.nowFn()).Add(-time.Duration(limit) * tf.Duration)
	}
	wire := symbolpkg.LBank.ToExchange(req.Symbol)
	q := url.Values{}
	q.Set("symbol", wire)
	q.Set("type", kind)
	q.Set("size", strconv.Itoa(limit))
	q.Set("time", strconv.FormatInt(since.Unix(), 10))
	body, err := c.rest.Get(ctx, klinePath, q, nil)
	if err != nil {
		return nil, err
	}
	data, err := unwrap(klinePath, body)
	if err != nil {
		return nil, err
	}
	if !data.IsArray() {
		return nil, &market.InvalidDataFormatError{Exchange: market.ExchangeLBank, DataType: market.DataTypeOHLCV, Field: "data", Err: fmt.Errorf("expected array")}
	}
	now := c.nowFn()
	rows := data.Array()
	out := make([]exchange.RawCandle, 0, len(rows))
	for _, row := range rows {
		open := time.Unix(row.Get("0").Int(), 0).UTC()
		if open.Before(since) || !tf.Closed(open, now) {
			continue
		}
		out = append(out, exchange.RawCandle{
			Exchange:  market.ExchangeLBank,
			Symbol:    wire,
			Timeframe: tf.Key,
			OpenTime:  open,
			Payload:   []byte(row.Raw),
		})
	}
	return out, nil
}

func (c *Connector) snapshot(ctx context.Context, t exchange.Topic) ([]exchange.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.account, depthPath, 1); err != nil {
			return nil, err
		}
	}
	depth := t.Depth
	if depth <= 0 || depth > 200 {
		depth = 100
	}
	wire := symbolpkg.LBank.ToExchange(t.Symbol)
	q := url.Values{}
	q.Set("symbol", wire)
	q.Set("size", strconv.Itoa(depth))
	body, err := c.rest.Get(ctx, depthPath, q, nil)
	if err != nil {
		return nil, err
	}
	if _, err := unwrap(depthPath, body); err != nil {
		return nil, err
	}
	return []exchange.RawMessage{{
		Exchange:   market.ExchangeLBank,
		Stream:     depthPath,
		Symbol:     canonical(wire),
		DataType:   market.DataTypeOrderBook,
		Payload:    body,
		ReceivedAt: c.nowFn().UTC(),
	}}, nil
}

// unwrap checks the {"result": "true", "data": ...} envelope.
func unwrap(endpoint string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &market.InvalidDataFormatError{Exchange: market.ExchangeLBank, Err: fmt.Errorf("%s: invalid json", endpoint)}
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("result").Bool() {
		return gjson.Result{}, &market.DataFetchError{
			Exchange: market.ExchangeLBank,
			Endpoint: endpoint,
			Status:   http.StatusOK,
			Code:     doc.Get("error_code").String(),
			Message:  doc.Get("msg").String(),
		}
	}
	return doc.Get("data"), nil
}

var _ exchange.Connector = (*Connector)(nil)
