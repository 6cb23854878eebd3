package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pkg/sign"
	symbolpkg "feedhub/internal/pkg/symbol"
	"feedhub/internal/ratelimit"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/tidwall/gjson"
)

const (
	klinesPath      = "/api/v3/klines"
	depthPath       = "/api/v3/depth"
	maxHistoryLimit = 1000
)

// Connector 基于 Binance spot REST + 组合流 websocket。
type Connector struct {
	cfg     Config
	rest    *exchange.RESTClient
	sdk     *gobinance.Client
	limiter *ratelimit.Limiter
	account string
	buffer  int
	nowFn   func() time.Time

	discoverOnce sync.Once
	mu           sync.Mutex
	clockSkew    time.Duration
}

// Factory registers the connector in an exchange.Registry.
func Factory(d exchange.Deps) (exchange.Connector, error) {
	return New(configFromDeps(d), d.Limiter, d.Account, d.Buffer, d.HTTPClient)
}

func New(cfg Config, limiter *ratelimit.Limiter, account string, buffer int, httpClient *http.Client) (*Connector, error) {
	final := cfg.withDefaults()
	if _, err := url.Parse(final.RESTBaseURL); err != nil {
		return nil, fmt.Errorf("invalid binance rest url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: final.HTTPTimeout}
	}
	sdk := gobinance.NewClient(final.APIKey, final.APISecret)
	sdk.BaseURL = final.RESTBaseURL
	sdk.HTTPClient = httpClient
	rest := exchange.NewRESTClient(exchange.RESTConfig{
		Exchange:          market.ExchangeBinance,
		BaseURL:           final.RESTBaseURL,
		HTTPClient:        httpClient,
		RequestsPerSecond: final.RequestsPerSecond,
		Limiter:           limiter,
		Account:           account,
		Header:            apiKeyHeader(final.APIKey),
	})
	return &Connector{
		cfg:     final,
		rest:    rest,
		sdk:     sdk,
		limiter: limiter,
		account: account,
		buffer:  buffer,
		nowFn:   time.Now,
	}, nil
}

func apiKeyHeader(key string) http.Header {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return http.Header{"X-MBX-APIKEY": []string{key}}
}

func (c *Connector) Code() market.ExchangeCode { return market.ExchangeBinance }

func (c *Connector) Mappings() []normalize.Mapping { return []normalize.Mapping{Mapping} }

func (c *Connector) HistoricalEndpoint() exchange.Endpoint {
	return exchange.Endpoint{Path: klinesPath, Weight: 2}
}

func (c *Connector) SignRequest(params map[string]string) (string, error) {
	return sign.Binance(c.cfg.APISecret, params)
}

// ClockSkew is local time minus server time as measured on the last connect.
func (c *Connector) ClockSkew() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockSkew
}

func (c *Connector) Connect(ctx context.Context) (exchange.Session, error) {
	c.discoverOnce.Do(func() { c.discover(ctx) })
	conn, err := exchange.DialWS(ctx, exchange.WSConfig{
		Exchange:     market.ExchangeBinance,
		URL:          c.cfg.WSBaseURL,
		Buffer:       c.buffer,
		PingInterval: time.Minute,
		Classify:     classify,
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

// discover syncs the server clock and the REQUEST_WEIGHT budget. Failures
// only cost accuracy, so they are logged and ignored.
func (c *Connector) discover(ctx context.Context) {
	if serverMs, err := c.sdk.NewServerTimeService().Do(ctx); err == nil {
		skew := c.nowFn().Sub(time.UnixMilli(serverMs))
		c.mu.Lock()
		c.clockSkew = skew
		c.mu.Unlock()
		if skew > time.Second || skew < -time.Second {
			logger.Warnf("[binance] local clock skew=%s", skew)
		}
	} else {
		logger.Warnf("[binance] server time unavailable: %v", err)
	}
	if c.limiter == nil {
		return
	}
	info, err := c.sdk.NewExchangeInfoService().Do(ctx)
	if err != nil {
		logger.Warnf("[binance] exchangeInfo unavailable, keeping configured budgets: %v", err)
		return
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" && rl.Limit > 0 {
			budget := scaleBudget(int(rl.Limit), int(rl.IntervalNum), c.limiter.Window())
			c.limiter.SetBudget(klinesPath, budget)
			c.limiter.SetBudget(depthPath, budget)
			logger.Infof("[binance] REQUEST_WEIGHT %d/%dm -> budget=%d per %s", rl.Limit, rl.IntervalNum, budget, c.limiter.Window())
			return
		}
	}
}

// scaleBudget converts a per-N-minute venue limit to the limiter window.
func scaleBudget(limit, minutes int, window time.Duration) int {
	if minutes <= 0 {
		minutes = 1
	}
	per := time.Duration(minutes) * time.Minute
	scaled := int(int64(limit) * int64(window) / int64(per))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func (c *Connector) FetchHistorical(ctx context.Context, req exchange.HistoricalRequest) ([]exchange.RawCandle, error) {
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
	}
	limit := req.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	wire := symbolpkg.Binance.ToExchange(req.Symbol)
	q := url.Values{}
	q.Set("symbol", wire)
	q.Set("interval", tf.Key)
	q.Set("limit", strconv.Itoa(limit))
	if !req.Since.IsZero() {
		q.Set("startTime", strconv.FormatInt(req.Since.UnixMilli(), 10))
	}
	body, err := c.rest.Get(ctx, klinesPath, q, nil)
	if err != nil {
		return nil, err
	}
	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		return nil, &market.InvalidDataFormatError{Exchange: market.ExchangeBinance, DataType: market.DataTypeOHLCV, Err: fmt.Errorf("klines: expected array")}
	}
	now := c.nowFn()
	out := make([]exchange.RawCandle, 0, len(rows.Array()))
	for _, row := range rows.Array() {
		open := time.UnixMilli(row.Get("0").Int()).UTC()
		// 未收盘的 K 线不入库
		if !tf.Closed(open, now) {
			continue
		}
		out = append(out, exchange.RawCandle{
			Exchange:  market.ExchangeBinance,
			Symbol:    wire,
			Timeframe: tf.Key,
			OpenTime:  open,
			Payload:   []byte(row.Raw),
		})
	}
	return out, nil
}

func (c *Connector) snapshot(ctx context.Context, t exchange.Topic) ([]exchange.RawMessage, error) {
	depth := normalizeDepth(t.Depth)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.account, depthPath, depthWeight(depth)); err != nil {
			return nil, err
		}
	}
	wire := symbolpkg.Binance.ToExchange(t.Symbol)
	q := url.Values{}
	q.Set("symbol", wire)
	q.Set("limit", strconv.Itoa(depth))
	body, err := c.rest.Get(ctx, depthPath, q, nil)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return []exchange.RawMessage{{
		Exchange:   market.ExchangeBinance,
		Stream:     strings.ToLower(wire) + "@depth",
		Symbol:     wire,
		DataType:   market.DataTypeOrderBook,
		Payload:    wrapBook(body, now),
		ReceivedAt: now,
	}}, nil
}

// Binance only serves these partial depth levels.
func normalizeDepth(depth int) int {
	switch {
	case depth <= 5 && depth > 0:
		return 5
	case depth <= 10 && depth > 0:
		return 10
	default:
		return 20
	}
}

func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}

var _ exchange.Connector = (*Connector)(nil)
