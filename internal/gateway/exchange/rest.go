package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/pkg/circuit"
	"feedhub/internal/pkg/text"
	"feedhub/internal/ratelimit"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 8 << 20

// RESTConfig configures the shared REST client of an adapter.
type RESTConfig struct {
	Exchange          market.ExchangeCode
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	// Limiter and Account receive 429 penalties; optional.
	Limiter          *ratelimit.Limiter
	Account          string
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Header           http.Header
	// EndpointKey maps a request path to its limiter endpoint, e.g. to
	// strip a symbol segment. Identity when nil.
	EndpointKey func(path string) string
}

func (c RESTConfig) withDefaults() RESTConfig {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 10
	}
	if out.Burst <= 0 {
		out.Burst = 5
	}
	if out.BreakerThreshold <= 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 30 * time.Second
	}
	return out
}

// RESTClient paces outbound calls per exchange, trips a breaker on repeated
// server failures and maps HTTP failures onto the market error taxonomy.
type RESTClient struct {
	cfg     RESTConfig
	pacer   *rate.Limiter
	breaker *circuit.CircuitBreaker
}

func NewRESTClient(cfg RESTConfig) *RESTClient {
	final := cfg.withDefaults()
	return &RESTClient{
		cfg:     final,
		pacer:   rate.NewLimiter(rate.Limit(final.RequestsPerSecond), final.Burst),
		breaker: circuit.NewCircuitBreaker(strings.ToLower(string(final.Exchange))+"-rest", final.BreakerThreshold, final.BreakerCooldown),
	}
}

func (c *RESTClient) BaseURL() string { return c.cfg.BaseURL }

func (c *RESTClient) Breaker() *circuit.CircuitBreaker { return c.breaker }

// Get issues GET BaseURL+path?query and returns the body of a 2xx response.
func (c *RESTClient) Get(ctx context.Context, path string, query url.Values, header http.Header) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	var body []byte
	err := c.breaker.Execute(func() error {
		var err error
		body, err = c.do(ctx, path, query, header)
		return err
	}, countsAgainstBreaker)
	if errors.Is(err, circuit.ErrOpen) {
		return nil, &market.DataFetchError{Exchange: c.cfg.Exchange, Endpoint: path, Message: "circuit open", Err: err}
	}
	return body, err
}

func (c *RESTClient) do(ctx context.Context, path string, query url.Values, header http.Header) ([]byte, error) {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range c.cfg.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, &market.DataFetchError{Exchange: c.cfg.Exchange, Endpoint: path, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &market.DataFetchError{Exchange: c.cfg.Exchange, Endpoint: path, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, c.statusError(path, resp, body)
}

func (c *RESTClient) statusError(path string, resp *http.Response, body []byte) error {
	code, msg := ErrorBody(body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &market.ConnectError{
			Exchange: c.cfg.Exchange,
			Kind:     market.ConnectAuthInvalid,
			Err:      fmt.Errorf("%s: %s", path, orText(msg, resp.Status)),
		}
	case http.StatusTooManyRequests, http.StatusTeapot:
		retryAfter := time.Now().Add(parseRetryAfter(resp.Header.Get("Retry-After")))
		if c.cfg.Limiter != nil {
			endpoint := path
			if c.cfg.EndpointKey != nil {
				endpoint = c.cfg.EndpointKey(path)
			}
			c.cfg.Limiter.Penalize(c.cfg.Account, endpoint, retryAfter)
		}
		// 418 是 IP 封禁，整个交易所主机都要停
		if resp.StatusCode == http.StatusTeapot {
			c.breaker.TripUntil(retryAfter)
		}
		logger.Warnf("[rest] %s %s throttled status=%d retry_after=%s", c.cfg.Exchange, path, resp.StatusCode, retryAfter.UTC().Format(time.RFC3339))
	}
	return &market.DataFetchError{
		Exchange: c.cfg.Exchange,
		Endpoint: path,
		Status:   resp.StatusCode,
		Code:     code,
		Message:  orText(msg, resp.Status),
	}
}

// ErrorBody pulls the venue error code and message out of a JSON body.
func ErrorBody(body []byte) (code, msg string) {
	if !gjson.ValidBytes(body) {
		return "", strings.TrimSpace(text.Truncate(string(body), 200))
	}
	doc := gjson.ParseBytes(body)
	for _, p := range []string{"code", "error_code", "status"} {
		if v := doc.Get(p); v.Exists() {
			code = v.String()
			break
		}
	}
	for _, p := range []string{"msg", "message", "error", "detail"} {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			msg = v.String()
			break
		}
	}
	return code, msg
}

func countsAgainstBreaker(err error) bool {
	var fetchErr *market.DataFetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Status == 0 || fetchErr.Status >= 500
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}

func orText(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
