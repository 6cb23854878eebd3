package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"feedhub/internal/backfill"
	"feedhub/internal/cache"
	"feedhub/internal/ingest"
	"feedhub/internal/market"
	"feedhub/internal/ratelimit"
	"feedhub/internal/registry"
	"feedhub/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTasks map[uint]ingest.TaskStatus

func (f fakeTasks) TaskStatus(id uint) (ingest.TaskStatus, bool) {
	st, ok := f[id]
	return st, ok
}

type fixture struct {
	store   *store.Store
	reg     *registry.Registry
	cache   *cache.Memory
	limiter *ratelimit.Limiter
	handler http.Handler
	candles market.MarketDataConfig
	trades  market.MarketDataConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertExchange(ctx, market.Exchange{Code: market.ExchangeBinance}))
	_, err = st.UpsertDataSource(ctx, market.DataSource{Name: "binance-ws", Exchange: market.ExchangeBinance, Type: market.SourceWebsocket, Active: true})
	require.NoError(t, err)

	reg := registry.New(st, registry.Options{})
	candles, err := reg.Activate(ctx, market.MarketDataConfig{
		Instrument: "BTCUSDT", Timeframe: "1m", Source: "binance-ws", DataType: market.DataTypeOHLCV, IsRealtime: true, IsHistorical: true,
	})
	require.NoError(t, err)
	trades, err := reg.Activate(ctx, market.MarketDataConfig{
		Instrument: "ETHUSDT", Source: "binance-ws", DataType: market.DataTypeTick, IsRealtime: true,
	})
	require.NoError(t, err)

	f := &fixture{
		store:   st,
		reg:     reg,
		cache:   cache.NewMemory(0),
		limiter: ratelimit.New(ratelimit.Config{DefaultBudget: 10}),
		candles: candles,
		trades:  trades,
	}
	srv, err := NewServer(ServerConfig{Deps: Deps{
		Subscriptions: reg,
		Tasks: fakeTasks{candles.ID: {
			ConfigID: candles.ID, Key: string(candles.Key()), State: ingest.StateStreaming,
			Counters: ingest.CounterSnapshot{Received: 7, Persisted: 6, Duplicates: 1},
		}},
		Latest:     ingest.NewService(f.cache, st),
		Backfill:   backfill.New(backfill.Deps{Configs: reg, SyncLogs: st}, backfill.Options{}),
		SyncLogs:   st,
		RateLimits: f.limiter,
	}})
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListSubscriptionsIncludesTaskState(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/api/subscriptions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["total"])

	subs := body["subscriptions"].([]any)
	first := subs[0].(map[string]any)
	assert.Equal(t, "binance-ws:BTCUSDT:1m:OHLCV", first["key"])
	task := first["task"].(map[string]any)
	assert.Equal(t, "STREAMING", task["state"])
	assert.EqualValues(t, 6, task["counters"].(map[string]any)["persisted"])
	second := subs[1].(map[string]any)
	assert.NotContains(t, second, "task")

	rec, body = f.do(t, http.MethodGet, "/api/subscriptions?exchange=lbank")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["total"])
}

func TestLatestFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	path := "/api/subscriptions/" + itoa(f.candles.ID) + "/latest"

	rec, body := f.do(t, http.MethodGet, path)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "miss", body["cache"])

	open := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	candle := &market.Candle{
		Timestamp: open,
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("110"),
		Low:       decimal.RequireFromString("95"),
		Close:     decimal.RequireFromString("105"),
		Volume:    decimal.RequireFromString("3"),
	}
	candle.Bind(f.candles)
	inserted, err := f.store.InsertRecord(context.Background(), candle)
	require.NoError(t, err)
	require.True(t, inserted)

	rec, body = f.do(t, http.MethodGet, path)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "miss", body["cache"])
	entry := body["entry"].(map[string]any)
	closed := decimal.RequireFromString(entry["candle"].(map[string]any)["close"].(string))
	assert.True(t, closed.Equal(decimal.NewFromInt(105)), closed.String())

	require.NoError(t, f.cache.Set(context.Background(), cache.NewEntry(f.candles, candle, time.Now())))
	rec, body = f.do(t, http.MethodGet, path)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", body["cache"])

	rec, _ = f.do(t, http.MethodGet, "/api/subscriptions/999/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSync(t *testing.T) {
	f := newFixture(t)
	path := "/api/subscriptions/" + itoa(f.candles.ID) + "/sync"

	rec, body := f.do(t, http.MethodPost, path)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "BACKFILL", body["kind"])
	id := body["id"]

	rec, body = f.do(t, http.MethodPost, path)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, id, body["id"], "second trigger returns the queued job")

	rec, body = f.do(t, http.MethodGet, "/api/subscriptions/"+itoa(f.candles.ID)+"/sync-logs")
	require.Equal(t, http.StatusOK, rec.Code)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, id, logs[0].(map[string]any)["id"])

	rec, _ = f.do(t, http.MethodPost, "/api/subscriptions/"+itoa(f.trades.ID)+"/sync")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/subscriptions/999/sync")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/subscriptions/abc/sync")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimits(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.limiter.TryAcquire("binance:default", "/api/v3/klines", 4))

	rec, body := f.do(t, http.MethodGet, "/api/rate-limits")
	require.Equal(t, http.StatusOK, rec.Code)
	states := body["states"].([]any)
	require.Len(t, states, 1)
	st := states[0].(map[string]any)
	assert.Equal(t, "binance:default", st["account"])
	assert.EqualValues(t, 4, st["requests_count"])
	assert.Equal(t, false, st["is_rate_limited"])

	rec, body = f.do(t, http.MethodGet, "/api/rate-limits?account=lbank:default")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["states"])
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
