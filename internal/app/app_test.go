package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"feedhub/internal/bus"
	"feedhub/internal/config"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/gateway/mock"
	"feedhub/internal/ingest"
	"feedhub/internal/market"
	"feedhub/internal/registry"
	"feedhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, exchanges string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "subscriptions.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
version: 1
subscriptions:
  - instrument: BTCUSDT
    timeframe: 1m
    source: binance-ws
    data_type: OHLCV
    historical: true
`), 0o644))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(exchanges+`
sources:
  - name: binance-ws
    exchange: binance
    type: websocket
ingest:
  backoff_base: 10ms
  backoff_cap: 50ms
backfill:
  retry_base: 1ms
  retry_cap: 5ms
subscriptions:
  path: `+seed+`
  watch: false
`), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestAppStreamsAndBackfillsSeededSubscription(t *testing.T) {
	cfg := loadTestConfig(t, "exchanges:\n  - code: binance\n")
	st, err := store.OpenMemory()
	require.NoError(t, err)

	tf, err := market.ParseTimeframe("1m")
	require.NoError(t, err)
	start := tf.AlignDown(time.Now().Add(-10 * time.Minute))
	conn := mock.New(market.ExchangeBinance).
		WithPages(mock.Candles(market.ExchangeBinance, "BTCUSDT", tf, start, 5)).
		WithScripts(mock.Script{Messages: mock.CandleMessages(mock.Candles(market.ExchangeBinance, "BTCUSDT", tf, start.Add(5*time.Minute), 3))})
	connectors := exchange.NewRegistry()
	connectors.Register(market.ExchangeBinance, conn.Factory())
	published := bus.NewMemory()

	app, err := NewAppBuilder(cfg, WithStore(st), WithConnectors(connectors), WithBus(published), WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	app.Summary = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	var sub market.MarketDataConfig
	require.Eventually(t, func() bool {
		subs := app.Registry().List()
		if len(subs) != 1 {
			return false
		}
		sub = subs[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, sub.IsRealtime)
	assert.True(t, sub.IsHistorical)
	assert.Equal(t, market.ExchangeBinance, sub.Exchange)

	require.Eventually(t, func() bool {
		n, err := st.CountRecords(context.Background(), sub.ID, market.DataTypeOHLCV)
		return err == nil && n == 8
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		ts, ok := app.Supervisor().TaskStatus(sub.ID)
		return ok && ts.State == ingest.StateStreaming && ts.Counters.Persisted == 3
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		logs, err := st.ListSyncLogs(context.Background(), sub.ID, 0)
		if err != nil {
			return false
		}
		for _, l := range logs {
			if l.Kind == market.SyncKindBackfill && l.Status == market.SyncSuccess {
				return l.RecordsSynced == 5
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, published.Messages(), 8)

	cfgNow, ok := app.Registry().Get(sub.ID)
	require.True(t, ok)
	assert.Equal(t, market.StatusSubscribed, cfgNow.Status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBuildRejectsUnknownExchange(t *testing.T) {
	cfg := loadTestConfig(t, "exchanges:\n  - code: binance\n  - code: kraken\n")
	st, err := store.OpenMemory()
	require.NoError(t, err)
	_, err = NewAppBuilder(cfg, WithStore(st), WithoutHTTP()).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KRAKEN")
}

func TestBuildClosesOrphanedSyncLogs(t *testing.T) {
	cfg := loadTestConfig(t, "exchanges:\n  - code: binance\n")
	st, err := store.OpenMemory()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.CreateSyncLog(ctx, market.SyncLog{
		ID: "orphan", ConfigID: 1, Kind: market.SyncKindBackfill, Status: market.SyncRunning, StartedAt: time.Now().Add(-time.Hour),
	}))

	app, err := NewAppBuilder(cfg, WithStore(st), WithoutHTTP()).Build(ctx)
	require.NoError(t, err)
	defer app.Close()

	log, err := st.GetSyncLog(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, market.SyncFailed, log.Status)
	assert.Contains(t, log.ErrorMessage, "restarted")
}

func TestDeactivationCancelsQueuedBackfill(t *testing.T) {
	cfg := loadTestConfig(t, "exchanges:\n  - code: binance\n")
	st, err := store.OpenMemory()
	require.NoError(t, err)
	ctx := context.Background()

	app, err := NewAppBuilder(cfg, WithStore(st), WithoutHTTP()).Build(ctx)
	require.NoError(t, err)
	defer app.Close()

	sub, err := app.Registry().Activate(ctx, market.MarketDataConfig{
		Instrument: "BTCUSDT", Timeframe: "1m", Source: "binance-ws", DataType: market.DataTypeOHLCV, IsHistorical: true,
	})
	require.NoError(t, err)
	_, err = app.Backfill().TriggerHistoricalSync(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, app.Backfill().Pending(), 1)

	require.NoError(t, app.Registry().Deactivate(ctx, sub.ID))
	app.handleEvent(ctx, registry.Event{Kind: registry.EventDeactivated, Config: sub})
	assert.Empty(t, app.Backfill().Pending())
}
