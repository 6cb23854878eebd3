package backfill

import (
	"context"
	"testing"
	"time"

	"feedhub/internal/bus"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/gateway/mock"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pipeline/factory"
	"feedhub/internal/ratelimit"
	"feedhub/internal/registry"
	"feedhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectorFunc func(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error)

func (f connectorFunc) For(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error) {
	return f(ctx, cfg)
}

type harness struct {
	store   *store.Store
	reg     *registry.Registry
	conn    *mock.Connector
	limiter *ratelimit.Limiter
	bus     *bus.Memory
	orch    *Orchestrator
	cfg     market.MarketDataConfig
	tf      market.Timeframe
	now     time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertExchange(ctx, market.Exchange{Code: market.ExchangeBinance}))
	_, err = st.UpsertDataSource(ctx, market.DataSource{Name: "binance-rest", Exchange: market.ExchangeBinance, Type: market.SourceREST, Active: true})
	require.NoError(t, err)

	reg := registry.New(st, registry.Options{})
	cfg, err := reg.Activate(ctx, market.MarketDataConfig{
		Instrument: "BTCUSDT", Timeframe: "1m", Source: "binance-rest", DataType: market.DataTypeOHLCV, IsHistorical: true,
	})
	require.NoError(t, err)

	h := &harness{
		store:   st,
		reg:     reg,
		conn:    mock.New(market.ExchangeBinance),
		limiter: ratelimit.New(ratelimit.Config{DefaultBudget: 100000}),
		bus:     bus.NewMemory(),
		cfg:     cfg,
		now:     time.Now().UTC(),
	}
	h.tf, _ = market.ParseTimeframe("1m")
	fac := &factory.Factory{Normalizer: normalize.New(mock.Mapping(market.ExchangeBinance)), Records: st, Bus: h.bus}
	hist, err := fac.Pipeline("historical", factory.Historical)
	require.NoError(t, err)

	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
		opts.RetryCap = 4 * time.Millisecond
	}
	h.orch = New(Deps{
		Configs:    reg,
		Connectors: connectorFunc(func(context.Context, market.MarketDataConfig) (exchange.Connector, error) { return h.conn, nil }),
		Pipeline:   hist,
		SyncLogs:   st,
		Limiter:    h.limiter,
	}, opts)
	return h
}

func (h *harness) pendingLog(t *testing.T) market.SyncLog {
	t.Helper()
	log := market.SyncLog{ID: "log-" + t.Name(), ConfigID: h.cfg.ID, Kind: market.SyncKindBackfill, Status: market.SyncPending, StartedAt: h.now}
	require.NoError(t, h.store.CreateSyncLog(context.Background(), log))
	return log
}

func TestBackfillThreePagesWithOverlap(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	start := h.tf.AlignDown(h.now.Add(-3000 * time.Minute))
	rows := mock.Candles(market.ExchangeBinance, "BTCUSDT", h.tf, start, 2999)
	// the first row of page two repeats the last row of page one
	p1 := rows[:1000]
	p2 := append([]exchange.RawCandle{rows[999]}, rows[1000:1999]...)
	p3 := rows[1999:]
	require.Len(t, p2, 1000)
	require.Len(t, p3, 1000)
	h.conn.WithPages(p1, p2, p3)

	log, err := h.orch.Sync(ctx, h.cfg, h.pendingLog(t))
	require.NoError(t, err)
	assert.Equal(t, market.SyncSuccess, log.Status)
	assert.EqualValues(t, 2999, log.RecordsSynced)

	n, err := h.store.CountRecords(ctx, h.cfg.ID, market.DataTypeOHLCV)
	require.NoError(t, err)
	assert.EqualValues(t, 2999, n)

	cfg, ok := h.reg.Get(h.cfg.ID)
	require.True(t, ok)
	require.NotNil(t, cfg.LastSyncAt)
	assert.True(t, rows[2998].OpenTime.Equal(*cfg.LastSyncAt))

	stored, err := h.store.GetSyncLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SyncSuccess, stored.Status)
	assert.EqualValues(t, 2999, stored.RecordsSynced)
	assert.NotNil(t, stored.EndedAt)

	// one publish per new row
	assert.Len(t, h.bus.Messages(), 2999)
	// four fetches: three pages and the empty one that ends paging
	assert.Len(t, h.conn.Fetches(), 4)
	st, ok := h.limiter.State(h.cfg.AccountName(), "/mock/klines")
	require.True(t, ok)
	assert.Equal(t, 4, st.RequestsCount)
}

func TestBackfillFailsAfterFourAttempts(t *testing.T) {
	h := newHarness(t, Options{})
	down := &market.DataFetchError{Exchange: market.ExchangeBinance, Endpoint: "/mock/klines", Status: 503, Message: "unavailable"}
	h.conn.FailFetches(down, down, down, down, down)

	log, err := h.orch.Sync(context.Background(), h.cfg, h.pendingLog(t))
	require.Error(t, err)
	assert.Equal(t, market.SyncFailed, log.Status)
	assert.Contains(t, log.ErrorMessage, "unavailable")
	assert.Len(t, h.conn.Fetches(), 4)

	stored, err := h.store.GetSyncLog(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SyncFailed, stored.Status)
}

func TestBackfillRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t, Options{})
	down := &market.DataFetchError{Exchange: market.ExchangeBinance, Status: 502}
	start := h.tf.AlignDown(h.now.Add(-10 * time.Minute))
	h.conn.FailFetches(down, down).WithSeries(mock.Candles(market.ExchangeBinance, "BTCUSDT", h.tf, start, 5))
	_, err := h.reg.MarkSynced(context.Background(), h.cfg.ID, start.Add(-time.Minute))
	require.NoError(t, err)
	cfg, ok := h.reg.Get(h.cfg.ID)
	require.True(t, ok)

	log, err := h.orch.Sync(context.Background(), cfg, h.pendingLog(t))
	require.NoError(t, err)
	assert.Equal(t, market.SyncSuccess, log.Status)
	assert.EqualValues(t, 5, log.RecordsSynced)
	fetches := h.conn.Fetches()
	require.GreaterOrEqual(t, len(fetches), 3)
	assert.True(t, start.Equal(fetches[0].Since), "resumes one bar after last_sync_at")
}

func TestBackfillRetriesAfterBan(t *testing.T) {
	h := newHarness(t, Options{})
	banned := &market.DataFetchError{Exchange: market.ExchangeBinance, Endpoint: "/mock/klines", Status: 418, Message: "IP banned"}
	start := h.tf.AlignDown(h.now.Add(-10 * time.Minute))
	h.conn.FailFetches(banned).WithSeries(mock.Candles(market.ExchangeBinance, "BTCUSDT", h.tf, start, 5))
	_, err := h.reg.MarkSynced(context.Background(), h.cfg.ID, start.Add(-time.Minute))
	require.NoError(t, err)
	cfg, ok := h.reg.Get(h.cfg.ID)
	require.True(t, ok)

	log, err := h.orch.Sync(context.Background(), cfg, h.pendingLog(t))
	require.NoError(t, err)
	assert.Equal(t, market.SyncSuccess, log.Status)
	assert.EqualValues(t, 5, log.RecordsSynced)
	assert.GreaterOrEqual(t, len(h.conn.Fetches()), 2)
}

func TestBackfillDoesNotRetryClientErrors(t *testing.T) {
	h := newHarness(t, Options{})
	h.conn.FailFetches(&market.DataFetchError{Exchange: market.ExchangeBinance, Status: 400, Code: "-1121", Message: "Invalid symbol."})

	log, err := h.orch.Sync(context.Background(), h.cfg, h.pendingLog(t))
	require.Error(t, err)
	assert.Equal(t, market.SyncFailed, log.Status)
	assert.Len(t, h.conn.Fetches(), 1)
}

func TestBackfillPartialOnRejectedCandles(t *testing.T) {
	h := newHarness(t, Options{})
	start := h.tf.AlignDown(h.now.Add(-10 * time.Minute))
	rows := mock.Candles(market.ExchangeBinance, "BTCUSDT", h.tf, start, 3)
	rows[1].Payload = mock.KlinePayload(rows[1].OpenTime, "100", "90", "95", "99", "1")
	h.conn.WithPages(rows)

	log, err := h.orch.Sync(context.Background(), h.cfg, h.pendingLog(t))
	require.NoError(t, err)
	assert.Equal(t, market.SyncPartial, log.Status)
	assert.EqualValues(t, 2, log.RecordsSynced)
	assert.Contains(t, log.ErrorMessage, "1 candles rejected")
}

func TestTriggerHistoricalSyncQueuesAndRuns(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := h.tf.AlignDown(h.now.Add(-5 * time.Minute))
	h.conn.WithPages(mock.Candles(market.ExchangeBinance, "BTCUSDT", h.tf, start, 3))

	log, err := h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SyncPending, log.Status)
	assert.Equal(t, market.SyncKindBackfill, log.Kind)

	again, err := h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, log.ID, again.ID, "one job per config")

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		l, err := h.store.GetSyncLog(context.Background(), log.ID)
		return err == nil && l.Status == market.SyncSuccess
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.orch.Pending()) == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTriggerRejectsBadTargets(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.orch.TriggerHistoricalSync(ctx, 999)
	assert.ErrorIs(t, err, ErrUnknownConfig)

	cfg := h.cfg
	cfg.IsHistorical = false
	_, err = h.reg.Activate(ctx, cfg)
	require.NoError(t, err)
	_, err = h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	var cfgErr *market.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestQueueFullFailsLog(t *testing.T) {
	h := newHarness(t, Options{QueueSize: 1})
	ctx := context.Background()
	_, err := h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	require.NoError(t, err)

	eth, err := h.reg.Activate(ctx, market.MarketDataConfig{
		Instrument: "ETHUSDT", Timeframe: "1m", Source: "binance-rest", DataType: market.DataTypeOHLCV, IsHistorical: true,
	})
	require.NoError(t, err)
	_, err = h.orch.TriggerHistoricalSync(ctx, eth.ID)
	assert.ErrorIs(t, err, ErrQueueFull)

	logs, err := h.store.ListSyncLogs(ctx, eth.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, market.SyncFailed, logs[0].Status)
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})
	log, err := h.orch.TriggerHistoricalSync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.orch.Run(ctx))

	stored, err := h.store.GetSyncLog(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SyncFailed, stored.Status)
	assert.Empty(t, h.orch.Pending())
}

func TestCatchUpQueuesHistoricalConfigs(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.reg.Activate(ctx, market.MarketDataConfig{
		Instrument: "ETHUSDT", Source: "binance-rest", DataType: market.DataTypeTick, IsRealtime: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.orch.CatchUp(ctx))
	pending := h.orch.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, h.cfg.ID, pending[0].ConfigID)
	assert.Equal(t, 1, h.orch.CatchUp(ctx))
	assert.Len(t, h.orch.Pending(), 1)
}

func TestQueuedJobSkippedAfterDeactivation(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := h.tf.AlignDown(h.now.Add(-5 * time.Minute))
	h.conn.WithPages(mock.Candles(market.ExchangeBinance, "BTCUSDT", h.tf, start, 3))

	log, err := h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	require.NoError(t, err)
	require.NoError(t, h.reg.Deactivate(ctx, h.cfg.ID))

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		l, err := h.store.GetSyncLog(context.Background(), log.ID)
		return err == nil && l.Status == market.SyncFailed
	}, 5*time.Second, 10*time.Millisecond)
	stored, err := h.store.GetSyncLog(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "config deactivated")
	assert.Empty(t, h.conn.Fetches())
	require.Eventually(t, func() bool { return len(h.orch.Pending()) == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCancelInterruptsRunningJob(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 限流惩罚让任务停在 Wait 上
	h.limiter.Penalize(h.cfg.AccountName(), h.conn.HistoricalEndpoint().Path, time.Now().Add(time.Hour))

	log, err := h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	require.NoError(t, err)
	assert.False(t, h.orch.Cancel(999))

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	require.Eventually(t, func() bool {
		l, err := h.store.GetSyncLog(context.Background(), log.ID)
		return err == nil && l.Status == market.SyncRunning
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, h.orch.Cancel(h.cfg.ID))
	require.Eventually(t, func() bool {
		l, err := h.store.GetSyncLog(context.Background(), log.ID)
		return err == nil && l.Status == market.SyncFailed
	}, 5*time.Second, 10*time.Millisecond)
	stored, err := h.store.GetSyncLog(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "config deactivated")
	assert.Empty(t, h.orch.Pending())

	// 取消后可以重新排队
	again, err := h.orch.TriggerHistoricalSync(ctx, h.cfg.ID)
	require.NoError(t, err)
	assert.NotEqual(t, log.ID, again.ID)

	cancel()
	require.NoError(t, <-done)
}
