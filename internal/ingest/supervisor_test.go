package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedhub/internal/bus"
	"feedhub/internal/cache"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/gateway/mock"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pipeline/factory"
	"feedhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectorFunc func(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error)

func (f connectorFunc) For(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error) {
	return f(ctx, cfg)
}

type statusRecorder struct {
	mu      sync.Mutex
	history []market.ConfigStatus
	lastErr string
}

func (r *statusRecorder) SetStatus(_ context.Context, _ uint, status market.ConfigStatus, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, status)
	r.lastErr = lastErr
	return nil
}

func (r *statusRecorder) History() []market.ConfigStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]market.ConfigStatus(nil), r.history...)
}

type harness struct {
	store  *store.Store
	cache  *cache.Memory
	status *statusRecorder
	conn   *mock.Connector
	sup    *Supervisor
	cfg    market.MarketDataConfig
}

func newHarness(t *testing.T, dt market.DataType) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertExchange(ctx, market.Exchange{Code: market.ExchangeBinance}))
	_, err = st.UpsertDataSource(ctx, market.DataSource{Name: "binance-ws", Exchange: market.ExchangeBinance, Type: market.SourceWebsocket, Active: true})
	require.NoError(t, err)
	cfg, err := st.SaveConfig(ctx, market.MarketDataConfig{
		Instrument: "BTCUSDT", Timeframe: "1m", Source: "binance-ws", DataType: dt, IsRealtime: true, IsActive: true,
	})
	require.NoError(t, err)

	h := &harness{store: st, cache: cache.NewMemory(0), status: &statusRecorder{}, conn: mock.New(market.ExchangeBinance), cfg: cfg}
	fac := &factory.Factory{
		Normalizer: normalize.New(mock.Mapping(market.ExchangeBinance)),
		Records:    st,
		Cache:      h.cache,
		Bus:        bus.NewMemory(),
	}
	live, err := fac.Pipeline("live", factory.Live)
	require.NoError(t, err)
	h.sup = NewSupervisor(Deps{
		Connectors: connectorFunc(func(context.Context, market.MarketDataConfig) (exchange.Connector, error) { return h.conn, nil }),
		Pipeline:   live,
		Status:     h.status,
		SyncLogs:   st,
		Cache:      h.cache,
	}, Options{BackoffBase: 10 * time.Millisecond, BackoffCap: 40 * time.Millisecond})
	t.Cleanup(h.sup.StopAll)
	return h
}

func (h *harness) count(t *testing.T) int64 {
	n, err := h.store.CountRecords(context.Background(), h.cfg.ID, h.cfg.DataType)
	require.NoError(t, err)
	return n
}

func TestReconnectResumesStream(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	tf, _ := market.ParseTimeframe("1m")
	msgs := mock.CandleMessages(mock.Candles(market.ExchangeBinance, "BTCUSDT", tf, time.Date(2023, 7, 22, 0, 0, 0, 0, time.UTC), 10))
	h.conn.WithScripts(
		mock.Script{Messages: msgs[:5], Err: errors.New("connection reset by peer")},
		mock.Script{Messages: msgs[5:]},
	)

	h.sup.Start(h.cfg)

	require.Eventually(t, func() bool { return h.count(t) == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.conn.Connects())

	st, ok := h.sup.TaskStatus(h.cfg.ID)
	require.True(t, ok)
	assert.Equal(t, StateStreaming, st.State)
	assert.EqualValues(t, 10, st.Counters.Persisted)
	assert.EqualValues(t, 1, st.Counters.Reconnects)
	assert.Contains(t, st.LastError, "connection reset")

	assert.Equal(t, []market.ConfigStatus{market.StatusSubscribed, market.StatusError, market.StatusSubscribed}, h.status.History())

	h.sup.Stop(h.cfg)
	logs, err := h.store.ListSyncLogs(context.Background(), h.cfg.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	byStatus := map[market.SyncStatus]market.SyncLog{}
	for _, l := range logs {
		assert.Equal(t, market.SyncKindStream, l.Kind)
		byStatus[l.Status] = l
	}
	assert.EqualValues(t, 5, byStatus[market.SyncFailed].RecordsSynced)
	assert.EqualValues(t, 5, byStatus[market.SyncSuccess].RecordsSynced)

	_, err = h.cache.Get(context.Background(), h.cfg.Key())
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, ok = h.sup.TaskStatus(h.cfg.ID)
	assert.False(t, ok)
}

func TestBadMessageDoesNotTearDown(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	base := time.Date(2023, 7, 22, 0, 0, 0, 0, time.UTC)
	msg := func(open time.Time, high string) exchange.RawMessage {
		return exchange.RawMessage{Exchange: market.ExchangeBinance, DataType: market.DataTypeOHLCV,
			Payload: mock.KlinePayload(open, "100", high, "90", "95", "1")}
	}
	h.conn.WithScripts(mock.Script{Messages: []exchange.RawMessage{
		msg(base, "110"),
		msg(base.Add(time.Minute), "80"), // high < low
		{Exchange: market.ExchangeBinance, DataType: market.DataTypeOHLCV, Payload: []byte(`not json`)},
		msg(base.Add(2*time.Minute), "120"),
		msg(base.Add(2*time.Minute), "120"),
	}})

	h.sup.Start(h.cfg)
	require.Eventually(t, func() bool {
		st, _ := h.sup.TaskStatus(h.cfg.ID)
		return st.Counters.Received == 5
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := h.sup.TaskStatus(h.cfg.ID)
	assert.EqualValues(t, 2, st.Counters.Persisted)
	assert.EqualValues(t, 2, st.Counters.Rejected)
	assert.EqualValues(t, 1, st.Counters.Duplicates)
	assert.Equal(t, 1, h.conn.Connects())
	assert.EqualValues(t, 2, h.count(t))

	entry, err := NewService(h.cache, h.store).GetLatest(context.Background(), h.cfg.Key())
	require.NoError(t, err)
	assert.Equal(t, "120", entry.Candle.High.String())
}

func TestFatalConnectErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	h.conn.FailConnects(&market.ConnectError{Exchange: market.ExchangeBinance, Kind: market.ConnectAuthInvalid, Err: errors.New("401")})

	h.sup.Start(h.cfg)
	require.Eventually(t, func() bool {
		st, _ := h.sup.TaskStatus(h.cfg.ID)
		return st.State == StateError
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.conn.Connects())
	assert.Equal(t, []market.ConfigStatus{market.StatusError}, h.status.History())
	logs, err := h.store.ListSyncLogs(context.Background(), h.cfg.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, market.SyncFailed, logs[0].Status)
}

func TestTransientConnectErrorsBackOff(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	timeout := &market.ConnectError{Exchange: market.ExchangeBinance, Kind: market.ConnectTimeout, Err: context.DeadlineExceeded}
	h.conn.FailConnects(timeout, timeout)

	h.sup.Start(h.cfg)
	require.Eventually(t, func() bool {
		st, _ := h.sup.TaskStatus(h.cfg.ID)
		return st.State == StateStreaming
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.conn.Connects())
}

func TestChecksumMismatchRequestsSnapshot(t *testing.T) {
	h := newHarness(t, market.DataTypeOrderBook)
	h.conn.WithScripts(mock.Script{Messages: []exchange.RawMessage{{
		Exchange: market.ExchangeBinance,
		Symbol:   "BTCUSDT",
		DataType: market.DataTypeOrderBook,
		Payload:  []byte(`{"T":1690000000000,"bids":[["100","1"]],"asks":[["101","1"]],"checksum":7}`),
	}}})

	h.sup.Start(h.cfg)
	require.Eventually(t, func() bool {
		sessions := h.conn.Sessions()
		return len(sessions) == 1 && len(sessions[0].Snapshots()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := h.conn.Sessions()[0].Snapshots()[0]
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	st, _ := h.sup.TaskStatus(h.cfg.ID)
	assert.EqualValues(t, 1, st.Counters.Resyncs)
	assert.Zero(t, h.count(t))
}

func TestStartIgnoresNonRealtime(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	cfg := h.cfg
	cfg.IsRealtime = false
	h.sup.Start(cfg)
	assert.Empty(t, h.sup.Status())
	assert.Zero(t, h.conn.Connects())
}

func TestRestartReplacesTask(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	h.sup.Start(h.cfg)
	require.Eventually(t, func() bool { return h.conn.Connects() == 1 }, 5*time.Second, 10*time.Millisecond)

	h.sup.Start(h.cfg)
	require.Eventually(t, func() bool { return h.conn.Connects() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, h.sup.Status(), 1)
	assert.True(t, h.conn.Sessions()[0].Closed())
}

func TestBackoffIsBoundedAndResets(t *testing.T) {
	b := newBackoff(Options{}.withDefaults())
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Duration())
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second,
	}, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
	b.Reset()
	assert.Equal(t, 5*time.Second, b.Duration())
}

func TestServiceFallsBackToStore(t *testing.T) {
	h := newHarness(t, market.DataTypeOHLCV)
	ctx := context.Background()
	open := time.Date(2023, 7, 22, 4, 26, 0, 0, time.UTC)
	_, err := h.store.InsertRecord(ctx, &market.Candle{
		ConfigID: h.cfg.ID, Symbol: "BTCUSDT", Timeframe: "1m", Source: market.ExchangeBinance, Timestamp: open,
		Open: dec("1"), High: dec("2"), Low: dec("1"), Close: dec("2"), Volume: dec("3"),
	})
	require.NoError(t, err)

	svc := NewService(h.cache, h.store)
	_, err = svc.GetLatest(ctx, h.cfg.Key())
	assert.ErrorIs(t, err, cache.ErrMiss)

	entry, fromCache, err := svc.Latest(ctx, h.cfg)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.True(t, open.Equal(entry.Candle.Timestamp))

	require.NoError(t, svc.Warm(ctx, h.cfg))
	_, fromCache, err = svc.Latest(ctx, h.cfg)
	require.NoError(t, err)
	assert.True(t, fromCache)
}
