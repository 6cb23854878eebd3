package factory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"feedhub/internal/bus"
	"feedhub/internal/cache"
	"feedhub/internal/gateway/mock"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pipeline"
	"feedhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *store.Store
	cache *cache.Memory
	bus   *bus.Memory
	cfg   market.MarketDataConfig
	live  *pipeline.Pipeline
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertExchange(ctx, market.Exchange{Code: market.ExchangeBinance}))
	_, err = st.UpsertDataSource(ctx, market.DataSource{Name: "binance-ws", Exchange: market.ExchangeBinance, Type: market.SourceWebsocket, Active: true})
	require.NoError(t, err)
	cfg, err := st.SaveConfig(ctx, market.MarketDataConfig{
		Instrument: "BTCUSDT", Timeframe: "1m", Source: "binance-ws", DataType: market.DataTypeOHLCV, IsActive: true,
	})
	require.NoError(t, err)

	f := fixture{store: st, cache: cache.NewMemory(0), bus: bus.NewMemory(), cfg: cfg}
	fac := &Factory{
		Normalizer: normalize.New(mock.Mapping(market.ExchangeBinance)),
		Records:    st,
		Cache:      f.cache,
		Bus:        f.bus,
	}
	f.live, err = fac.Pipeline("live", Live)
	require.NoError(t, err)
	return f
}

func TestLivePipelinePersistsCachesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := time.Date(2023, 7, 22, 4, 26, 0, 0, time.UTC)
	payload := mock.KlinePayload(open, "50000", "50100", "49900", "50050", "12.5")

	env := pipeline.NewEnvelope(f.cfg, "", payload, time.Now())
	require.NoError(t, f.live.Run(ctx, env))
	assert.True(t, env.Inserted())

	entry, err := f.cache.Get(ctx, f.cfg.Key())
	require.NoError(t, err)
	require.NotNil(t, entry.Candle)
	assert.Equal(t, "50050", entry.Candle.Close.String())
	assert.Equal(t, f.cfg.ID, entry.Candle.ConfigID)

	msgs := f.bus.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "market.BTCUSDT.1m", msgs[0].Topic)
	var snap bus.SnapshotMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &snap))
	assert.Equal(t, f.cfg.ID, snap.InstrumentID)

	// the duplicate is cached again but not republished
	dup := pipeline.NewEnvelope(f.cfg, "", payload, time.Now())
	require.NoError(t, f.live.Run(ctx, dup))
	assert.False(t, dup.Inserted())
	assert.Len(t, f.bus.Messages(), 1)
	n, err := f.store.CountRecords(ctx, f.cfg.ID, market.DataTypeOHLCV)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestLivePipelineRejectsInvalidCandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := time.Date(2023, 7, 22, 4, 26, 0, 0, time.UTC)
	// high < low
	payload := mock.KlinePayload(open, "50000", "49000", "49900", "50050", "12.5")

	err := f.live.Run(ctx, pipeline.NewEnvelope(f.cfg, "", payload, time.Now()))
	var rej *market.Rejection
	require.ErrorAs(t, err, &rej)

	_, err = f.cache.Get(ctx, f.cfg.Key())
	assert.ErrorIs(t, err, cache.ErrMiss)
	n, err := f.store.CountRecords(ctx, f.cfg.ID, market.DataTypeOHLCV)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLivePipelineBadPayload(t *testing.T) {
	f := newFixture(t)
	err := f.live.Run(context.Background(), pipeline.NewEnvelope(f.cfg, "", []byte(`{"nope":`), time.Now()))
	var bad *market.InvalidDataFormatError
	assert.ErrorAs(t, err, &bad)
}

func TestChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	book := f.cfg
	book.DataType = market.DataTypeOrderBook
	payload := []byte(`{"T":1690000000000,"bids":[["100","1"]],"asks":[["101","2"]],"checksum":42}`)

	err := f.live.Run(context.Background(), pipeline.NewEnvelope(book, "", payload, time.Now()))
	var sumErr *market.OrderBookChecksumError
	require.ErrorAs(t, err, &sumErr)
	assert.EqualValues(t, 42, sumErr.Expected)
}

func TestBuildUnknown(t *testing.T) {
	fac := &Factory{}
	_, err := fac.Build("rsi_extreme")
	assert.Error(t, err)
	_, err = fac.Build("normalize")
	assert.Error(t, err)

	p, err := (&Factory{Normalizer: normalize.New(), Records: nopSink{}}).Pipeline("historical", Historical)
	require.NoError(t, err)
	assert.Equal(t, Historical, p.Names())
}

type nopSink struct{}

func (nopSink) InsertRecord(context.Context, market.Record) (bool, error) { return true, nil }
