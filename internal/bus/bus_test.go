package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"feedhub/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "market.BTCUSDT.1m", Topic("btcusdt", "1M"))
	assert.Equal(t, "market.ETHIRT.4h", Topic(" ETHIRT ", "4h"))
}

func TestPublishSnapshotPayload(t *testing.T) {
	mem := NewMemory()
	cfg := market.MarketDataConfig{ID: 11, Instrument: "BTCUSDT", Timeframe: "1m", Source: "binance-ws", DataType: market.DataTypeOHLCV, Exchange: market.ExchangeBinance}
	c := market.Candle{
		Timestamp: time.Unix(1690000000, 0).UTC(),
		Open:      decimal.RequireFromString("50000"),
		High:      decimal.RequireFromString("50100"),
		Low:       decimal.RequireFromString("49900"),
		Close:     decimal.RequireFromString("50050"),
		Volume:    decimal.RequireFromString("12.5"),
	}
	require.NoError(t, PublishSnapshot(context.Background(), mem, cfg, c))

	msgs := mem.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "market.BTCUSDT.1m", msgs[0].Topic)
	assert.Equal(t, "binance-ws:BTCUSDT:1m:OHLCV", string(msgs[0].Key))

	// 同一 instrument 的不同 source 使用不同 key
	other := cfg
	other.Source = "binance-rest"
	require.NoError(t, PublishSnapshot(context.Background(), mem, other, c))
	msgs = mem.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[0].Topic, msgs[1].Topic)
	assert.NotEqual(t, string(msgs[0].Key), string(msgs[1].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.EqualValues(t, 11, got["instrument_id"])
	assert.Equal(t, "50050", got["close"])
	assert.Equal(t, "BINANCE", got["source"])

	assert.NoError(t, PublishSnapshot(context.Background(), nil, cfg, c))
	assert.NoError(t, Nop{}.Publish(context.Background(), "x", nil, nil))
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(KafkaOptions{})
	assert.Error(t, err)

	k, err := NewKafka(KafkaOptions{Brokers: []string{"127.0.0.1:9092"}, ClientID: "feedhub-test"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9092", k.writer.Addr.String())
	assert.True(t, k.writer.AllowAutoTopicCreation)
	assert.NoError(t, k.Close())
}
