package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
	"feedhub/internal/normalize"
	"feedhub/internal/pkg/sign"
	"feedhub/internal/ratelimit"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	klineOpen   = `{"e":"kline","E":1690000030000,"s":"BTCUSDT","k":{"t":1690000020000,"T":1690000079999,"s":"BTCUSDT","i":"1m","o":"50050","c":"50060","h":"50070","l":"50040","v":"1.5","n":3,"x":false,"q":"75075"}}`
	klineClosed = `{"e":"kline","E":1690000080000,"s":"BTCUSDT","k":{"t":1690000020000,"T":1690000079999,"s":"BTCUSDT","i":"1m","o":"50050","c":"50060","h":"50070","l":"50040","v":"2.5","n":7,"x":true,"q":"125125"}}`
	tradeEvent  = `{"e":"trade","E":1690000081000,"s":"BTCUSDT","t":12345,"p":"50061.10","q":"0.002","T":1690000081000,"m":true}`
	depthEvent  = `{"lastUpdateId":160,"bids":[["50060.00","1.5"],["50059.00","2"]],"asks":[["50061.00","0.7"]]}`
)

type fakeVenue struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	subs     chan []string
}

func newFakeVenue(t *testing.T) *fakeVenue {
	v := &fakeVenue{t: t, subs: make(chan []string, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"serverTime":` + jsonInt(time.Now().UnixMilli()) + `}`))
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"timezone":"UTC","serverTime":1,"rateLimits":[{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":6000},{"rateLimitType":"ORDERS","interval":"SECOND","intervalNum":10,"limit":100}],"symbols":[]}`))
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1m", q.Get("interval"))
		assert.Equal(t, "1689999900000", q.Get("startTime"))
		assert.Equal(t, "3", q.Get("limit"))
		_, _ = w.Write([]byte(`[
			[1689999900000,"50000","50100","49900","50050","12.5",1689999959999,"625312.5",42,"6","300000","0"],
			[1689999960000,"50050","50080","50000","50010","3",1690000019999,"150090",11,"1","50000","0"],
			[1690000020000,"50010","50020","50000","50015","1",1690000079999,"50015",2,"0","0","0"]
		]`))
	})
	mux.HandleFunc("/api/v3/depth", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(depthEvent))
	})
	mux.HandleFunc("/stream", v.serveWS)
	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (v *fakeVenue) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var req struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
			ID     int64    `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		v.subs <- req.Params
		_ = conn.WriteJSON(map[string]any{"result": nil, "id": req.ID})
		if req.Method != "SUBSCRIBE" {
			continue
		}
		for _, frame := range []struct{ stream, data string }{
			{"btcusdt@kline_1m", klineOpen},
			{"btcusdt@kline_1m", klineClosed},
			{"btcusdt@trade", tradeEvent},
			{"btcusdt@depth20@100ms", depthEvent},
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"`+frame.stream+`","data":`+frame.data+`}`))
		}
	}
}

func (v *fakeVenue) connector(t *testing.T, limiter *ratelimit.Limiter) *Connector {
	c, err := New(Config{
		RESTBaseURL: v.srv.URL,
		WSBaseURL:   "ws" + strings.TrimPrefix(v.srv.URL, "http") + "/stream",
		APISecret:   "secret",
	}, limiter, "binance:default", 16, nil)
	require.NoError(t, err)
	return c
}

func TestFetchHistoricalDropsUnclosedRow(t *testing.T) {
	v := newFakeVenue(t)
	c := v.connector(t, nil)
	c.nowFn = func() time.Time { return time.UnixMilli(1690000050000) }

	rows, err := c.FetchHistorical(context.Background(), exchange.HistoricalRequest{
		Symbol:    "BTC/USDT",
		Timeframe: "1m",
		Since:     time.UnixMilli(1689999900000),
		Limit:     3,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, time.UnixMilli(1689999900000).UTC(), rows[0].OpenTime)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)

	n := normalize.New(c.Mappings()...)
	rec, err := n.Normalize(rows[0].Payload, market.ExchangeBinance, market.DataTypeOHLCV)
	require.NoError(t, err)
	candle := rec.(*market.Candle)
	assert.Equal(t, int64(1689999900), candle.Timestamp.Unix())
	assert.Equal(t, "50050", candle.Close.String())
	assert.Equal(t, "625312.5", candle.QuoteVolume.String())
}

func TestSessionStreamsClosedKlinesTradesAndBooks(t *testing.T) {
	v := newFakeVenue(t)
	limiter := ratelimit.New(ratelimit.Config{Window: time.Minute, DefaultBudget: 1200})
	c := v.connector(t, limiter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := c.Connect(ctx)
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, 6000, limiter.Budget(klinesPath))

	topic := exchange.Topic{Symbol: "BTCUSDT", DataType: market.DataTypeOHLCV, Timeframe: "1m"}
	require.NoError(t, sess.Subscribe(ctx, topic))
	assert.Equal(t, []string{"btcusdt@kline_1m"}, <-v.subs)
	// second subscribe is a no-op and sends nothing
	require.NoError(t, sess.Subscribe(ctx, topic))

	n := normalize.New(c.Mappings()...)
	var got []market.Record
	for len(got) < 3 {
		select {
		case msg, ok := <-sess.Listen():
			require.True(t, ok, "session closed early: %v", sess.Err())
			rec, err := n.Normalize(msg.Payload, msg.Exchange, msg.DataType)
			require.NoError(t, err)
			got = append(got, rec)
		case <-ctx.Done():
			t.Fatal("timed out waiting for frames")
		}
	}
	candle := got[0].(*market.Candle)
	assert.Equal(t, "2.5", candle.Volume.String())
	tick := got[1].(*market.Tick)
	assert.Equal(t, market.SideSell, tick.Side)
	assert.Equal(t, "12345", tick.TradeID)
	book := got[2].(*market.OrderBook)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, "50061", book.Asks[0].Price.String())
	require.NotNil(t, book.Sequence)
	assert.EqualValues(t, 160, *book.Sequence)

	requester, ok := sess.(exchange.SnapshotRequester)
	require.True(t, ok)
	require.NoError(t, requester.RequestSnapshot(ctx, exchange.Topic{Symbol: "BTCUSDT", DataType: market.DataTypeOrderBook}))
	select {
	case msg := <-sess.Listen():
		assert.Equal(t, market.DataTypeOrderBook, msg.DataType)
		assert.Contains(t, string(msg.Payload), `"lastUpdateId":160`)
	case <-ctx.Done():
		t.Fatal("snapshot not delivered")
	}
	st, ok := limiter.State("binance:default", depthPath)
	require.True(t, ok)
	assert.Equal(t, 5, st.RequestsCount)
}

func TestStreamNames(t *testing.T) {
	name, err := streamName(exchange.Topic{Symbol: "ETH/USDT", DataType: market.DataTypeOrderBook, Depth: 7})
	require.NoError(t, err)
	assert.Equal(t, "ethusdt@depth10@100ms", name)

	sym, dt, tf, ok := parseStream("btcusdt@kline_15m")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, market.DataTypeOHLCV, dt)
	assert.Equal(t, "15m", tf)

	_, err = streamName(exchange.Topic{Symbol: "BTCUSDT", DataType: market.DataTypeOHLCV, Timeframe: "7m"})
	var cfgErr *market.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestClassifySubscribeError(t *testing.T) {
	f := classify([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":9}`), time.Now())
	assert.Equal(t, "9", f.AckID)
	require.Error(t, f.AckErr)
	assert.Empty(t, f.Messages)
}

func TestSignRequestUsesSecret(t *testing.T) {
	c, err := New(Config{APISecret: "secret"}, nil, "", 0, nil)
	require.NoError(t, err)
	params := map[string]string{"symbol": "BTCUSDT", "timestamp": "1"}
	got, err := c.SignRequest(params)
	require.NoError(t, err)
	want, err := sign.Binance("secret", params)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestScaleBudget(t *testing.T) {
	assert.Equal(t, 6000, scaleBudget(6000, 1, time.Minute))
	assert.Equal(t, 100, scaleBudget(6000, 1, time.Second))
	assert.Equal(t, 1, scaleBudget(1, 5, time.Second))
}
