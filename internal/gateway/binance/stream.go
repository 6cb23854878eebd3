package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
	symbolpkg "feedhub/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

var requestID atomic.Int64

// streamName builds the combined-stream name of a topic.
func streamName(t exchange.Topic) (string, error) {
	wire := strings.ToLower(symbolpkg.Binance.ToExchange(t.Symbol))
	if wire == "" {
		return "", &market.ConfigValidationError{Field: "instrument", Reason: "empty symbol"}
	}
	switch t.DataType {
	case market.DataTypeOHLCV:
		tf, err := market.ParseTimeframe(t.Timeframe)
		if err != nil {
			return "", &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
		}
		return wire + "@kline_" + tf.Key, nil
	case market.DataTypeTick:
		return wire + "@trade", nil
	case market.DataTypeOrderBook:
		return fmt.Sprintf("%s@depth%d@100ms", wire, normalizeDepth(t.Depth)), nil
	default:
		return "", &market.UnsupportedDataSourceError{Exchange: market.ExchangeBinance, DataType: t.DataType}
	}
}

// parseStream is the inverse of streamName.
func parseStream(name string) (symbol string, dt market.DataType, timeframe string, ok bool) {
	parts := strings.Split(name, "@")
	if len(parts) < 2 {
		return "", "", "", false
	}
	symbol = strings.ToUpper(parts[0])
	kind := parts[1]
	switch {
	case strings.HasPrefix(kind, "kline_"):
		return symbol, market.DataTypeOHLCV, strings.TrimPrefix(kind, "kline_"), true
	case kind == "trade" || kind == "aggTrade":
		return symbol, market.DataTypeTick, "", true
	case strings.HasPrefix(kind, "depth"):
		return symbol, market.DataTypeOrderBook, "", true
	}
	return "", "", "", false
}

func subscribe(ctx context.Context, conn *exchange.WSConn, t exchange.Topic) error {
	return request(ctx, conn, "SUBSCRIBE", t)
}

func unsubscribe(ctx context.Context, conn *exchange.WSConn, t exchange.Topic) error {
	return request(ctx, conn, "UNSUBSCRIBE", t)
}

func request(ctx context.Context, conn *exchange.WSConn, method string, t exchange.Topic) error {
	name, err := streamName(t)
	if err != nil {
		return err
	}
	id := requestID.Add(1)
	payload := map[string]any{"method": method, "params": []string{name}, "id": id}
	return conn.Request(ctx, strconv.FormatInt(id, 10), payload, 10*time.Second)
}

func classify(frame []byte, at time.Time) exchange.Frame {
	doc := gjson.ParseBytes(frame)
	if id := doc.Get("id"); id.Exists() && !doc.Get("stream").Exists() {
		out := exchange.Frame{AckID: id.String()}
		if e := doc.Get("error"); e.Exists() {
			out.AckErr = &market.DataFetchError{
				Exchange: market.ExchangeBinance,
				Endpoint: "ws",
				Code:     e.Get("code").String(),
				Message:  e.Get("msg").String(),
			}
		}
		return out
	}
	stream := doc.Get("stream").String()
	data := doc.Get("data")
	if stream == "" || !data.Exists() {
		return exchange.Frame{}
	}
	symbol, dt, tf, ok := parseStream(stream)
	if !ok {
		return exchange.Frame{}
	}
	payload := []byte(data.Raw)
	switch dt {
	case market.DataTypeOHLCV:
		// 只转发已收盘的 K 线
		if !data.Get("k.x").Bool() {
			return exchange.Frame{}
		}
	case market.DataTypeOrderBook:
		payload = wrapBook(payload, at)
	}
	return exchange.Frame{Messages: []exchange.RawMessage{{
		Exchange:   market.ExchangeBinance,
		Stream:     stream,
		Symbol:     symbol,
		DataType:   dt,
		Timeframe:  tf,
		Payload:    payload,
		ReceivedAt: at,
	}}}
}

// Partial depth payloads carry no event time; stamp the arrival time.
func wrapBook(book []byte, at time.Time) []byte {
	return []byte(fmt.Sprintf(`{"received_at":%d,"book":%s}`, at.UnixMilli(), book))
}
