package lbank

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
	symbolpkg "feedhub/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

func subscribeMessage(action string, t exchange.Topic) (map[string]string, error) {
	pair := symbolpkg.LBank.ToExchange(t.Symbol)
	if pair == "" {
		return nil, &market.ConfigValidationError{Field: "instrument", Reason: "empty symbol"}
	}
	msg := map[string]string{"action": action, "pair": pair}
	switch t.DataType {
	case market.DataTypeOHLCV:
		tf, err := market.ParseTimeframe(t.Timeframe)
		if err != nil {
			return nil, &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
		}
		slot, ok := kbarSlots[tf.Key]
		if !ok {
			return nil, &market.ConfigValidationError{Field: "timeframe", Reason: "no lbank kbar stream for " + tf.Key}
		}
		msg["subscribe"] = "kbar"
		msg["kbar"] = slot
	case market.DataTypeTick:
		msg["subscribe"] = "trade"
	case market.DataTypeOrderBook:
		depth := t.Depth
		switch {
		case depth <= 0 || depth > 50:
			depth = 100
		case depth <= 10:
			depth = 10
		default:
			depth = 50
		}
		msg["subscribe"] = "depth"
		msg["depth"] = strconv.Itoa(depth)
	default:
		return nil, &market.UnsupportedDataSourceError{Exchange: market.ExchangeLBank, DataType: t.DataType}
	}
	return msg, nil
}

// LBank does not acknowledge subscriptions; a successful write is all we get.
func subscribe(_ context.Context, conn *exchange.WSConn, t exchange.Topic) error {
	msg, err := subscribeMessage("subscribe", t)
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func unsubscribe(_ context.Context, conn *exchange.WSConn, t exchange.Topic) error {
	msg, err := subscribeMessage("unsubscribe", t)
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

type pendingBar struct {
	openTS  string
	payload []byte
	symbol  string
	slot    string
}

// classifier holds the in-progress kbar per stream. LBank pushes a bar on
// every update without a closed flag, so a bar is forwarded once the next
// one starts.
type classifier struct {
	mu   sync.Mutex
	bars map[string]pendingBar
}

func newClassifier() *classifier {
	return &classifier{bars: make(map[string]pendingBar)}
}

func (c *classifier) classify(frame []byte, at time.Time) exchange.Frame {
	doc := gjson.ParseBytes(frame)
	if doc.Get("action").String() == "ping" {
		reply := `{"action":"pong","pong":` + strconv.Quote(doc.Get("ping").String()) + `}`
		return exchange.Frame{Reply: []byte(reply)}
	}
	pair := doc.Get("pair").String()
	symbol := canonical(pair)
	msg := exchange.RawMessage{
		Exchange:   market.ExchangeLBank,
		Stream:     doc.Get("type").String(),
		Symbol:     symbol,
		Payload:    frame,
		ReceivedAt: at,
	}
	switch doc.Get("type").String() {
	case "kbar":
		return c.kbar(doc, msg)
	case "trade":
		msg.DataType = market.DataTypeTick
	case "depth":
		msg.DataType = market.DataTypeOrderBook
	default:
		return exchange.Frame{}
	}
	return exchange.Frame{Messages: []exchange.RawMessage{msg}}
}

func (c *classifier) kbar(doc gjson.Result, msg exchange.RawMessage) exchange.Frame {
	slot := doc.Get("kbar.slot").String()
	openTS := doc.Get("kbar.t").String()
	key := msg.Symbol + "|" + slot
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.bars[key]
	c.bars[key] = pendingBar{openTS: openTS, payload: msg.Payload, symbol: msg.Symbol, slot: slot}
	if !ok || prev.openTS == openTS {
		return exchange.Frame{}
	}
	msg.DataType = market.DataTypeOHLCV
	msg.Timeframe = timeframeOfSlot(slot)
	msg.Payload = prev.payload
	return exchange.Frame{Messages: []exchange.RawMessage{msg}}
}

func timeframeOfSlot(slot string) string {
	for tf, s := range kbarSlots {
		if s == slot {
			return tf
		}
	}
	return ""
}

func canonical(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "_", ""))
}
