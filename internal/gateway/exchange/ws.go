package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"feedhub/internal/market"

	"github.com/gorilla/websocket"
)

// Frame 适配器对一帧 websocket 入站数据的解析结果。
type Frame struct {
	Messages []RawMessage
	// AckID 完成等待中的 Request，AckErr 使其失败
	AckID  string
	AckErr error
	// Reply 原样写回（应用层 pong）
	Reply []byte
}

// Classifier 把原始帧解析为数据消息、确认或回复。
type Classifier func(frame []byte, receivedAt time.Time) Frame

type WSConfig struct {
	Exchange         market.ExchangeCode
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Buffer           int
	// PingInterval 协议层 ping 间隔，0 表示不发送
	PingInterval time.Duration
	// ReadIdle 连接静默超过该时长视为断开
	ReadIdle time.Duration
	Classify Classifier
	Dialer   *websocket.Dialer
}

func (c WSConfig) withDefaults() WSConfig {
	out := c
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.Buffer <= 0 {
		out.Buffer = 256
	}
	if out.ReadIdle <= 0 {
		out.ReadIdle = 3 * time.Minute
	}
	if out.Dialer == nil {
		out.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: out.HandshakeTimeout,
		}
	}
	return out
}

// WSConn 持有一个 websocket 连接。读协程把解析后的消息写入有界 channel，
// 消费方跟不上时阻塞。
type WSConn struct {
	cfg  WSConfig
	conn *websocket.Conn
	out  chan RawMessage

	writeMu sync.Mutex

	mu      sync.Mutex
	err     error
	closed  bool
	pending map[string]chan error

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects and starts the reader. Handshake failures come back as
// *market.ConnectError.
func DialWS(ctx context.Context, cfg WSConfig) (*WSConn, error) {
	final := cfg.withDefaults()
	if final.Classify == nil {
		return nil, errors.New("websocket classifier is required")
	}
	dialCtx, cancel := context.WithTimeout(ctx, final.HandshakeTimeout)
	defer cancel()
	conn, resp, err := final.Dialer.DialContext(dialCtx, final.URL, final.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &market.ConnectError{Exchange: final.Exchange, Kind: market.ConnectAuthInvalid, Err: err}
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, market.NewConnectError(final.Exchange, err)
	}
	c := &WSConn{
		cfg:     final,
		conn:    conn,
		out:     make(chan RawMessage, final.Buffer),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(final.ReadIdle))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(final.ReadIdle))
	})
	go c.readLoop()
	if final.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

func (c *WSConn) Listen() <-chan RawMessage { return c.out }

// Err 在正常 Close 后为 nil。
func (c *WSConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *WSConn) WriteText(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Request 发送 v 并等待确认 id 的响应帧。
func (c *WSConn) Request(ctx context.Context, id string, v any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ch := make(chan error, 1)
	c.mu.Lock()
	if c.closed || c.err != nil {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = errors.New("websocket closed")
		}
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.WriteJSON(v); err != nil {
		return fmt.Errorf("write request %s: %w", id, err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return fmt.Errorf("request %s: %w", id, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("websocket closed")
	}
}

func (c *WSConn) readLoop() {
	defer close(c.out)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		frame := c.cfg.Classify(data, time.Now().UTC())
		if len(frame.Reply) > 0 {
			if err := c.WriteText(frame.Reply); err != nil {
				c.fail(err)
				return
			}
		}
		if frame.AckID != "" {
			c.resolve(frame.AckID, frame.AckErr)
		}
		for _, msg := range frame.Messages {
			select {
			case c.out <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *WSConn) resolve(id string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- err:
		default:
		}
	}
}

func (c *WSConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.err = fmt.Errorf("%s websocket: %w", c.cfg.Exchange, err)
	for id, ch := range c.pending {
		select {
		case ch <- c.err:
		default:
		}
		delete(c.pending, id)
	}
}
