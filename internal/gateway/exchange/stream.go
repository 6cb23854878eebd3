package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// StreamHooks are the venue specific parts of a websocket session.
type StreamHooks struct {
	Subscribe   func(ctx context.Context, conn *WSConn, t Topic) error
	Unsubscribe func(ctx context.Context, conn *WSConn, t Topic) error
	// Snapshot fetches a full order book out of band; optional.
	Snapshot func(ctx context.Context, t Topic) ([]RawMessage, error)
}

// StreamSession is a Session over one WSConn. Snapshot results are merged
// into the same ordered channel as stream frames, ahead of any frame not yet
// forwarded.
type StreamSession struct {
	conn     *WSConn
	hooks    StreamHooks
	topics   *TopicSet
	out      chan RawMessage
	finished chan struct{}

	// 快照消息先入队，forward 优先转发；wake 容量为 1
	mu      sync.Mutex
	pending []RawMessage
	wake    chan struct{}
}

func NewStreamSession(conn *WSConn, hooks StreamHooks, buffer int) *StreamSession {
	if buffer <= 0 {
		buffer = 256
	}
	s := &StreamSession{
		conn:     conn,
		hooks:    hooks,
		topics:   NewTopicSet(),
		out:      make(chan RawMessage, buffer),
		finished: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	go s.forward()
	return s
}

func (s *StreamSession) forward() {
	defer close(s.finished)
	defer close(s.out)
	in := s.conn.Listen()
	for {
		msg, ok := s.next(in)
		if !ok {
			return
		}
		select {
		case s.out <- msg:
		case <-s.conn.Done():
			return
		}
	}
}

// next 优先返回排队的快照消息，否则等待下一帧。
func (s *StreamSession) next(in <-chan RawMessage) (RawMessage, bool) {
	for {
		if msg, ok := s.popPending(); ok {
			return msg, true
		}
		select {
		case msg, ok := <-in:
			return msg, ok
		case <-s.wake:
		}
	}
}

func (s *StreamSession) popPending() (RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return RawMessage{}, false
	}
	msg := s.pending[0]
	s.pending[0] = RawMessage{}
	s.pending = s.pending[1:]
	return msg, true
}

func (s *StreamSession) Subscribe(ctx context.Context, t Topic) error {
	if s.topics.Has(t) {
		return nil
	}
	if s.hooks.Subscribe != nil {
		if err := s.hooks.Subscribe(ctx, s.conn, t); err != nil {
			return err
		}
	}
	s.topics.Add(t)
	return nil
}

func (s *StreamSession) Unsubscribe(ctx context.Context, t Topic) error {
	if !s.topics.Has(t) {
		return nil
	}
	if s.hooks.Unsubscribe != nil {
		if err := s.hooks.Unsubscribe(ctx, s.conn, t); err != nil {
			return err
		}
	}
	s.topics.Remove(t)
	return nil
}

func (s *StreamSession) Topics() []Topic { return s.topics.List() }

func (s *StreamSession) Listen() <-chan RawMessage { return s.out }

func (s *StreamSession) Err() error { return s.conn.Err() }

func (s *StreamSession) Close() error { return s.conn.Close() }

// RequestSnapshot fetches the book and queues it for delivery without
// waiting on the consumer, so the reader of Listen may call it.
func (s *StreamSession) RequestSnapshot(ctx context.Context, t Topic) error {
	if s.hooks.Snapshot == nil {
		return errors.New("snapshot not supported")
	}
	msgs, err := s.hooks.Snapshot(ctx, t)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", t.Key(), err)
	}
	select {
	case <-s.finished:
		return errors.New("session closed")
	default:
	}
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, msgs...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

var (
	_ Session           = (*StreamSession)(nil)
	_ SnapshotRequester = (*StreamSession)(nil)
)
