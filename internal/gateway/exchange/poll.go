package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/ratelimit"
)

// PollFunc 拉取一个 topic 的当前状态。
type PollFunc func(ctx context.Context, topic Topic) ([]RawMessage, error)

type PollConfig struct {
	Exchange market.ExchangeCode
	Interval time.Duration
	Buffer   int
	Limiter  *ratelimit.Limiter
	Account  string
	// Endpoint 每次轮询消耗的接口额度
	Endpoint func(Topic) Endpoint
	Poll     PollFunc
	// MaxFailures 连续失败次数达到后结束会话
	MaxFailures int
}

// PollSession 把 REST 轮询包装成 Session。额度不足时跳过本次轮询，不等待。
type PollSession struct {
	cfg    PollConfig
	topics *TopicSet
	out    chan RawMessage

	mu  sync.Mutex
	err error

	snap   chan Topic
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	skipped int64
}

func NewPollSession(cfg PollConfig) (*PollSession, error) {
	if cfg.Poll == nil {
		return nil, errors.New("poll func is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PollSession{
		cfg:    cfg,
		topics: NewTopicSet(),
		out:    make(chan RawMessage, cfg.Buffer),
		snap:   make(chan Topic, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(ctx)
	return s, nil
}

func (s *PollSession) Subscribe(_ context.Context, t Topic) error {
	s.topics.Add(t)
	return nil
}

func (s *PollSession) Unsubscribe(_ context.Context, t Topic) error {
	s.topics.Remove(t)
	return nil
}

func (s *PollSession) Listen() <-chan RawMessage { return s.out }

func (s *PollSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *PollSession) Close() error {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
	return nil
}

// Skipped 因额度不足跳过的轮询次数。
func (s *PollSession) Skipped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// RequestSnapshot queues an out-of-band poll of the topic. The poll waits
// for budget instead of skipping.
func (s *PollSession) RequestSnapshot(ctx context.Context, t Topic) error {
	select {
	case s.snap <- t:
		return nil
	case <-s.done:
		return errors.New("poll session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PollSession) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	failures := 0
	for {
		for _, t := range s.topics.List() {
			if !s.acquire(t) {
				continue
			}
			msgs, err := s.cfg.Poll(ctx, t)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				logger.Warnf("[poll] %s %s failed (%d/%d): %v", s.cfg.Exchange, t.Key(), failures, s.cfg.MaxFailures, err)
				if market.IsFatal(err) || failures >= s.cfg.MaxFailures {
					s.setErr(fmt.Errorf("%s poll %s: %w", s.cfg.Exchange, t.Key(), err))
					return
				}
				continue
			}
			failures = 0
			if err := s.emit(ctx, msgs); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case t := <-s.snap:
			if err := s.snapshot(ctx, t); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warnf("[poll] %s %s snapshot failed: %v", s.cfg.Exchange, t.Key(), err)
			}
		case <-ticker.C:
		}
	}
}

func (s *PollSession) snapshot(ctx context.Context, t Topic) error {
	if s.cfg.Limiter != nil && s.cfg.Endpoint != nil {
		ep := s.cfg.Endpoint(t)
		if err := s.cfg.Limiter.Wait(ctx, s.cfg.Account, ep.Path, ep.Weight); err != nil {
			return err
		}
	}
	msgs, err := s.cfg.Poll(ctx, t)
	if err != nil {
		return err
	}
	return s.emit(ctx, msgs)
}

func (s *PollSession) acquire(t Topic) bool {
	if s.cfg.Limiter == nil || s.cfg.Endpoint == nil {
		return true
	}
	ep := s.cfg.Endpoint(t)
	if s.cfg.Limiter.TryAcquire(s.cfg.Account, ep.Path, ep.Weight) {
		return true
	}
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	logger.Debugf("[poll] %s %s skipped: budget exhausted on %s", s.cfg.Exchange, t.Key(), ep.Path)
	return false
}

func (s *PollSession) emit(ctx context.Context, msgs []RawMessage) error {
	for _, m := range msgs {
		select {
		case s.out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *PollSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

var (
	_ Session           = (*PollSession)(nil)
	_ SnapshotRequester = (*PollSession)(nil)
)
