package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/pipeline"
	"feedhub/internal/pkg/text"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

type task struct {
	cfg      market.MarketDataConfig
	deps     Deps
	opts     Options
	cancel   context.CancelFunc
	done     chan struct{}
	backoff  *backoff.Backoff
	counters Counters

	mu        sync.Mutex
	state     State
	since     time.Time
	nextRetry *time.Time
	lastErr   string
}

func newTask(cfg market.MarketDataConfig, deps Deps, opts Options, cancel context.CancelFunc) *task {
	return &task{
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: newBackoff(opts),
		state:   StateIdle,
		since:   time.Now().UTC(),
	}
}

// newBackoff 退避时长为 min(base * 2^attempt, cap)。
func newBackoff(opts Options) *backoff.Backoff {
	return &backoff.Backoff{Min: opts.BackoffBase, Max: opts.BackoffCap, Factor: 2}
}

func (t *task) run(ctx context.Context) {
	defer close(t.done)
	defer t.transition(StateStopped, "")
	for {
		if ctx.Err() != nil {
			return
		}
		t.transition(StateConnecting, "")
		streamedFor, err := t.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamEnded
		}
		if market.IsFatal(err) {
			t.transition(StateError, err.Error())
			t.setStatus(market.StatusError, err.Error())
			logger.Errorf("[ingest] %s stopped on fatal error: %v", t.cfg, err)
			<-ctx.Done()
			return
		}
		if streamedFor >= t.opts.StablePeriod {
			t.backoff.Reset()
		}
		delay := t.backoff.Duration()
		next := time.Now().Add(delay).UTC()
		t.mu.Lock()
		t.nextRetry = &next
		t.mu.Unlock()
		t.counters.reconnects.Add(1)
		t.transition(StateError, err.Error())
		t.setStatus(market.StatusError, err.Error())
		logger.Warnf("[ingest] %s attempt=%d retry_in=%s err=%v", t.cfg, int(t.backoff.Attempt()), delay, err)
		if !sleepWithContext(ctx, delay) {
			return
		}
	}
}

// session 执行一轮连接、订阅、监听，返回持续推送的时长，panic 视为临时错误。
func (t *task) session(ctx context.Context) (streamedFor time.Duration, err error) {
	var streamingSince time.Time
	persistedBefore := t.counters.persisted.Load()
	log := market.SyncLog{
		ID:        uuid.NewString(),
		ConfigID:  t.cfg.ID,
		Kind:      market.SyncKindStream,
		Status:    market.SyncRunning,
		StartedAt: time.Now().UTC(),
	}
	t.createLog(log)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream task panic: %v", r)
		}
		if !streamingSince.IsZero() {
			streamedFor = time.Since(streamingSince)
		}
		t.finishLog(log, t.counters.persisted.Load()-persistedBefore, err)
	}()

	conn, err := t.deps.Connectors.For(ctx, t.cfg)
	if err != nil {
		return 0, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	sess, err := conn.Connect(connectCtx)
	cancel()
	if err != nil {
		return 0, err
	}
	defer func() { _ = sess.Close() }()

	topic := exchange.TopicFor(t.cfg)
	subCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	err = sess.Subscribe(subCtx, topic)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", topic.Key(), err)
	}

	streamingSince = time.Now()
	t.mu.Lock()
	t.nextRetry = nil
	t.mu.Unlock()
	t.transition(StateStreaming, "")
	t.setStatus(market.StatusSubscribed, "")

	msgs := sess.Listen()
	for {
		select {
		case <-ctx.Done():
			return 0, nil
		case msg, ok := <-msgs:
			if !ok {
				if serr := sess.Err(); serr != nil {
					return 0, serr
				}
				return 0, errStreamEnded
			}
			if err := t.handle(ctx, sess, topic, msg); err != nil {
				return 0, err
			}
		}
	}
}

// handle runs one message through the pipeline. Only fatal errors end the
// session; everything else drops the message.
func (t *task) handle(ctx context.Context, sess exchange.Session, topic exchange.Topic, msg exchange.RawMessage) error {
	t.counters.received.Add(1)
	env := pipeline.NewEnvelope(t.cfg, msg.DataType, msg.Payload, msg.ReceivedAt)
	err := t.deps.Pipeline.Run(ctx, env)
	if err == nil {
		if env.Inserted() {
			t.counters.persisted.Add(1)
		} else {
			t.counters.duplicates.Add(1)
		}
		return nil
	}

	var (
		rejection *market.Rejection
		badFormat *market.InvalidDataFormatError
		checksum  *market.OrderBookChecksumError
	)
	switch {
	case market.IsFatal(err):
		return err
	case errors.As(err, &checksum):
		t.counters.resyncs.Add(1)
		logger.Warnf("[ingest] %s %v, requesting snapshot", t.cfg, err)
		if req, ok := sess.(exchange.SnapshotRequester); ok {
			snapCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
			rerr := req.RequestSnapshot(snapCtx, topic)
			cancel()
			if rerr != nil {
				logger.Warnf("[ingest] %s snapshot request failed: %v", t.cfg, rerr)
			}
		}
	case errors.As(err, &rejection), errors.As(err, &badFormat):
		t.counters.rejected.Add(1)
		logger.Warnf("[ingest] %s dropped message: %v", t.cfg, err)
	case ctx.Err() != nil:
	default:
		t.counters.failed.Add(1)
		logger.Errorf("[ingest] %s write failed: %v", t.cfg, err)
	}
	return nil
}

func (t *task) transition(to State, lastErr string) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.since = time.Now().UTC()
	if lastErr != "" {
		t.lastErr = lastErr
	}
	t.mu.Unlock()
	if from != to {
		logger.Infof("[ingest] %s %s -> %s", t.cfg, from, to)
	}
}

func (t *task) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TaskStatus{
		ConfigID:  t.cfg.ID,
		Key:       string(t.cfg.Key()),
		State:     t.state,
		Since:     t.since,
		Attempt:   int(t.backoff.Attempt()),
		LastError: t.lastErr,
		Counters:  t.counters.Snapshot(),
	}
	if t.nextRetry != nil {
		next := *t.nextRetry
		st.NextRetry = &next
	}
	return st
}

func (t *task) setStatus(status market.ConfigStatus, lastErr string) {
	if t.deps.Status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.deps.Status.SetStatus(ctx, t.cfg.ID, status, text.Truncate(lastErr, text.MaxErrorLen)); err != nil {
		logger.Warnf("[ingest] %s status update failed: %v", t.cfg, err)
	}
}

func (t *task) createLog(log market.SyncLog) {
	if t.deps.SyncLogs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.deps.SyncLogs.CreateSyncLog(ctx, log); err != nil {
		logger.Warnf("[ingest] %s sync log create failed: %v", t.cfg, err)
	}
}

// finishLog 结束会话日志：正常停止为 SUCCESS，否则为 FAILED。
func (t *task) finishLog(log market.SyncLog, persisted int64, err error) {
	if t.deps.SyncLogs == nil {
		return
	}
	ended := time.Now().UTC()
	log.EndedAt = &ended
	log.RecordsSynced = persisted
	log.Status = market.SyncSuccess
	if err != nil {
		log.Status = market.SyncFailed
		log.ErrorMessage = text.Truncate(err.Error(), text.MaxErrorLen)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := t.deps.SyncLogs.UpdateSyncLog(ctx, log); uerr != nil {
		logger.Warnf("[ingest] %s sync log update failed: %v", t.cfg, uerr)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
