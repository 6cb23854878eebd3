// Package backfill pages historical candles into the durable store, both on
// demand and as a periodic catch-up.
package backfill

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
	"feedhub/internal/ratelimit"
	"feedhub/internal/scheduler"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownConfig     = errors.New("backfill: unknown config")
	ErrQueueFull         = errors.New("backfill: queue full")
	ErrConfigDeactivated = errors.New("backfill: config deactivated")
)

// Configs 编排器需要的注册表接口。
type Configs interface {
	Get(id uint) (market.MarketDataConfig, bool)
	List() []market.MarketDataConfig
	MarkSynced(ctx context.Context, id uint, at time.Time) (bool, error)
}

type Connectors interface {
	For(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error)
}

type SyncLogStore interface {
	CreateSyncLog(ctx context.Context, log market.SyncLog) error
	UpdateSyncLog(ctx context.Context, log market.SyncLog) error
}

type Options struct {
	Workers         int
	QueueSize       int
	PageLimit       int
	DefaultLookback time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	RetryCap        time.Duration
	FetchTimeout    time.Duration
	CatchUpInterval time.Duration
	CatchUpOffset   time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	if out.PageLimit <= 0 {
		out.PageLimit = 1000
	}
	if out.DefaultLookback <= 0 {
		out.DefaultLookback = 7 * 24 * time.Hour
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	} else if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryBase <= 0 {
		out.RetryBase = 2 * time.Second
	}
	if out.RetryCap <= 0 {
		out.RetryCap = 30 * time.Second
	}
	if out.FetchTimeout <= 0 {
		out.FetchTimeout = 30 * time.Second
	}
	return out
}

type Deps struct {
	Configs    Configs
	Connectors Connectors
	Pipeline   *pipeline.Pipeline
	SyncLogs   SyncLogStore
	Limiter    *ratelimit.Limiter
}

type job struct {
	cfg market.MarketDataConfig
	log market.SyncLog
}

// flight 是排队或运行中的任务；cancel 在 worker 接手后才设置。
type flight struct {
	log    market.SyncLog
	cancel context.CancelCauseFunc
}

// Orchestrator 把补数任务排队并交给固定数量的 worker 执行，
// 每个配置最多有一个排队或运行中的任务。
type Orchestrator struct {
	deps  Deps
	opts  Options
	queue chan job
	nowFn func() time.Time

	mu       sync.Mutex
	inflight map[uint]*flight
}

func New(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		queue:    make(chan job, opts.QueueSize),
		nowFn:    time.Now,
		inflight: make(map[uint]*flight),
	}
}

// TriggerHistoricalSync enqueues a backfill for configID and returns its
// PENDING log without waiting. A job already queued or running is returned
// as is.
func (o *Orchestrator) TriggerHistoricalSync(ctx context.Context, configID uint) (market.SyncLog, error) {
	cfg, ok := o.deps.Configs.Get(configID)
	if !ok {
		return market.SyncLog{}, fmt.Errorf("%w: %d", ErrUnknownConfig, configID)
	}
	if !cfg.IsHistorical {
		return market.SyncLog{}, &market.ConfigValidationError{Field: "is_historical", Reason: "is false"}
	}
	if cfg.DataType != market.DataTypeOHLCV {
		return market.SyncLog{}, &market.ConfigValidationError{Field: "data_type", Reason: "backfill only covers OHLCV"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.inflight[configID]; ok {
		return existing.log, nil
	}
	log := market.SyncLog{
		ID:        uuid.NewString(),
		ConfigID:  configID,
		Kind:      market.SyncKindBackfill,
		Status:    market.SyncPending,
		StartedAt: o.nowFn().UTC(),
	}
	if err := o.deps.SyncLogs.CreateSyncLog(ctx, log); err != nil {
		return market.SyncLog{}, fmt.Errorf("create sync log: %w", err)
	}
	select {
	case o.queue <- job{cfg: cfg, log: log}:
	default:
		o.finish(log, 0, market.SyncFailed, ErrQueueFull)
		return market.SyncLog{}, ErrQueueFull
	}
	o.inflight[configID] = &flight{log: log}
	logger.Infof("[backfill] %s queued log=%s", cfg, log.ID)
	return log, nil
}

// Run starts the workers and, when configured, the catch-up scheduler. It
// returns once ctx ends and the workers have drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.Workers; i++ {
		g.Go(func() error {
			o.worker(gctx)
			return nil
		})
	}
	if o.opts.CatchUpInterval > 0 {
		g.Go(func() error {
			sched := scheduler.NewAlignedScheduler(gctx, o.opts.CatchUpInterval, o.opts.CatchUpOffset)
			sched.Name = "catch-up"
			sched.Start(func() { o.CatchUp(gctx) })
			return nil
		})
	}
	err := g.Wait()
	o.abandonQueued()
	return err
}

// CatchUp 为所有启用历史数据的配置排队补数。
func (o *Orchestrator) CatchUp(ctx context.Context) int {
	queued := 0
	for _, cfg := range o.deps.Configs.List() {
		if !cfg.IsActive || !cfg.IsHistorical || cfg.DataType != market.DataTypeOHLCV {
			continue
		}
		if _, err := o.TriggerHistoricalSync(ctx, cfg.ID); err != nil {
			logger.Warnf("[backfill] catch-up %s: %v", cfg, err)
			continue
		}
		queued++
	}
	return queued
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			o.runJob(ctx, j)
		}
	}
}

// runJob 在配置已停用或任务已被取消时直接把日志置为 FAILED。
func (o *Orchestrator) runJob(ctx context.Context, j job) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer o.release(j)

	cfg, active := o.deps.Configs.Get(j.cfg.ID)
	o.mu.Lock()
	f, ok := o.inflight[j.cfg.ID]
	current := ok && f.log.ID == j.log.ID
	if current {
		f.cancel = cancel
	}
	o.mu.Unlock()
	if !active || !current {
		logger.Infof("[backfill] %s skipped log=%s: config deactivated", j.cfg, j.log.ID)
		o.finish(j.log, 0, market.SyncFailed, ErrConfigDeactivated)
		return
	}
	_, _ = o.Sync(jobCtx, cfg, j.log)
}

// release 只移除属于该任务的记录，取消后重新排队的任务不受影响。
func (o *Orchestrator) release(j job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.inflight[j.cfg.ID]; ok && f.log.ID == j.log.ID {
		delete(o.inflight, j.cfg.ID)
	}
}

// Cancel stops the job of configID: a running job is interrupted, a queued
// one is skipped when a worker reaches it. Both end FAILED. It reports
// whether a job was found.
func (o *Orchestrator) Cancel(configID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.inflight[configID]
	if !ok {
		return false
	}
	if f.cancel != nil {
		f.cancel(ErrConfigDeactivated)
	}
	delete(o.inflight, configID)
	logger.Infof("[backfill] config#%d cancelled log=%s", configID, f.log.ID)
	return true
}

func (o *Orchestrator) abandonQueued() {
	for {
		select {
		case j := <-o.queue:
			o.finish(j.log, 0, market.SyncFailed, errors.New("shutdown before start"))
			o.release(j)
		default:
			return
		}
	}
}

// Pending 列出排队或运行中任务的日志。
func (o *Orchestrator) Pending() []market.SyncLog {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]market.SyncLog, 0, len(o.inflight))
	for _, f := range o.inflight {
		out = append(out, f.log)
	}
	return out
}

func (o *Orchestrator) finish(log market.SyncLog, synced int64, status market.SyncStatus, err error) market.SyncLog {
	ended := o.nowFn().UTC()
	log.Status = status
	log.EndedAt = &ended
	log.RecordsSynced = synced
	if err != nil {
		log.ErrorMessage = text.Truncate(err.Error(), text.MaxErrorLen)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := o.deps.SyncLogs.UpdateSyncLog(ctx, log); uerr != nil {
		logger.Warnf("[backfill] sync log %s update failed: %v", log.ID, uerr)
	}
	return log
}
