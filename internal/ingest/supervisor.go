// Package ingest keeps one streaming task per realtime subscription alive
// and pushes every frame through the write pipeline.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"feedhub/internal/cache"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/pipeline"
)

// ConnectorSource 返回服务某个配置的连接器。
type ConnectorSource interface {
	For(ctx context.Context, cfg market.MarketDataConfig) (exchange.Connector, error)
}

// StatusSink 持久化配置状态变化。
type StatusSink interface {
	SetStatus(ctx context.Context, id uint, status market.ConfigStatus, lastErr string) error
}

// SyncLogWriter 每个流会话写一行同步日志。
type SyncLogWriter interface {
	CreateSyncLog(ctx context.Context, log market.SyncLog) error
	UpdateSyncLog(ctx context.Context, log market.SyncLog) error
}

type Options struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StablePeriod   time.Duration
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.BackoffBase <= 0 {
		out.BackoffBase = 5 * time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 60 * time.Second
	}
	if out.BackoffCap < out.BackoffBase {
		out.BackoffCap = out.BackoffBase
	}
	if out.StablePeriod <= 0 {
		out.StablePeriod = 5 * time.Minute
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	return out
}

type Deps struct {
	Connectors ConnectorSource
	Pipeline   *pipeline.Pipeline
	Status     StatusSink
	SyncLogs   SyncLogWriter
	Cache      cache.Cache
}

// Supervisor 维护配置到任务的映射，每个配置 id 最多运行一个任务。
type Supervisor struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	baseCtx context.Context
	tasks   map[uint]*task
	wg      sync.WaitGroup
}

func NewSupervisor(deps Deps, opts Options) *Supervisor {
	return &Supervisor{
		deps:    deps,
		opts:    opts.withDefaults(),
		baseCtx: context.Background(),
		tasks:   make(map[uint]*task),
	}
}

// Run 以 ctx 为所有任务的父 context，ctx 结束时全部停止。
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	<-ctx.Done()
	s.StopAll()
	return nil
}

// Start launches the streaming task for cfg, replacing a running one.
// Configs that are not realtime are ignored.
func (s *Supervisor) Start(cfg market.MarketDataConfig) {
	if !cfg.IsRealtime || !cfg.IsActive {
		if s.stop(cfg.ID) {
			logger.Infof("[ingest] %s no longer realtime, stopped", cfg)
		}
		return
	}
	s.stop(cfg.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := newTask(cfg, s.deps, s.opts, cancel)
	s.tasks[cfg.ID] = t
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.run(ctx)
	}()
}

// Stop 停止任务并清除该配置的缓存。
func (s *Supervisor) Stop(cfg market.MarketDataConfig) {
	s.stop(cfg.ID)
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Delete(context.Background(), cfg.Key()); err != nil {
			logger.Warnf("[ingest] %s cache evict failed: %v", cfg, err)
		}
	}
}

func (s *Supervisor) stop(id uint) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stop(id)
	}
	s.wg.Wait()
}

// Status 按配置 id 列出所有任务。
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

// TaskStatus reports one task.
func (s *Supervisor) TaskStatus(id uint) (TaskStatus, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return TaskStatus{}, false
	}
	return t.status(), true
}

var errStreamEnded = errors.New("stream ended")
