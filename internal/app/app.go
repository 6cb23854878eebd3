package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"feedhub/internal/backfill"
	"feedhub/internal/config"
	"feedhub/internal/ingest"
	"feedhub/internal/logger"
	"feedhub/internal/ratelimit"
	"feedhub/internal/registry"
	"feedhub/internal/store"
	apihttp "feedhub/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动采集、补数与 HTTP 服务。
type App struct {
	cfg        *config.Config
	store      *store.Store
	registry   *registry.Registry
	supervisor *ingest.Supervisor
	service    *ingest.Service
	backfill   *backfill.Orchestrator
	limiter    *ratelimit.Limiter
	persister  *ratelimit.Persister
	http       *apihttp.Server
	closers    []io.Closer
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动所有组件，直到 ctx 取消或任一组件失败。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.supervisor.Run(ctx) })
	group.Go(func() error { return a.backfill.Run(ctx) })
	group.Go(func() error { return a.persister.Run(ctx) })
	group.Go(func() error {
		a.dispatch(ctx)
		return nil
	})
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error { return a.loadSubscriptions(ctx) })

	return group.Wait()
}

// loadSubscriptions 先恢复库中的活跃订阅，再应用种子文件。种子文件出错只记录日志，
// 库中已有的订阅照常运行。
func (a *App) loadSubscriptions(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	path := strings.TrimSpace(a.cfg.Subscriptions.Path)
	if path == "" {
		return nil
	}
	if a.cfg.Subscriptions.Watch {
		if err := a.registry.WatchSeed(ctx, path); err != nil {
			logger.Errorf("[app] subscription seed %s: %v", path, err)
			return nil
		}
		logger.Infof("[app] watching subscription seed %s", path)
		return nil
	}
	file, err := registry.ReadSeedFile(path)
	if err != nil {
		logger.Errorf("[app] subscription seed %s: %v", path, err)
		return nil
	}
	diff, err := a.registry.ApplySeed(ctx, file)
	logger.Infof("[app] subscription seed applied: %s", diff)
	if err != nil {
		logger.Errorf("[app] subscription seed %s: %v", path, err)
	}
	return nil
}

// Close 释放存储、缓存与消息总线连接。
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warnf("[app] close: %v", err)
		}
	}
	a.closers = nil
}

func (a *App) Registry() *registry.Registry     { return a.registry }
func (a *App) Supervisor() *ingest.Supervisor   { return a.supervisor }
func (a *App) Backfill() *backfill.Orchestrator { return a.backfill }
func (a *App) Service() *ingest.Service         { return a.service }
func (a *App) Store() *store.Store              { return a.store }
func (a *App) Limiter() *ratelimit.Limiter      { return a.limiter }
func (a *App) HTTP() *apihttp.Server            { return a.http }
