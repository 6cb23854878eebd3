package app

import (
	"context"
	"time"

	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/registry"
)

// dispatch 把注册表事件路由到采集与补数组件，直到 ctx 取消。
func (a *App) dispatch(ctx context.Context) {
	events := a.registry.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev registry.Event) {
	cfg := ev.Config
	switch ev.Kind {
	case registry.EventActivated:
		if cfg.IsRealtime {
			warmCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := a.service.Warm(warmCtx, cfg); err != nil {
				logger.Debugf("[app] warm %s skipped: %v", cfg, err)
			}
			cancel()
		}
		// 非实时订阅会停掉已有任务
		a.supervisor.Start(cfg)
		if cfg.IsHistorical && cfg.DataType == market.DataTypeOHLCV {
			if _, err := a.backfill.TriggerHistoricalSync(ctx, cfg.ID); err != nil {
				logger.Warnf("[app] backfill %s not queued: %v", cfg, err)
			}
		}
	case registry.EventDeactivated:
		a.supervisor.Stop(cfg)
		a.backfill.Cancel(cfg.ID)
	default:
		logger.Warnf("[app] unknown registry event %q for %s", ev.Kind, cfg)
	}
}
