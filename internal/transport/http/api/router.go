package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feedhub/internal/backfill"
	"feedhub/internal/cache"
	"feedhub/internal/ingest"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/store"

	"github.com/gin-gonic/gin"
)

type Subscriptions interface {
	Get(id uint) (market.MarketDataConfig, bool)
	List() []market.MarketDataConfig
}

type TaskReader interface {
	TaskStatus(id uint) (ingest.TaskStatus, bool)
}

type LatestReader interface {
	Latest(ctx context.Context, cfg market.MarketDataConfig) (cache.Entry, bool, error)
}

type SyncTrigger interface {
	TriggerHistoricalSync(ctx context.Context, configID uint) (market.SyncLog, error)
}

type SyncLogReader interface {
	ListSyncLogs(ctx context.Context, configID uint, limit int) ([]market.SyncLog, error)
}

type RateLimits interface {
	States() []market.RateLimitState
}

// Deps 是路由依赖；除 Subscriptions 外均可为空，对应接口返回 503。
type Deps struct {
	Subscriptions Subscriptions
	Tasks         TaskReader
	Latest        LatestReader
	Backfill      SyncTrigger
	SyncLogs      SyncLogReader
	RateLimits    RateLimits
}

// Router 暴露订阅状态、最新值、补数触发与限流状态查询。
type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *Router {
	return &Router{deps: deps}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/subscriptions", r.handleSubscriptions)
	group.GET("/subscriptions/:id", r.handleSubscription)
	group.GET("/subscriptions/:id/latest", r.handleLatest)
	group.POST("/subscriptions/:id/sync", r.handleTriggerSync)
	group.GET("/subscriptions/:id/sync-logs", r.handleSyncLogs)
	group.GET("/rate-limits", r.handleRateLimits)
}

func (r *Router) view(cfg market.MarketDataConfig) SubscriptionView {
	v := newSubscriptionView(cfg)
	if r.deps.Tasks != nil {
		if st, ok := r.deps.Tasks.TaskStatus(cfg.ID); ok {
			v.Task = &st
		}
	}
	return v
}

func (r *Router) handleSubscriptions(c *gin.Context) {
	cfgs := r.deps.Subscriptions.List()
	exchangeFilter := market.ParseExchangeCode(c.Query("exchange"))
	out := make([]SubscriptionView, 0, len(cfgs))
	for _, cfg := range cfgs {
		if exchangeFilter != "" && cfg.Exchange != exchangeFilter {
			continue
		}
		out = append(out, r.view(cfg))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out, "total": len(out)})
}

func (r *Router) handleSubscription(c *gin.Context) {
	cfg, ok := r.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r.view(cfg))
}

func (r *Router) handleLatest(c *gin.Context) {
	cfg, ok := r.lookup(c)
	if !ok {
		return
	}
	if r.deps.Latest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "latest reader not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	entry, fromCache, err := r.deps.Latest.Latest(ctx, cfg)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, cache.ErrMiss):
		c.JSON(http.StatusNotFound, gin.H{"error": "no data yet", "cache": "miss"})
		return
	case err != nil:
		logger.Errorf("[api] latest %s failed ip=%s err=%v", cfg, c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	hit := "miss"
	if fromCache {
		hit = "hit"
	}
	c.JSON(http.StatusOK, LatestView{Cache: hit, Entry: entry})
}

func (r *Router) handleTriggerSync(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if r.deps.Backfill == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backfill not configured"})
		return
	}
	log, err := r.deps.Backfill.TriggerHistoricalSync(c.Request.Context(), id)
	if err != nil {
		var cfgErr *market.ConfigValidationError
		switch {
		case errors.Is(err, backfill.ErrUnknownConfig):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.As(err, &cfgErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, backfill.ErrQueueFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			logger.Errorf("[api] trigger sync id=%d failed ip=%s err=%v", id, c.ClientIP(), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	logger.Infof("[api] sync triggered id=%d log=%s ip=%s", id, log.ID, c.ClientIP())
	c.JSON(http.StatusAccepted, newSyncLogView(log))
}

func (r *Router) handleSyncLogs(c *gin.Context) {
	cfg, ok := r.lookup(c)
	if !ok {
		return
	}
	if r.deps.SyncLogs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync logs not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	kind := market.SyncKind(strings.ToUpper(strings.TrimSpace(c.Query("kind"))))
	logs, err := r.deps.SyncLogs.ListSyncLogs(c.Request.Context(), cfg.ID, limit)
	if err != nil {
		logger.Errorf("[api] sync logs %s failed: %v", cfg, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]SyncLogView, 0, len(logs))
	for _, l := range logs {
		if kind != "" && l.Kind != kind {
			continue
		}
		out = append(out, newSyncLogView(l))
	}
	c.JSON(http.StatusOK, gin.H{"config_id": cfg.ID, "logs": out})
}

func (r *Router) handleRateLimits(c *gin.Context) {
	if r.deps.RateLimits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter not configured"})
		return
	}
	account := strings.TrimSpace(c.Query("account"))
	states := r.deps.RateLimits.States()
	out := make([]RateLimitView, 0, len(states))
	for _, st := range states {
		if account != "" && st.Account != account {
			continue
		}
		out = append(out, RateLimitView(st))
	}
	c.JSON(http.StatusOK, gin.H{"states": out})
}

func (r *Router) lookup(c *gin.Context) (market.MarketDataConfig, bool) {
	id, ok := parseID(c)
	if !ok {
		return market.MarketDataConfig{}, false
	}
	cfg, ok := r.deps.Subscriptions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return market.MarketDataConfig{}, false
	}
	return cfg, true
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
