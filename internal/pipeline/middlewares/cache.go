package middlewares

import (
	"context"

	"feedhub/internal/cache"
	"feedhub/internal/pipeline"
)

// CacheWriter overwrites the config's cache entry, duplicates included: the
// entry tracks the latest arrival.
type CacheWriter struct {
	meta  pipeline.MiddlewareMeta
	cache cache.Cache
}

func NewCacheWriter(cfg Config, c cache.Cache) *CacheWriter {
	return &CacheWriter{meta: cfg.meta("cache"), cache: c}
}

func (m *CacheWriter) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *CacheWriter) Handle(ctx context.Context, env *pipeline.Envelope) error {
	rec := env.Record()
	if m.cache == nil || rec == nil {
		return nil
	}
	return m.cache.Set(ctx, cache.NewEntry(env.Config, rec, env.ReceivedAt))
}
