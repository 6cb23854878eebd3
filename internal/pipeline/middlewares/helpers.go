package middlewares

import (
	"strings"
	"time"

	"feedhub/internal/pipeline"
)

// Config 是所有中间件共用的调度参数。
type Config struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
}

func (c Config) meta(defaultName string) pipeline.MiddlewareMeta {
	return pipeline.MiddlewareMeta{
		Name:     nameOrDefault(c.Name, defaultName),
		Stage:    c.Stage,
		Critical: c.Critical,
		Timeout:  c.Timeout,
	}
}

func nameOrDefault(name, def string) string {
	if s := strings.TrimSpace(name); s != "" {
		return s
	}
	return def
}
