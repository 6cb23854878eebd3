package factory

import (
	"fmt"
	"strings"
	"time"

	"feedhub/internal/bus"
	"feedhub/internal/cache"
	"feedhub/internal/normalize"
	"feedhub/internal/pipeline"
	"feedhub/internal/pipeline/middlewares"
)

const (
	stageNormalize = 10
	stageValidate  = 20
	stagePersist   = 30
	stageFanout    = 40
)

// Live 是实时流的写入链路；Historical 不写缓存，缓存只反映实时到达的数据。
var (
	Live       = []string{"normalize", "validate", "checksum", "persist", "cache", "publish"}
	Historical = []string{"normalize", "validate", "persist", "publish"}
)

type Factory struct {
	Normalizer     *normalize.Normalizer
	Records        middlewares.RecordSink
	Cache          cache.Cache
	Bus            bus.Publisher
	PersistTimeout time.Duration
	FanoutTimeout  time.Duration
}

// Pipeline builds a named pipeline from middleware names.
func (f *Factory) Pipeline(name string, names []string) (*pipeline.Pipeline, error) {
	mws := make([]pipeline.Middleware, 0, len(names))
	for _, n := range names {
		mw, err := f.Build(n)
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	return pipeline.New(name, mws...), nil
}

func (f *Factory) Build(name string) (pipeline.Middleware, error) {
	switch strings.TrimSpace(name) {
	case "normalize":
		if f.Normalizer == nil {
			return nil, fmt.Errorf("normalize 缺少 normalizer")
		}
		return middlewares.NewNormalizer(middlewares.Config{Stage: stageNormalize, Critical: true}, f.Normalizer), nil
	case "validate":
		return middlewares.NewValidator(middlewares.Config{Stage: stageValidate, Critical: true}), nil
	case "checksum":
		return middlewares.NewChecksum(middlewares.Config{Stage: stageValidate, Critical: true}), nil
	case "persist":
		if f.Records == nil {
			return nil, fmt.Errorf("persist 缺少 record sink")
		}
		return middlewares.NewPersister(middlewares.Config{Stage: stagePersist, Critical: true, Timeout: f.PersistTimeout}, f.Records), nil
	case "cache":
		return middlewares.NewCacheWriter(middlewares.Config{Stage: stageFanout, Timeout: f.FanoutTimeout}, f.Cache), nil
	case "publish":
		return middlewares.NewPublisher(middlewares.Config{Stage: stageFanout, Timeout: f.FanoutTimeout}, f.Bus), nil
	default:
		return nil, fmt.Errorf("unknown middleware: %s", name)
	}
}
