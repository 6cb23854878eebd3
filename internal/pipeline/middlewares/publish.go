package middlewares

import (
	"context"

	"feedhub/internal/bus"
	"feedhub/internal/market"
	"feedhub/internal/pipeline"
)

// Publisher announces newly persisted candles on market.<symbol>.<timeframe>.
type Publisher struct {
	meta pipeline.MiddlewareMeta
	pub  bus.Publisher
}

func NewPublisher(cfg Config, pub bus.Publisher) *Publisher {
	return &Publisher{meta: cfg.meta("publish"), pub: pub}
}

func (m *Publisher) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *Publisher) Handle(ctx context.Context, env *pipeline.Envelope) error {
	candle, ok := env.Record().(*market.Candle)
	if !ok || !env.Inserted() {
		return nil
	}
	return bus.PublishSnapshot(ctx, m.pub, env.Config, *candle)
}
