package middlewares

import (
	"context"
	"fmt"

	"feedhub/internal/normalize"
	"feedhub/internal/pipeline"
)

// Normalizer maps the raw payload onto a canonical record bound to the
// envelope's config.
type Normalizer struct {
	meta pipeline.MiddlewareMeta
	n    *normalize.Normalizer
}

func NewNormalizer(cfg Config, n *normalize.Normalizer) *Normalizer {
	return &Normalizer{meta: cfg.meta("normalize"), n: n}
}

func (m *Normalizer) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *Normalizer) Handle(_ context.Context, env *pipeline.Envelope) error {
	if m.n == nil {
		return fmt.Errorf("normalizer unavailable")
	}
	rec, err := m.n.Normalize(env.Payload, env.Config.Exchange, env.DataType)
	if err != nil {
		return err
	}
	rec.Bind(env.Config)
	env.SetRecord(rec)
	return nil
}
