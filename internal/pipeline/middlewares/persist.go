package middlewares

import (
	"context"
	"fmt"

	"feedhub/internal/market"
	"feedhub/internal/pipeline"
)

// RecordSink is the durable store's insert path. It reports false when the
// (config, timestamp) row already existed.
type RecordSink interface {
	InsertRecord(ctx context.Context, rec market.Record) (bool, error)
}

type Persister struct {
	meta pipeline.MiddlewareMeta
	sink RecordSink
}

func NewPersister(cfg Config, sink RecordSink) *Persister {
	return &Persister{meta: cfg.meta("persist"), sink: sink}
}

func (m *Persister) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *Persister) Handle(ctx context.Context, env *pipeline.Envelope) error {
	if m.sink == nil {
		return fmt.Errorf("record sink unavailable")
	}
	rec := env.Record()
	if rec == nil {
		return errNoRecord
	}
	created, err := m.sink.InsertRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("persist %s: %w", env.Config, err)
	}
	env.MarkInserted(created)
	return nil
}
