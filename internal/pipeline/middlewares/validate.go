package middlewares

import (
	"context"
	"errors"

	"feedhub/internal/market"
	"feedhub/internal/pipeline"
)

var errNoRecord = errors.New("no record to check")

// Validator enforces the canonical record invariants.
type Validator struct {
	meta pipeline.MiddlewareMeta
}

func NewValidator(cfg Config) *Validator {
	return &Validator{meta: cfg.meta("validate")}
}

func (m *Validator) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *Validator) Handle(_ context.Context, env *pipeline.Envelope) error {
	rec := env.Record()
	if rec == nil {
		return errNoRecord
	}
	// 注意：不能直接 return market.Validate(rec)，nil 指针会变成非 nil error
	if rej := market.Validate(rec); rej != nil {
		return rej
	}
	return nil
}

// Checksum verifies venue checksums on order books. Other records pass.
type Checksum struct {
	meta pipeline.MiddlewareMeta
}

func NewChecksum(cfg Config) *Checksum {
	return &Checksum{meta: cfg.meta("checksum")}
}

func (m *Checksum) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *Checksum) Handle(_ context.Context, env *pipeline.Envelope) error {
	book, ok := env.Record().(*market.OrderBook)
	if !ok {
		return nil
	}
	return market.VerifyChecksum(book)
}
