package pipeline

import (
	"sync"
	"time"

	"feedhub/internal/market"
)

// Envelope carries one message through a Pipeline run.
type Envelope struct {
	Config     market.MarketDataConfig
	DataType   market.DataType
	Payload    []byte
	ReceivedAt time.Time

	mu       sync.RWMutex
	record   market.Record
	inserted bool
	warnings []string
}

func NewEnvelope(cfg market.MarketDataConfig, dt market.DataType, payload []byte, receivedAt time.Time) *Envelope {
	if dt == "" {
		dt = cfg.DataType
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return &Envelope{Config: cfg, DataType: dt, Payload: payload, ReceivedAt: receivedAt.UTC()}
}

func (e *Envelope) SetRecord(rec market.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record = rec
}

func (e *Envelope) Record() market.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record
}

// MarkInserted records whether persistence created a new row.
func (e *Envelope) MarkInserted(created bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inserted = created
}

func (e *Envelope) Inserted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inserted
}

func (e *Envelope) AddWarning(msg string) {
	if msg == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = append(e.warnings, msg)
}

func (e *Envelope) Warnings() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.warnings...)
}
