package ingest

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle of one streaming subscription.
type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateStreaming  State = "STREAMING"
	StateError      State = "ERROR"
	StateStopped    State = "STOPPED"
)

// Counters are per-config message counters. Safe for concurrent use.
type Counters struct {
	received   atomic.Int64
	persisted  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
	resyncs    atomic.Int64
	reconnects atomic.Int64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Received   int64 `json:"received"`
	Persisted  int64 `json:"persisted"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
	Resyncs    int64 `json:"resyncs"`
	Reconnects int64 `json:"reconnects"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Received:   c.received.Load(),
		Persisted:  c.persisted.Load(),
		Duplicates: c.duplicates.Load(),
		Rejected:   c.rejected.Load(),
		Failed:     c.failed.Load(),
		Resyncs:    c.resyncs.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// TaskStatus describes one supervised subscription.
type TaskStatus struct {
	ConfigID  uint            `json:"config_id"`
	Key       string          `json:"key"`
	State     State           `json:"state"`
	Since     time.Time       `json:"since"`
	Attempt   int             `json:"attempt"`
	NextRetry *time.Time      `json:"next_retry,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Counters  CounterSnapshot `json:"counters"`
}
