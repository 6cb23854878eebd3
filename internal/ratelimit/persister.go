package ratelimit

import (
	"context"
	"sync"
	"time"

	"feedhub/internal/logger"
	"feedhub/internal/market"
)

// StateSaver 持久化限流窗口，每个 (account, endpoint) 一行。
type StateSaver interface {
	SaveRateLimitStates(ctx context.Context, states []market.RateLimitState) error
}

// Persister 缓存限流器回调产生的状态变化，按周期写入每个 key 的最新状态，
// 请求路径不等待数据库。
type Persister struct {
	saver    StateSaver
	interval time.Duration

	mu    sync.Mutex
	dirty map[stateKey]market.RateLimitState
}

func NewPersister(saver StateSaver, interval time.Duration) *Persister {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Persister{saver: saver, interval: interval, dirty: make(map[stateKey]market.RateLimitState)}
}

// Record is meant to be installed with WithOnChange.
func (p *Persister) Record(st market.RateLimitState) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.dirty[stateKey{account: st.Account, endpoint: st.Endpoint}] = st
	p.mu.Unlock()
}

// Flush 写入待保存的状态。写入失败的批次放回队列，除非期间同一 key 有了更新的状态。
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.dirty) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.dirty
	p.dirty = make(map[stateKey]market.RateLimitState, len(batch))
	p.mu.Unlock()

	states := make([]market.RateLimitState, 0, len(batch))
	for _, st := range batch {
		states = append(states, st)
	}
	if err := p.saver.SaveRateLimitStates(ctx, states); err != nil {
		p.mu.Lock()
		for k, st := range batch {
			if _, newer := p.dirty[k]; !newer {
				p.dirty[k] = st
			}
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Run 周期写入直到 ctx 结束，结束前再写一次。
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.Flush(flushCtx)
			cancel()
			if err != nil {
				logger.Warnf("[ratelimit] final flush failed: %v", err)
			}
			return nil
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				logger.Warnf("[ratelimit] flush failed: %v", err)
			}
		}
	}
}
