// Package ratelimit guards outbound exchange calls with one rolling window
// per (account, endpoint).
package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"feedhub/internal/logger"
	"feedhub/internal/market"
)

const (
	DefaultWindow = time.Minute
	DefaultBudget = 1200
)

// Config 窗口长度与权重额度。Budgets 按接口路径配置每个窗口的额度，
// 未列出的接口使用 DefaultBudget。
type Config struct {
	Window        time.Duration
	DefaultBudget int
	Budgets       map[string]int
}

type stateKey struct {
	account  string
	endpoint string
}

// Limiter 可并发使用，共用同一账户的任务竞争同一组计数。
type Limiter struct {
	mu            sync.Mutex
	window        time.Duration
	defaultBudget int
	budgets       map[string]int
	states        map[stateKey]*market.RateLimitState
	onChange      func(market.RateLimitState)
	now           func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithOnChange 注册状态变化回调，参数是状态副本，在锁外调用。
func WithOnChange(fn func(market.RateLimitState)) Option {
	return func(l *Limiter) { l.onChange = fn }
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		window:        cfg.Window,
		defaultBudget: cfg.DefaultBudget,
		budgets:       make(map[string]int, len(cfg.Budgets)),
		states:        make(map[stateKey]*market.RateLimitState),
		now:           time.Now,
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.defaultBudget <= 0 {
		l.defaultBudget = DefaultBudget
	}
	for ep, b := range cfg.Budgets {
		if b > 0 {
			l.budgets[normalizeEndpoint(ep)] = b
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func normalizeEndpoint(ep string) string {
	return strings.TrimSpace(ep)
}

func (l *Limiter) Window() time.Duration { return l.window }

// Budget returns the weight budget per window of endpoint.
func (l *Limiter) Budget(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budgetLocked(normalizeEndpoint(endpoint))
}

func (l *Limiter) budgetLocked(endpoint string) int {
	if b, ok := l.budgets[endpoint]; ok {
		return b
	}
	return l.defaultBudget
}

// SetBudget 覆盖接口额度，例如获取到交易所公布的限额之后。
func (l *Limiter) SetBudget(endpoint string, budget int) {
	if budget <= 0 {
		return
	}
	l.mu.Lock()
	l.budgets[normalizeEndpoint(endpoint)] = budget
	l.mu.Unlock()
}

// TryAcquire spends weight from the current window of (account, endpoint).
// An expired window restarts at now with this call's weight; a weight that
// fits the budget is always granted. Only a venue penalty (Penalize) refuses
// a call that would otherwise fit.
func (l *Limiter) TryAcquire(account, endpoint string, weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	key := stateKey{account: account, endpoint: normalizeEndpoint(endpoint)}

	l.mu.Lock()
	now := l.now().UTC()
	st := l.states[key]
	if st == nil {
		st = &market.RateLimitState{Account: key.account, Endpoint: key.endpoint, WindowStart: now}
		l.states[key] = st
	}
	if st.Penalized {
		if st.RetryAfter != nil && now.Before(*st.RetryAfter) {
			l.mu.Unlock()
			return false
		}
		st.Penalized = false
		st.IsRateLimited = false
		st.RetryAfter = nil
	}
	if !now.Before(st.WindowStart.Add(l.window)) {
		// 窗口过期：从本次权重重新计数，不累加
		st.WindowStart = now
		st.RequestsCount = 0
		st.IsRateLimited = false
		st.RetryAfter = nil
	}
	budget := l.budgetLocked(key.endpoint)
	ok := st.RequestsCount+weight <= budget
	if ok {
		st.RequestsCount += weight
		st.IsRateLimited = false
		st.RetryAfter = nil
	} else {
		retry := now.Add(l.window)
		st.IsRateLimited = true
		st.RetryAfter = &retry
		logger.Debugf("[ratelimit] limited account=%s endpoint=%s count=%d weight=%d budget=%d retry_after=%s",
			key.account, key.endpoint, st.RequestsCount, weight, budget, retry.Format(time.RFC3339))
	}
	snapshot := copyState(st)
	hook := l.onChange
	l.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
	return ok
}

// Wait blocks until weight can be acquired or ctx ends. A weight larger than
// the whole budget can never be granted and fails immediately.
func (l *Limiter) Wait(ctx context.Context, account, endpoint string, weight int) error {
	if weight > l.Budget(endpoint) {
		return &market.RateLimitExceededError{Account: account, Endpoint: endpoint, RetryAfter: l.now().Add(l.window)}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.TryAcquire(account, endpoint, weight) {
			return nil
		}
		wait := l.retryIn(account, endpoint)
		if wait <= 0 {
			continue
		}
		logger.Debugf("[ratelimit] waiting %s account=%s endpoint=%s", wait.Round(time.Millisecond), account, endpoint)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// retryIn 距下次可能成功的时长：有封禁时到封禁结束，否则到当前窗口结束。
func (l *Limiter) retryIn(account, endpoint string) time.Duration {
	st, ok := l.State(account, endpoint)
	if !ok {
		return 0
	}
	if st.Penalized && st.RetryAfter != nil {
		return st.RetryAfter.Sub(l.now())
	}
	return st.WindowStart.Add(l.window).Sub(l.now())
}

// Penalize blocks (account, endpoint) until retryAfter, typically after the
// venue answered 429/418 with a Retry-After hint. A shorter penalty never
// cuts an active one.
func (l *Limiter) Penalize(account, endpoint string, retryAfter time.Time) {
	key := stateKey{account: account, endpoint: normalizeEndpoint(endpoint)}
	l.mu.Lock()
	st := l.states[key]
	if st == nil {
		st = &market.RateLimitState{Account: key.account, Endpoint: key.endpoint, WindowStart: l.now().UTC()}
		l.states[key] = st
	}
	ra := retryAfter.UTC()
	if st.Penalized && st.RetryAfter != nil && st.RetryAfter.After(ra) {
		ra = *st.RetryAfter
	}
	st.Penalized = true
	st.IsRateLimited = true
	st.RetryAfter = &ra
	snapshot := copyState(st)
	hook := l.onChange
	l.mu.Unlock()

	logger.Warnf("[ratelimit] penalized account=%s endpoint=%s until=%s", key.account, key.endpoint, ra.Format(time.RFC3339))
	if hook != nil {
		hook(snapshot)
	}
}

// State 返回 (account, endpoint) 当前窗口的副本。
func (l *Limiter) State(account, endpoint string) (market.RateLimitState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[stateKey{account: account, endpoint: normalizeEndpoint(endpoint)}]
	if !ok {
		return market.RateLimitState{}, false
	}
	return copyState(st), true
}

// States 按 account、endpoint 排序返回所有窗口的副本。
func (l *Limiter) States() []market.RateLimitState {
	l.mu.Lock()
	out := make([]market.RateLimitState, 0, len(l.states))
	for _, st := range l.states {
		out = append(out, copyState(st))
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// Restore 加载持久化的窗口。已过期的窗口跳过，仍在封禁期内的除外。
func (l *Limiter) Restore(states []market.RateLimitState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	restored := 0
	for _, st := range states {
		windowLive := now.Before(st.WindowStart.Add(l.window))
		penaltyLive := st.Penalized && st.RetryAfter != nil && now.Before(*st.RetryAfter)
		if !windowLive && !penaltyLive {
			continue
		}
		cp := copyState(&st)
		l.states[stateKey{account: st.Account, endpoint: normalizeEndpoint(st.Endpoint)}] = &cp
		restored++
	}
	return restored
}

func copyState(st *market.RateLimitState) market.RateLimitState {
	cp := *st
	if st.RetryAfter != nil {
		ra := *st.RetryAfter
		cp.RetryAfter = &ra
	}
	return cp
}
