package exchange

import (
	"fmt"
	"sort"
	"sync"

	"feedhub/internal/market"
)

// Registry maps exchange codes to connector factories. It is built once at
// startup and passed to whoever needs a connector.
type Registry struct {
	mu        sync.RWMutex
	factories map[market.ExchangeCode]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[market.ExchangeCode]Factory)}
}

func (r *Registry) Register(code market.ExchangeCode, f Factory) {
	if f == nil {
		panic(fmt.Sprintf("exchange: nil factory for %s", code))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[market.ParseExchangeCode(string(code))] = f
}

func (r *Registry) Has(code market.ExchangeCode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[market.ParseExchangeCode(string(code))]
	return ok
}

func (r *Registry) Codes() []market.ExchangeCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.ExchangeCode, 0, len(r.factories))
	for code := range r.factories {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate fails on the first code without a factory, so a bad exchange
// list is rejected at boot instead of at first subscription.
func (r *Registry) Validate(codes ...market.ExchangeCode) error {
	for _, code := range codes {
		if !r.Has(code) {
			return &market.UnsupportedDataSourceError{Exchange: code}
		}
	}
	return nil
}

func (r *Registry) Build(code market.ExchangeCode, deps Deps) (Connector, error) {
	code = market.ParseExchangeCode(string(code))
	r.mu.RLock()
	f, ok := r.factories[code]
	r.mu.RUnlock()
	if !ok {
		return nil, &market.UnsupportedDataSourceError{Exchange: code}
	}
	if deps.Exchange.Code == "" {
		deps.Exchange.Code = code
	}
	conn, err := f(deps.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("build %s connector: %w", code, err)
	}
	return conn, nil
}
