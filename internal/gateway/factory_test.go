package gateway

import (
	"context"
	"errors"
	"testing"

	"feedhub/internal/credential"
	"feedhub/internal/gateway/exchange"
	"feedhub/internal/gateway/mock"
	"feedhub/internal/market"
	"feedhub/internal/normalize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryKnowsBuiltins(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []market.ExchangeCode{market.ExchangeBinance, market.ExchangeLBank, market.ExchangeNobitex}, reg.Codes())
}

func TestNewPoolRejectsUnknownExchange(t *testing.T) {
	_, err := NewPool(NewRegistry(), PoolOptions{Exchanges: []market.Exchange{{Code: "KRAKEN"}}})
	var unsupported *market.UnsupportedDataSourceError
	require.ErrorAs(t, err, &unsupported)
}

func TestPoolBuildsOncePerSourceAndAccount(t *testing.T) {
	fixture := mock.New(market.ExchangeBinance)
	reg := exchange.NewRegistry()
	builds := 0
	var seen exchange.Deps
	reg.Register(market.ExchangeBinance, func(d exchange.Deps) (exchange.Connector, error) {
		builds++
		seen = d
		return fixture, nil
	})
	n := normalize.New()
	pool, err := NewPool(reg, PoolOptions{
		Exchanges: []market.Exchange{{Code: market.ExchangeBinance, RESTBaseURL: "https://example.invalid"}},
		Sources: func(_ context.Context, name string) (market.DataSource, error) {
			return market.DataSource{Name: name, Exchange: market.ExchangeBinance, CredentialRef: "main"}, nil
		},
		Credentials: credential.Static{"main": {APIKey: "k", APISecret: "s"}},
		Normalizer:  n,
	})
	require.NoError(t, err)

	cfg := market.MarketDataConfig{Source: "binance-ws", Exchange: market.ExchangeBinance, DataType: market.DataTypeOHLCV}
	c1, err := pool.For(context.Background(), cfg)
	require.NoError(t, err)
	c2, err := pool.For(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, builds)
	assert.Equal(t, "binance:default", seen.Account)
	assert.Equal(t, "k", seen.Credentials.APIKey)
	assert.Equal(t, "https://example.invalid", seen.Exchange.RESTBaseURL)
	assert.True(t, n.Supports(market.ExchangeBinance, market.DataTypeOHLCV))
}

func TestPoolToleratesMissingCredentials(t *testing.T) {
	reg := exchange.NewRegistry()
	reg.Register(market.ExchangeLBank, mock.New(market.ExchangeLBank).Factory())
	pool, err := NewPool(reg, PoolOptions{
		Sources: func(_ context.Context, name string) (market.DataSource, error) {
			return market.DataSource{Name: name, CredentialRef: "absent"}, nil
		},
		Credentials: credential.Static{},
	})
	require.NoError(t, err)
	_, err = pool.For(context.Background(), market.MarketDataConfig{Source: "lbank", Exchange: market.ExchangeLBank})
	require.NoError(t, err)

	pool.opts.Credentials = failingProvider{}
	_, err = pool.For(context.Background(), market.MarketDataConfig{Source: "lbank", Exchange: market.ExchangeLBank, Account: "other"})
	assert.Error(t, err)
}

type failingProvider struct{}

func (failingProvider) Get(context.Context, string) (credential.Credentials, error) {
	return credential.Credentials{}, errors.New("vault down")
}
