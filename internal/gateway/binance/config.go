package binance

import (
	"strings"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
)

type Config struct {
	RESTBaseURL string
	WSBaseURL   string
	HTTPTimeout time.Duration
	// RequestsPerSecond paces REST calls of this connector.
	RequestsPerSecond float64

	APIKey    string
	APISecret string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://api.binance.com"
	}
	out.WSBaseURL = strings.TrimRight(strings.TrimSpace(out.WSBaseURL), "/")
	if out.WSBaseURL == "" {
		out.WSBaseURL = "wss://stream.binance.com:9443/stream"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 30 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 10
	}
	return out
}

func configFromDeps(d exchange.Deps) Config {
	cfg := Config{
		RESTBaseURL: d.Exchange.RESTBaseURL,
		WSBaseURL:   d.Exchange.WSBaseURL,
		APIKey:      d.Credentials.APIKey,
		APISecret:   d.Credentials.APISecret,
	}
	if d.Source.BaseURL != "" {
		switch d.Source.Type {
		case market.SourceWebsocket:
			cfg.WSBaseURL = d.Source.BaseURL
		case market.SourceREST:
			cfg.RESTBaseURL = d.Source.BaseURL
		}
	}
	if d.HTTPClient != nil {
		cfg.HTTPTimeout = d.HTTPClient.Timeout
	}
	return cfg
}
