package lbank

import (
	"strings"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/market"
)

type Config struct {
	RESTBaseURL       string
	WSBaseURL         string
	HTTPTimeout       time.Duration
	RequestsPerSecond float64

	APIKey    string
	APISecret string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://api.lbkex.com"
	}
	out.WSBaseURL = strings.TrimSpace(out.WSBaseURL)
	if out.WSBaseURL == "" {
		out.WSBaseURL = "wss://www.lbkex.net/ws/V2/"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 30 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 5
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
