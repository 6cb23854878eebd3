package nobitex

import (
	"strings"
	"time"

	"feedhub/internal/gateway/exchange"
)

type Config struct {
	RESTBaseURL       string
	HTTPTimeout       time.Duration
	PollInterval      time.Duration
	RequestsPerSecond float64
	// Token is the API token; public market data works without it.
	Token string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://api.nobitex.ir"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 30 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 4
	}
	out.Token = strings.TrimSpace(out.Token)
	return out
}

func configFromDeps(d exchange.Deps) Config {
	cfg := Config{
		RESTBaseURL:  d.Exchange.RESTBaseURL,
		PollInterval: d.PollInterval,
		Token:        d.Credentials.APIKey,
	}
	if d.Source.BaseURL != "" {
		cfg.RESTBaseURL = d.Source.BaseURL
	}
	if d.HTTPClient != nil {
		cfg.HTTPTimeout = d.HTTPClient.Timeout
	}
	return cfg
}
