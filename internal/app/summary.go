package app

import (
	"fmt"
	"sort"
	"strings"

	"feedhub/internal/config"
	"feedhub/internal/market"
)

type StartupSummary struct {
	Env       string
	Storage   StorageSummary
	Exchanges []ExchangeSummary
	Sources   []string
	Ingest    config.IngestConfig
	Backfill  config.BackfillConfig
	SeedPath  string
	SeedWatch bool
	HTTPAddr  string
}

type StorageSummary struct {
	Database string
	Cache    string
	Bus      string
}

type ExchangeSummary struct {
	Code        market.ExchangeCode
	RESTBaseURL string
	WSBaseURL   string
	PerMinute   int
}

func buildSummary(cfg *config.Config, exchanges []market.Exchange) *StartupSummary {
	s := &StartupSummary{
		Env:       cfg.App.Env,
		Ingest:    cfg.Ingest,
		Backfill:  cfg.Backfill,
		SeedPath:  cfg.Subscriptions.Path,
		SeedWatch: cfg.Subscriptions.Watch,
		HTTPAddr:  cfg.App.HTTPAddr,
	}
	s.Storage.Database = cfg.Database.Driver
	if cfg.Database.Driver == "sqlite" {
		s.Storage.Database += " " + cfg.Database.Path
	}
	s.Storage.Cache = cfg.Cache.Driver
	if cfg.Cache.Driver == "redis" {
		s.Storage.Cache += " " + cfg.Cache.Addr
	}
	s.Storage.Bus = cfg.Bus.Driver
	if cfg.Bus.Driver == "kafka" {
		s.Storage.Bus += " " + strings.Join(cfg.Bus.Brokers, ",")
	}
	for _, ex := range exchanges {
		s.Exchanges = append(s.Exchanges, ExchangeSummary{
			Code:        ex.Code,
			RESTBaseURL: ex.RESTBaseURL,
			WSBaseURL:   ex.WSBaseURL,
			PerMinute:   ex.RateLimitPerMinute,
		})
	}
	for _, src := range cfg.Sources {
		s.Sources = append(s.Sources, fmt.Sprintf("%s(%s/%s)", src.Name, strings.ToUpper(src.Exchange), strings.ToUpper(src.Type)))
	}
	sort.Strings(s.Sources)
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[存储 (STORAGE)]")
	fmt.Printf("  环境: %s\n", s.Env)
	fmt.Printf("  数据库: %s\n", s.Storage.Database)
	fmt.Printf("  缓存: %s\n", s.Storage.Cache)
	fmt.Printf("  消息总线: %s\n", s.Storage.Bus)
	fmt.Println()

	fmt.Println("[交易所 (EXCHANGES)]")
	if len(s.Exchanges) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, ex := range s.Exchanges {
		fmt.Printf("  > %s rest=%s ws=%s limit/min=%d\n", ex.Code, orDash(ex.RESTBaseURL), orDash(ex.WSBaseURL), ex.PerMinute)
	}
	fmt.Printf("  数据源: %s\n", formatList(s.Sources))
	fmt.Println()

	fmt.Println("[采集 (INGEST)]")
	fmt.Printf("  重连退避: %s → %s，稳定期 %s\n", s.Ingest.BackoffBase, s.Ingest.BackoffCap, s.Ingest.StablePeriod)
	fmt.Printf("  补数: workers=%d page=%d lookback=%s retries=%d\n",
		s.Backfill.Workers, s.Backfill.PageLimit, s.Backfill.DefaultLookback, s.Backfill.MaxRetries)
	if s.Backfill.CatchUpInterval > 0 {
		fmt.Printf("  定时补数: 每 %s（偏移 %s）\n", s.Backfill.CatchUpInterval, s.Backfill.CatchUpOffset)
	}
	fmt.Printf("  订阅文件: %s (watch=%t)\n", s.SeedPath, s.SeedWatch)
	fmt.Printf("  HTTP: %s\n", orDash(s.HTTPAddr))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
