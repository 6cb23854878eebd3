package symbol

import (
	"strings"
)

type Format string

const (
	FormatInternal Format = "internal"
	FormatBinance  Format = "binance"
	FormatNobitex  Format = "nobitex"
	FormatLBank    Format = "lbank"
)

// Converter 在内部 "BASE/QUOTE" 格式与交易所交易对格式之间转换。
type Converter interface {
	ToExchange(internal string) string

	FromExchange(raw string) string

	Format() Format
}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Compact is the concatenated form used as the canonical instrument id
// (BTCUSDT).
func (s Symbol) Compact() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// 常见报价币，按匹配优先级排列
var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "FDUSD", "IRT", "RLS", "BTC", "ETH", "BNB"}

func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	for _, sep := range []string{"/", "_", "-"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{
				Base:  strings.TrimSpace(parts[0]),
				Quote: strings.TrimSpace(parts[1]),
			}
		}
	}

	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}

	return Symbol{}
}

func Normalize(s string) string {
	return Parse(s).Internal()
}

// Canonical returns the compact instrument id, falling back to the trimmed
// upper-cased input when the quote currency is unknown.
func Canonical(s string) string {
	if c := Parse(s).Compact(); c != "" {
		return c
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}

// For 返回指定格式的转换器，未知格式使用 Binance 的紧凑格式。
func For(format Format) Converter {
	switch format {
	case FormatNobitex:
		return Nobitex
	case FormatLBank:
		return LBank
	default:
		return Binance
	}
}
