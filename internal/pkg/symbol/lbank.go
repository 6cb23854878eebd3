package symbol

import "strings"

// LBankConverter speaks LBank lower-case underscore pairs (btc_usdt).
type LBankConverter struct{}

func (LBankConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if sym.Base == "" {
		return strings.ToLower(strings.TrimSpace(internal))
	}
	return strings.ToLower(sym.Base + "_" + sym.Quote)
}

func (LBankConverter) FromExchange(raw string) string {
	return Parse(raw).Internal()
}

func (LBankConverter) Format() Format {
	return FormatLBank
}

var LBank = LBankConverter{}
