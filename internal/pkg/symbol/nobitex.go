package symbol

// NobitexConverter speaks Nobitex market symbols (BTCIRT, BTCUSDT). Nobitex
// quotes toman pairs as IRT on the wire; RLS is accepted as an alias.
type NobitexConverter struct{}

func (NobitexConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if sym.Quote == "RLS" {
		sym.Quote = "IRT"
	}
	if c := sym.Compact(); c != "" {
		return c
	}
	return Canonical(internal)
}

func (NobitexConverter) FromExchange(raw string) string {
	return Parse(raw).Internal()
}

func (NobitexConverter) Format() Format {
	return FormatNobitex
}

var Nobitex = NobitexConverter{}
