package models

import "github.com/shopspring/decimal"

// Greeks carries the option greeks as relayed by the upstream feed. They are
// never computed locally; some upstream shapes omit them entirely.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// SideQuote is one side (call or put) of a strike entry.
type SideQuote struct {
	LastPrice    decimal.NullDecimal `json:"last_price"`
	OpenInterest int64               `json:"open_interest"`
	Volume       int64               `json:"volume"`
	ImpliedVol   float64             `json:"implied_vol"`
	Greeks       *Greeks             `json:"greeks,omitempty"`
}

// StrikeEntry pairs the call and put quotes listed at one strike price.
type StrikeEntry struct {
	Strike decimal.Decimal `json:"strike"`
	Call   SideQuote       `json:"call"`
	Put    SideQuote       `json:"put"`
}

// OptionChainWindow is a compact, ATM-centered slice of a strike ladder.
// Strikes are sorted ascending and hold at most 2w+1 entries for the half
// width w the window was built with; near the edges of the book fewer entries
// are expected and valid.
type OptionChainWindow struct {
	Spot      decimal.Decimal `json:"spot"`
	ATMStrike decimal.Decimal `json:"atm_strike"`
	Expiry    string          `json:"expiry"`
	Strikes   []StrikeEntry   `json:"strikes"`
}

// Empty reports whether the underlying had no listed ladder, which happens
// legitimately before market open.
func (w OptionChainWindow) Empty() bool {
	return len(w.Strikes) == 0
}

// ChainUpdate is the handoff envelope for one windowed option chain.
type ChainUpdate struct {
	BatchID    string            `json:"batch_id"`
	Mode       TransportMode     `json:"mode"`
	Underlying InstrumentRef     `json:"underlying"`
	Window     OptionChainWindow `json:"window"`
}
