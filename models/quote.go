package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteRecord is the canonical normalized quote for one instrument in one
// fetch cycle. Records are created fresh per cycle and superseded, never
// merged. LastPrice is null when the payload carried nothing parseable for
// the instrument, which is distinct from a true zero price; consumers render
// "data unavailable" for the null case.
type QuoteRecord struct {
	Instrument InstrumentRef       `json:"instrument"`
	LastPrice  decimal.NullDecimal `json:"last_price"`
	PrevClose  decimal.Decimal     `json:"prev_close"`
	Open       decimal.Decimal     `json:"open"`
	High       decimal.Decimal     `json:"high"`
	Low        decimal.Decimal     `json:"low"`
	Volume     int64               `json:"volume"`
	AsOf       time.Time           `json:"as_of"`
}

// HasPrice reports whether a usable last price was extracted.
func (q QuoteRecord) HasPrice() bool {
	return q.LastPrice.Valid
}

// Change returns last price minus previous close. Zero when the last price is
// unavailable.
func (q QuoteRecord) Change() decimal.Decimal {
	if !q.LastPrice.Valid {
		return decimal.Zero
	}
	return q.LastPrice.Decimal.Sub(q.PrevClose)
}

// QuoteUpdate is the handoff envelope for one normalized record. BatchID ties
// together all records produced by the same stream frame or poll cycle.
type QuoteUpdate struct {
	BatchID string        `json:"batch_id"`
	Mode    TransportMode `json:"mode"`
	Record  QuoteRecord   `json:"record"`
}
