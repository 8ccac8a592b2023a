package models

// ExchangeSegment identifies the upstream market segment an instrument trades
// on. Values follow the feed's own segment naming.
type ExchangeSegment string

const (
	SegmentIndex     ExchangeSegment = "IDX_I"
	SegmentNSEEquity ExchangeSegment = "NSE_EQ"
	SegmentNSEFNO    ExchangeSegment = "NSE_FNO"
)

// InstrumentRef identifies a tradeable instrument or index. It is defined by
// configuration and never mutated at runtime; all fields are part of the
// identity, so the value is usable directly as a map key.
type InstrumentRef struct {
	DisplayName    string          `json:"display_name"`
	ExchangeSymbol string          `json:"exchange_symbol"`
	Segment        ExchangeSegment `json:"segment"`
}

func (r InstrumentRef) String() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ExchangeSymbol
}

// IsIndex reports whether the instrument is an index rather than a tradeable
// security. Index OHLC is fetched one instrument per call upstream.
func (r InstrumentRef) IsIndex() bool {
	return r.Segment == SegmentIndex
}

// TransportMode records which transport produced a normalized record. It is
// carried on every handoff envelope for observability; consumers must not
// branch on it.
type TransportMode string

const (
	ModeStreaming TransportMode = "streaming"
	ModePolling   TransportMode = "polling"
)
