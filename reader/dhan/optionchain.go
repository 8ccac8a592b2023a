package dhan

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

const (
	expiryListPath  = "/v2/optionchain/expirylist"
	optionChainPath = "/v2/optionchain"
)

type chainRequest struct {
	UnderlyingScrip string `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg"`
	Expiry          string `json:"Expiry,omitempty"`
}

type expiryListResponse struct {
	Data []string `json:"data"`
}

type chainResponse struct {
	Data struct {
		LastPrice *float64               `json:"last_price"`
		Chain     map[string]strikeSides `json:"oc"`
	} `json:"data"`
}

type strikeSides struct {
	Call *sidePayload `json:"ce"`
	Put  *sidePayload `json:"pe"`
}

type sidePayload struct {
	LastPrice    *float64       `json:"last_price"`
	OpenInterest int64          `json:"oi"`
	Volume       int64          `json:"volume"`
	ImpliedVol   float64        `json:"implied_volatility"`
	Greeks       *greeksPayload `json:"greeks"`
}

type greeksPayload struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// ExpiryList returns the listed expiries for an underlying, in the order the
// upstream provides them (nearest first).
func (c *Client) ExpiryList(ctx context.Context, underlying models.InstrumentRef) ([]string, *RateLimit, error) {
	id, ok := c.table.Lookup(underlying)
	if !ok {
		return nil, nil, nil
	}

	req := chainRequest{UnderlyingScrip: id, UnderlyingSeg: string(underlying.Segment)}
	data, rl, err := c.call(ctx, http.MethodPost, expiryListPath, req)
	if err != nil {
		return nil, nil, err
	}
	if rl != nil {
		return nil, rl, nil
	}

	var parsed expiryListResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	return parsed.Data, nil, nil
}

// FetchOptionChain fetches the full strike ladder for one underlying and
// expiry and converts it to canonical entries. The ladder is returned
// unwindowed; callers apply processor.Window. Strike keys that do not parse
// as numbers are skipped, not fatal.
func (c *Client) FetchOptionChain(ctx context.Context, underlying models.InstrumentRef, expiry string) (decimal.Decimal, []models.StrikeEntry, *RateLimit, error) {
	id, ok := c.table.Lookup(underlying)
	if !ok {
		return decimal.Decimal{}, nil, nil, nil
	}

	req := chainRequest{UnderlyingScrip: id, UnderlyingSeg: string(underlying.Segment), Expiry: expiry}
	data, rl, err := c.call(ctx, http.MethodPost, optionChainPath, req)
	if err != nil {
		return decimal.Decimal{}, nil, nil, err
	}
	if rl != nil {
		return decimal.Decimal{}, nil, rl, nil
	}
	c.offerSnapshot("optionchain", data)

	var parsed chainResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return decimal.Decimal{}, nil, nil, &TransientError{Err: err}
	}

	var spot decimal.Decimal
	if parsed.Data.LastPrice != nil {
		spot = decimal.NewFromFloat(*parsed.Data.LastPrice)
	}

	entries := make([]models.StrikeEntry, 0, len(parsed.Data.Chain))
	for key, sides := range parsed.Data.Chain {
		strike, err := decimal.NewFromString(strings.TrimSpace(key))
		if err != nil {
			c.log.WithComponent("dhan_chain").WithFields(logger.Fields{
				"underlying": underlying.String(),
				"strike_key": key,
			}).Debug("skipping unparseable strike key")
			continue
		}
		entries = append(entries, models.StrikeEntry{
			Strike: strike,
			Call:   convertSide(sides.Call),
			Put:    convertSide(sides.Put),
		})
	}

	return spot, entries, nil, nil
}

// convertSide maps one option side. A missing side or missing last price
// stays null rather than zero.
func convertSide(p *sidePayload) models.SideQuote {
	if p == nil {
		return models.SideQuote{}
	}
	side := models.SideQuote{
		OpenInterest: p.OpenInterest,
		Volume:       p.Volume,
		ImpliedVol:   p.ImpliedVol,
	}
	if p.LastPrice != nil {
		side.LastPrice = decimal.NullDecimal{Decimal: decimal.NewFromFloat(*p.LastPrice), Valid: true}
	}
	if p.Greeks != nil {
		side.Greeks = &models.Greeks{
			Delta: p.Greeks.Delta,
			Gamma: p.Greeks.Gamma,
			Theta: p.Greeks.Theta,
			Vega:  p.Greeks.Vega,
		}
	}
	return side
}
