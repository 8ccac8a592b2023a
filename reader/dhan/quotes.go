package dhan

import (
	"context"
	"net/http"

	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

const (
	quotePath = "/v2/marketfeed/quote"
	ohlcPath  = "/v2/marketfeed/ohlc"
)

// Snapshotter receives raw payload copies for out-of-band debugging. Offer
// must not block; the fetch path never waits on it.
type Snapshotter interface {
	Offer(source string, payload []byte)
}

// SetSnapshotter attaches an optional raw payload sink.
func (c *Client) SetSnapshotter(s Snapshotter) {
	c.snap = s
}

func (c *Client) offerSnapshot(source string, payload []byte) {
	if c.snap == nil {
		return
	}
	c.snap.Offer(source, payload)
}

// FetchQuotes issues one batched quote request for all given instruments,
// grouped by segment, and normalizes the response. A RateLimit return means
// the whole cycle should pause; no partial result is returned alongside it.
// Instruments the payload did not cover are simply absent from the map, which
// consumers render as "data unavailable".
//
// Index OHLC is single-instrument only on some feed versions, so indices
// missing from the batch response are fetched one call each; a failure there
// is isolated to that instrument and never aborts the batch.
func (c *Client) FetchQuotes(ctx context.Context, instruments []models.InstrumentRef) (map[models.InstrumentRef]models.QuoteRecord, *RateLimit, error) {
	if len(instruments) == 0 {
		return map[models.InstrumentRef]models.QuoteRecord{}, nil, nil
	}

	body := c.table.BySegment(instruments)
	data, rl, err := c.call(ctx, http.MethodPost, quotePath, body)
	if err != nil {
		return nil, nil, err
	}
	if rl != nil {
		return nil, rl, nil
	}
	c.offerSnapshot("quote", data)

	records, err := c.norm.Normalize(data, instruments)
	if err != nil {
		return nil, nil, err
	}

	for _, inst := range instruments {
		if !inst.IsIndex() {
			continue
		}
		if _, ok := records[inst]; ok {
			continue
		}
		rec, rl, err := c.fetchSingleOHLC(ctx, inst)
		if rl != nil {
			return nil, rl, nil
		}
		if err != nil {
			c.log.WithComponent("dhan_fetch").WithError(err).WithFields(logger.Fields{
				"instrument": inst.String(),
			}).Debug("index ohlc fallback failed")
			continue
		}
		if rec != nil {
			records[inst] = *rec
		}
	}

	return records, nil, nil
}

// fetchSingleOHLC fetches one instrument's OHLC through the single-instrument
// endpoint. A nil record with nil error means the payload had nothing usable
// for the instrument.
func (c *Client) fetchSingleOHLC(ctx context.Context, inst models.InstrumentRef) (*models.QuoteRecord, *RateLimit, error) {
	id, ok := c.table.Lookup(inst)
	if !ok {
		return nil, nil, nil
	}

	body := map[string][]string{string(inst.Segment): {id}}
	data, rl, err := c.call(ctx, http.MethodPost, ohlcPath, body)
	if err != nil {
		return nil, nil, err
	}
	if rl != nil {
		return nil, rl, nil
	}
	c.offerSnapshot("ohlc", data)

	records, err := c.norm.Normalize(data, []models.InstrumentRef{inst})
	if err != nil {
		return nil, nil, err
	}
	if rec, ok := records[inst]; ok {
		return &rec, nil, nil
	}
	return nil, nil, nil
}
