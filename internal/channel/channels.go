package channel

import (
	"context"
	"sync"

	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

type Stats struct {
	QuotesSent    int64
	ChainsSent    int64
	QuotesDropped int64
	ChainsDropped int64
}

// Channels carries normalized updates from the ingestion side to the
// consumers. Updates travel by value; producers never hand out pointers into
// state they keep mutating.
type Channels struct {
	Quotes chan models.QuoteUpdate
	Chains chan models.ChainUpdate

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(quoteBufferSize, chainBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Quotes: make(chan models.QuoteUpdate, quoteBufferSize),
		Chains: make(chan models.ChainUpdate, chainBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"quote_buffer_size": quoteBufferSize,
		"chain_buffer_size": chainBufferSize,
	}).Info("update channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Quotes)
	close(c.Chains)
	c.log.WithComponent("channels").Info("update channels closed")
}

func (c *Channels) IncrementQuotesSent() {
	c.statsMutex.Lock()
	c.stats.QuotesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementChainsSent() {
	c.statsMutex.Lock()
	c.stats.ChainsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementQuotesDropped() {
	c.statsMutex.Lock()
	c.stats.QuotesDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementChainsDropped() {
	c.statsMutex.Lock()
	c.stats.ChainsDropped++
	c.statsMutex.Unlock()
}

// SendQuote enqueues one quote update without blocking. A full buffer drops
// the update; consumers always see the freshest state on the next send.
func (c *Channels) SendQuote(ctx context.Context, upd models.QuoteUpdate) bool {
	select {
	case c.Quotes <- upd:
		c.IncrementQuotesSent()
		logger.RecordChannelMessage("quotes", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementQuotesDropped()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"batch_id": upd.BatchID,
		}).Warn("quote channel full, dropping update")
		return false
	}
}

// SendChain enqueues one option chain update without blocking.
func (c *Channels) SendChain(ctx context.Context, upd models.ChainUpdate) bool {
	select {
	case c.Chains <- upd:
		c.IncrementChainsSent()
		logger.RecordChannelMessage("chains", len(upd.Window.Strikes))
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementChainsDropped()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"batch_id":   upd.BatchID,
			"underlying": upd.Underlying.String(),
		}).Warn("chain channel full, dropping update")
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
