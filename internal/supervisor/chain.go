package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/channel"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
	"github.com/pilumvli199/DHAN-WEBSCOKET/processor"
	"github.com/pilumvli199/DHAN-WEBSCOKET/reader/dhan"
)

// ChainSource is the option chain leg of the REST API. dhan.Client
// implements it.
type ChainSource interface {
	ExpiryList(ctx context.Context, underlying models.InstrumentRef) ([]string, *dhan.RateLimit, error)
	FetchOptionChain(ctx context.Context, underlying models.InstrumentRef, expiry string) (decimal.Decimal, []models.StrikeEntry, *dhan.RateLimit, error)
}

// ChainPoller fetches option chains for the configured underlyings on a fixed
// interval, windows them around the ATM strike and hands the windows off.
// Chains are poll-only; the live feed does not carry them.
type ChainPoller struct {
	cfg      appconfig.ChainConfig
	interval time.Duration
	source   ChainSource
	ch       *channel.Channels
	log      *logger.Log
	now      func() time.Time

	// expiry cache per underlying, filled lazily for specs that do not pin
	// an expiry in config and evicted once the cached date lapses
	resolved map[models.InstrumentRef]string
}

func NewChainPoller(cfg appconfig.ChainConfig, interval time.Duration, source ChainSource, ch *channel.Channels) *ChainPoller {
	return &ChainPoller{
		cfg:      cfg,
		interval: interval,
		source:   source,
		ch:       ch,
		log:      logger.GetLogger(),
		now:      time.Now,
		resolved: make(map[models.InstrumentRef]string),
	}
}

// Run blocks until ctx is cancelled. Each cycle walks the configured
// underlyings; one underlying failing never skips the others, but a rate
// limit hint pauses the whole cycle since the budget is shared.
func (p *ChainPoller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cycle(ctx)
		if err := sleepCtx(ctx, p.interval); err != nil {
			return err
		}
	}
}

func (p *ChainPoller) cycle(ctx context.Context) {
	batchID := uuid.New().String()
	for _, spec := range p.cfg.Underlyings {
		if ctx.Err() != nil {
			return
		}
		rl := p.pollUnderlying(ctx, batchID, spec)
		if rl == nil {
			continue
		}
		p.log.WithComponent("chain_poller").WithFields(logger.Fields{
			"retry_after": rl.RetryAfter,
		}).Info("upstream rate limited, pausing chain cycle")
		sleepCtx(ctx, rl.RetryAfter)
		return
	}
}

func (p *ChainPoller) pollUnderlying(ctx context.Context, batchID string, spec appconfig.UnderlyingSpec) *dhan.RateLimit {
	underlying := spec.Ref()

	expiry, rl, err := p.expiryFor(ctx, spec, underlying)
	if rl != nil {
		return rl
	}
	if err != nil {
		p.log.WithComponent("chain_poller").WithError(err).WithFields(logger.Fields{
			"underlying": underlying.String(),
		}).Warn("expiry resolution failed")
		return nil
	}
	if expiry == "" {
		p.log.WithComponent("chain_poller").WithFields(logger.Fields{
			"underlying": underlying.String(),
		}).Warn("no listed expiry for underlying")
		return nil
	}

	spot, strikes, rl, err := p.source.FetchOptionChain(ctx, underlying, expiry)
	if rl != nil {
		return rl
	}
	if err != nil {
		p.log.WithComponent("chain_poller").WithError(err).WithFields(logger.Fields{
			"underlying": underlying.String(),
			"expiry":     expiry,
		}).Warn("option chain fetch failed")
		return nil
	}

	win := processor.Window(spot, strikes, p.cfg.HalfWidth)
	win.Expiry = expiry
	logger.IncrementChainFetch(len(win.Strikes))

	p.ch.SendChain(ctx, models.ChainUpdate{
		BatchID:    batchID,
		Mode:       models.ModePolling,
		Underlying: underlying,
		Window:     win,
	})
	return nil
}

// expiryFor returns the expiry to poll for one underlying. A pinned config
// expiry wins; otherwise the nearest listed expiry is resolved and cached
// until that date lapses, at which point it is resolved again.
func (p *ChainPoller) expiryFor(ctx context.Context, spec appconfig.UnderlyingSpec, underlying models.InstrumentRef) (string, *dhan.RateLimit, error) {
	if spec.Expiry != "" {
		return spec.Expiry, nil, nil
	}
	if cached, ok := p.resolved[underlying]; ok {
		if !expiryPassed(cached, p.now()) {
			return cached, nil, nil
		}
		delete(p.resolved, underlying)
		p.log.WithComponent("chain_poller").WithFields(logger.Fields{
			"underlying": underlying.String(),
			"expiry":     cached,
		}).Info("cached expiry lapsed, resolving a fresh one")
	}

	expiries, rl, err := p.source.ExpiryList(ctx, underlying)
	if rl != nil || err != nil {
		return "", rl, err
	}
	if len(expiries) == 0 {
		return "", nil, nil
	}
	p.resolved[underlying] = expiries[0]
	p.log.WithComponent("chain_poller").WithFields(logger.Fields{
		"underlying": underlying.String(),
		"expiry":     expiries[0],
	}).Info("resolved nearest expiry")
	return expiries[0], nil, nil
}

// expiryPassed reports whether an ISO date expiry is strictly before the
// current date. Unparseable values are treated as live rather than forcing a
// re-resolution every cycle.
func expiryPassed(expiry string, now time.Time) bool {
	if _, err := time.Parse("2006-01-02", expiry); err != nil {
		return false
	}
	return expiry < now.Format("2006-01-02")
}
