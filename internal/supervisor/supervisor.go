package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/channel"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
	"github.com/pilumvli199/DHAN-WEBSCOKET/processor"
	"github.com/pilumvli199/DHAN-WEBSCOKET/reader/dhan"
)

// State is the transport lifecycle phase. Only the Run goroutine writes it;
// everyone else observes through State().
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateFailingOver
	StatePolling
	StateCoolingDown
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFailingOver:
		return "failing_over"
	case StatePolling:
		return "polling"
	case StateCoolingDown:
		return "cooling_down"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StreamTransport is the live feed leg. dhan.StreamClient implements it.
type StreamTransport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, instruments []models.InstrumentRef) error
	ReadNext(ctx context.Context) ([]byte, error)
	Close() error
}

// QuoteSource is the polling leg. dhan.Client implements it.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, instruments []models.InstrumentRef) (map[models.InstrumentRef]models.QuoteRecord, *dhan.RateLimit, error)
}

// Supervisor drives quote delivery over whichever transport is currently
// healthy. It prefers the stream; after enough consecutive stream failures it
// degrades to REST polling, and after enough clean poll cycles it cools down
// and tries the stream again. When streaming is disabled it polls forever.
type Supervisor struct {
	streamCfg appconfig.StreamConfig
	pollCfg   appconfig.PollConfig

	stream      StreamTransport
	quotes      QuoteSource
	ch          *channel.Channels
	instruments []models.InstrumentRef
	norm        *processor.Normalizer
	log         *logger.Log

	state atomic.Int32
}

func New(streamCfg appconfig.StreamConfig, pollCfg appconfig.PollConfig, stream StreamTransport, quotes QuoteSource, ch *channel.Channels, instruments []models.InstrumentRef) *Supervisor {
	return &Supervisor{
		streamCfg:   streamCfg,
		pollCfg:     pollCfg,
		stream:      stream,
		quotes:      quotes,
		ch:          ch,
		instruments: instruments,
		norm:        processor.NewNormalizer(),
		log:         logger.GetLogger(),
	}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"from": prev.String(),
			"to":   st.String(),
		}).Info("transport state changed")
	}
}

// Run blocks until ctx is cancelled. It always returns ctx's error; there is
// no failure mode that stops delivery while the process lives.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateTerminal)
	defer s.closeStream()

	if !s.streamCfg.Enabled || s.stream == nil {
		s.setState(StatePolling)
		return s.pollForever(ctx)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateConnecting)
		if err := s.streamUntilFailover(ctx); err != nil {
			return err
		}

		s.setState(StateFailingOver)
		s.closeStream()
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"threshold": s.streamCfg.FailoverThreshold,
		}).Warn("stream failed repeatedly, degrading to polling")

		s.setState(StatePolling)
		if err := s.pollUntilCooldown(ctx); err != nil {
			return err
		}

		s.setState(StateCoolingDown)
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"delay": s.streamCfg.ReconnectDelay,
		}).Info("poll cycles stable, cooling down before reconnect")
		if err := sleepCtx(ctx, s.streamCfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

// streamUntilFailover runs the stream leg until the consecutive failure count
// reaches the failover threshold. A nil return means failover; a non-nil
// return is always a context error.
func (s *Supervisor) streamUntilFailover(ctx context.Context) error {
	failures := 0
	for failures < s.streamCfg.FailoverThreshold {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.connectAndSubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			s.log.WithComponent("supervisor_stream").WithError(err).WithFields(logger.Fields{
				"failures": failures,
			}).Warn("stream connect failed")
			continue
		}

		s.setState(StateStreaming)
		for {
			frame, err := s.stream.ReadNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				s.log.WithComponent("supervisor_stream").WithError(err).WithFields(logger.Fields{
					"failures": failures,
				}).Warn("stream read failed")
				break
			}
			if err := s.handleFrame(ctx, frame); err != nil {
				failures++
				s.log.WithComponent("supervisor_stream").WithError(err).WithFields(logger.Fields{
					"failures": failures,
				}).Warn("stream frame rejected")
				break
			}
			failures = 0
		}
		s.closeStream()
		s.setState(StateConnecting)
	}
	return nil
}

func (s *Supervisor) connectAndSubscribe(ctx context.Context) error {
	if err := s.stream.Connect(ctx); err != nil {
		return err
	}
	if err := s.stream.Subscribe(ctx, s.instruments); err != nil {
		s.closeStream()
		return err
	}
	return nil
}

// handleFrame normalizes one stream frame and fans the records out. A
// malformed frame is a stream failure; a parseable frame that matches nothing
// is a quiet no-op.
func (s *Supervisor) handleFrame(ctx context.Context, frame []byte) error {
	records, err := s.norm.Normalize(frame, s.instruments)
	if err != nil {
		return err
	}
	logger.IncrementStreamFrame(len(records))
	s.emit(ctx, uuid.New().String(), models.ModeStreaming, records)
	return nil
}

// pollUntilCooldown polls until enough consecutive clean cycles accumulate.
// The first cycle runs immediately so failover never leaves a silent gap.
func (s *Supervisor) pollUntilCooldown(ctx context.Context) error {
	clean := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.pollCycle(ctx) {
			clean++
		} else {
			clean = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if clean >= s.streamCfg.CooldownCycles {
			return nil
		}
		if err := sleepCtx(ctx, s.pollCfg.QuoteInterval); err != nil {
			return err
		}
	}
}

func (s *Supervisor) pollForever(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.pollCycle(ctx)
		if err := sleepCtx(ctx, s.pollCfg.QuoteInterval); err != nil {
			return err
		}
	}
}

// pollCycle runs one REST fetch and reports whether it was clean. A rate
// limited cycle honors the upstream hint and is neither clean nor a failure.
func (s *Supervisor) pollCycle(ctx context.Context) bool {
	records, rl, err := s.quotes.FetchQuotes(ctx, s.instruments)
	if rl != nil {
		s.log.WithComponent("supervisor_poll").WithFields(logger.Fields{
			"retry_after": rl.RetryAfter,
		}).Info("upstream rate limited, pausing poll cycle")
		sleepCtx(ctx, rl.RetryAfter)
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		s.log.WithComponent("supervisor_poll").WithError(err).Warn("poll fetch failed")
		return false
	}

	logger.IncrementPollFetch(len(records))
	s.emit(ctx, uuid.New().String(), models.ModePolling, records)
	return true
}

// emit fans records out in configured instrument order so downstream sees a
// stable sequence per batch.
func (s *Supervisor) emit(ctx context.Context, batchID string, mode models.TransportMode, records map[models.InstrumentRef]models.QuoteRecord) {
	for _, inst := range s.instruments {
		rec, ok := records[inst]
		if !ok {
			continue
		}
		s.ch.SendQuote(ctx, models.QuoteUpdate{
			BatchID: batchID,
			Mode:    mode,
			Record:  rec,
		})
	}
}

func (s *Supervisor) closeStream() {
	if s.stream == nil {
		return
	}
	s.stream.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
