package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/channel"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
	"github.com/pilumvli199/DHAN-WEBSCOKET/reader/dhan"
)

var infy = models.InstrumentRef{DisplayName: "Infosys", ExchangeSymbol: "INFY", Segment: models.SegmentNSEEquity}

// fakeStream scripts connect failures and frames. ReadNext blocks on ctx once
// the scripted frames run out.
type fakeStream struct {
	mu          sync.Mutex
	connectErrs int
	frames      [][]byte
	connects    int
}

func (f *fakeStream) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErrs > 0 {
		f.connectErrs--
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeStream) Subscribe(ctx context.Context, instruments []models.InstrumentRef) error {
	return nil
}

func (f *fakeStream) ReadNext(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if len(f.frames) > 0 {
		frame := f.frames[0]
		f.frames = f.frames[1:]
		f.mu.Unlock()
		return frame, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeStream) Close() error { return nil }

func (f *fakeStream) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fakeQuotes serves scripted rate limits first, then full record maps.
type fakeQuotes struct {
	mu    sync.Mutex
	rls   []*dhan.RateLimit
	errs  []error
	calls int
}

func (f *fakeQuotes) FetchQuotes(ctx context.Context, instruments []models.InstrumentRef) (map[models.InstrumentRef]models.QuoteRecord, *dhan.RateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.rls) > 0 {
		rl := f.rls[0]
		f.rls = f.rls[1:]
		return nil, rl, nil
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, nil, err
	}
	records := make(map[models.InstrumentRef]models.QuoteRecord, len(instruments))
	for _, inst := range instruments {
		records[inst] = models.QuoteRecord{
			Instrument: inst,
			LastPrice:  decimal.NullDecimal{Decimal: decimal.NewFromFloat(1500.5), Valid: true},
			AsOf:       time.Now().UTC(),
		}
	}
	return records, nil, nil
}

func testStreamCfg() appconfig.StreamConfig {
	return appconfig.StreamConfig{
		Enabled:           true,
		FailoverThreshold: 3,
		CooldownCycles:    2,
		ReconnectDelay:    5 * time.Millisecond,
	}
}

func testPollCfg() appconfig.PollConfig {
	return appconfig.PollConfig{QuoteInterval: 5 * time.Millisecond}
}

func waitForUpdate(t *testing.T, ch *channel.Channels, mode models.TransportMode) models.QuoteUpdate {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case upd := <-ch.Quotes:
			if upd.Mode == mode {
				return upd
			}
		case <-deadline:
			t.Fatalf("no %s update arrived", mode)
		}
	}
}

func TestStreamDeliversFrames(t *testing.T) {
	stream := &fakeStream{frames: [][]byte{
		[]byte(`{"data": {"INFY": {"last_price": 1500.5}}}`),
	}}
	ch := channel.NewChannels(8, 8)
	sup := New(testStreamCfg(), testPollCfg(), stream, &fakeQuotes{}, ch, []models.InstrumentRef{infy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	upd := waitForUpdate(t, ch, models.ModeStreaming)
	assert.Equal(t, infy, upd.Record.Instrument)
	assert.True(t, upd.Record.LastPrice.Valid)
	assert.NotEmpty(t, upd.BatchID)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateTerminal, sup.State())
}

func TestFailoverAfterRepeatedConnectFailures(t *testing.T) {
	stream := &fakeStream{connectErrs: 100}
	ch := channel.NewChannels(8, 8)
	sup := New(testStreamCfg(), testPollCfg(), stream, &fakeQuotes{}, ch, []models.InstrumentRef{infy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	upd := waitForUpdate(t, ch, models.ModePolling)
	assert.Equal(t, infy, upd.Record.Instrument)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMalformedFramesCountAsStreamFailures(t *testing.T) {
	stream := &fakeStream{frames: [][]byte{
		[]byte(`<html>busy</html>`),
		[]byte(`<html>busy</html>`),
		[]byte(`<html>busy</html>`),
	}}
	ch := channel.NewChannels(8, 8)
	sup := New(testStreamCfg(), testPollCfg(), stream, &fakeQuotes{}, ch, []models.InstrumentRef{infy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitForUpdate(t, ch, models.ModePolling)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestReconnectAfterCooldown(t *testing.T) {
	stream := &fakeStream{
		connectErrs: 3,
		frames: [][]byte{
			[]byte(`{"data": {"INFY": {"last_price": 1501.0}}}`),
		},
	}
	ch := channel.NewChannels(32, 8)
	sup := New(testStreamCfg(), testPollCfg(), stream, &fakeQuotes{}, ch, []models.InstrumentRef{infy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Degrades to polling first, then comes back to the stream after the
	// clean cycles and cool-down elapse.
	waitForUpdate(t, ch, models.ModePolling)
	waitForUpdate(t, ch, models.ModeStreaming)
	assert.GreaterOrEqual(t, stream.connectCount(), 4)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPollingOnlyWhenStreamDisabled(t *testing.T) {
	quotes := &fakeQuotes{}
	ch := channel.NewChannels(8, 8)
	cfg := testStreamCfg()
	cfg.Enabled = false
	sup := New(cfg, testPollCfg(), nil, quotes, ch, []models.InstrumentRef{infy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitForUpdate(t, ch, models.ModePolling)
	assert.Equal(t, StatePolling, sup.State())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPollCycleHonorsRateLimitHint(t *testing.T) {
	quotes := &fakeQuotes{rls: []*dhan.RateLimit{{RetryAfter: time.Millisecond}}}
	ch := channel.NewChannels(8, 8)
	cfg := testStreamCfg()
	cfg.Enabled = false
	sup := New(cfg, testPollCfg(), nil, quotes, ch, []models.InstrumentRef{infy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// The first cycle is rate limited and emits nothing; the next one
	// delivers.
	waitForUpdate(t, ch, models.ModePolling)

	quotes.mu.Lock()
	calls := quotes.calls
	quotes.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStateStrings(t *testing.T) {
	names := map[State]string{
		StateConnecting:  "connecting",
		StateStreaming:   "streaming",
		StateFailingOver: "failing_over",
		StatePolling:     "polling",
		StateCoolingDown: "cooling_down",
		StateTerminal:    "terminal",
	}
	for st, want := range names {
		assert.Equal(t, want, st.String())
	}
}
