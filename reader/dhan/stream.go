package dhan

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/symbols"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

// subscribeFeedCode is the request code for ticker subscriptions on the live
// feed.
const subscribeFeedCode = 15

type subscribeRequest struct {
	RequestCode     int                   `json:"RequestCode"`
	InstrumentCount int                   `json:"InstrumentCount"`
	InstrumentList  []subscribeInstrument `json:"InstrumentList"`
}

type subscribeInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// StreamClient is the websocket leg of the transport. It only knows how to
// connect, subscribe, hand back frames and close; failover policy lives in
// the supervisor.
type StreamClient struct {
	cfg    appconfig.UpstreamConfig
	table  *symbols.Table
	dialer *websocket.Dialer
	log    *logger.Log

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStreamClient(cfg appconfig.UpstreamConfig, table *symbols.Table) *StreamClient {
	return &StreamClient{
		cfg:    cfg,
		table:  table,
		dialer: websocket.DefaultDialer,
		log:    logger.GetLogger(),
	}
}

// Connect dials the live feed. Any previous connection is closed first.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	u, err := url.Parse(s.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", s.cfg.AccessToken)
	q.Set("clientId", s.cfg.ClientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &TransientError{Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.WithComponent("dhan_stream").Info("feed connection established")
	return nil
}

// Subscribe sends the ticker subscription for the given instruments.
func (s *StreamClient) Subscribe(ctx context.Context, instruments []models.InstrumentRef) error {
	conn := s.current()
	if conn == nil {
		return fmt.Errorf("subscribe before connect")
	}

	list := make([]subscribeInstrument, 0, len(instruments))
	for _, inst := range instruments {
		id, ok := s.table.Lookup(inst)
		if !ok {
			s.log.WithComponent("dhan_stream").WithFields(logger.Fields{
				"instrument": inst.String(),
			}).Warn("no security id for instrument, skipping subscription")
			continue
		}
		list = append(list, subscribeInstrument{
			ExchangeSegment: string(inst.Segment),
			SecurityID:      id,
		})
	}
	if len(list) == 0 {
		return fmt.Errorf("no subscribable instruments")
	}

	msg := subscribeRequest{
		RequestCode:     subscribeFeedCode,
		InstrumentCount: len(list),
		InstrumentList:  list,
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return &TransientError{Err: err}
	}

	s.log.WithComponent("dhan_stream").WithFields(logger.Fields{
		"instruments": len(list),
	}).Info("subscribed to feed")
	return nil
}

// ReadNext blocks until the next text frame arrives. Close unblocks it with
// an error; the caller treats any error as a stream failure.
func (s *StreamClient) ReadNext(ctx context.Context) ([]byte, error) {
	conn := s.current()
	if conn == nil {
		return nil, fmt.Errorf("read before connect")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	// ReadMessage has no context support; closing the connection is the
	// only way to unblock a pending read when ctx is cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	return data, nil
}

// Close releases the transport handle. Safe to call repeatedly.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *StreamClient) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
