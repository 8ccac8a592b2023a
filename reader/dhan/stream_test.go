package dhan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

// feedServer accepts one websocket connection, records the subscription it
// receives and echoes a single frame back.
type feedServer struct {
	srv       *httptest.Server
	subscribe chan subscribeRequest
	query     chan string
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		subscribe: make(chan subscribeRequest, 1),
		query:     make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		fs.subscribe <- sub
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data": {"INFY": {"last_price": 1500.5}}}`))
		conn.ReadMessage() // hold the connection open until the client closes
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func newTestStream(wsURL string) *StreamClient {
	return NewStreamClient(appconfig.UpstreamConfig{
		WSURL:       wsURL,
		ClientID:    "client-1",
		AccessToken: "token-1",
	}, testTable())
}

func TestStreamConnectSubscribeRead(t *testing.T) {
	fs := newFeedServer(t)
	s := newTestStream(fs.wsURL())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	rawQuery := <-fs.query
	assert.Contains(t, rawQuery, "token=token-1")
	assert.Contains(t, rawQuery, "clientId=client-1")
	assert.Contains(t, rawQuery, "version=2")

	require.NoError(t, s.Subscribe(ctx, []models.InstrumentRef{testInfy, testNifty}))

	select {
	case sub := <-fs.subscribe:
		assert.Equal(t, subscribeFeedCode, sub.RequestCode)
		assert.Equal(t, 2, sub.InstrumentCount)
		require.Len(t, sub.InstrumentList, 2)
		assert.Equal(t, "NSE_EQ", sub.InstrumentList[0].ExchangeSegment)
		assert.Equal(t, "1594", sub.InstrumentList[0].SecurityID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never reached the server")
	}

	frame, err := s.ReadNext(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(frame), "INFY")
}

func TestStreamSubscribeSkipsUnmappedInstruments(t *testing.T) {
	fs := newFeedServer(t)
	s := newTestStream(fs.wsURL())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, []models.InstrumentRef{testUnknown, testInfy}))

	sub := <-fs.subscribe
	assert.Equal(t, 1, sub.InstrumentCount)
	require.Len(t, sub.InstrumentList, 1)
	assert.Equal(t, "1594", sub.InstrumentList[0].SecurityID)
}

func TestStreamSubscribeAllUnmapped(t *testing.T) {
	fs := newFeedServer(t)
	s := newTestStream(fs.wsURL())
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	err := s.Subscribe(context.Background(), []models.InstrumentRef{testUnknown})
	require.Error(t, err)
}

func TestStreamReadAfterCloseFails(t *testing.T) {
	fs := newFeedServer(t)
	s := newTestStream(fs.wsURL())

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, []models.InstrumentRef{testInfy}))
	_, err := s.ReadNext(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.ReadNext(ctx)
	require.Error(t, err)
}

func TestStreamCancelUnblocksPendingRead(t *testing.T) {
	fs := newFeedServer(t)
	s := newTestStream(fs.wsURL())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, []models.InstrumentRef{testInfy}))
	_, err := s.ReadNext(ctx)
	require.NoError(t, err)

	// The server sends nothing further; the next read would block forever
	// unless cancellation tears the connection down.
	readErr := make(chan error, 1)
	go func() {
		_, err := s.ReadNext(ctx)
		readErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-readErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadNext still blocked after context cancellation")
	}
}

func TestStreamConnectRefusedIsTransient(t *testing.T) {
	s := newTestStream("ws://127.0.0.1:1") // nothing listens here
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestStreamSubscribeBeforeConnect(t *testing.T) {
	s := newTestStream("ws://127.0.0.1:1")
	err := s.Subscribe(context.Background(), []models.InstrumentRef{testInfy})
	require.Error(t, err)
}
