package dhan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/symbols"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
	"github.com/pilumvli199/DHAN-WEBSCOKET/processor"
)

var (
	testInfy    = models.InstrumentRef{DisplayName: "Infosys", ExchangeSymbol: "INFY", Segment: models.SegmentNSEEquity}
	testNifty   = models.InstrumentRef{DisplayName: "NIFTY 50", ExchangeSymbol: "NIFTY", Segment: models.SegmentIndex}
	testUnknown = models.InstrumentRef{DisplayName: "Unlisted", ExchangeSymbol: "XYZ", Segment: models.SegmentNSEEquity}
)

func testTable() *symbols.Table {
	return symbols.NewTable([]appconfig.InstrumentSpec{
		{DisplayName: "Infosys", ExchangeSymbol: "INFY", Segment: "NSE_EQ", SecurityID: "1594"},
		{DisplayName: "NIFTY 50", ExchangeSymbol: "NIFTY", Segment: "IDX_I", SecurityID: "13"},
	}, nil)
}

func testClient(baseURL string, timeout time.Duration) *Client {
	return NewClient(appconfig.UpstreamConfig{
		BaseURL:           baseURL,
		Timeout:           timeout,
		RequestsPerSecond: 1000,
		Burst:             1000,
		RetryAfterDefault: 10 * time.Second,
		ClientID:          "client-1",
		AccessToken:       "token-1",
	}, testTable())
}

func TestCallRateLimitWithHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	_, rl, err := c.call(context.Background(), http.MethodPost, quotePath, nil)
	require.NoError(t, err)
	require.NotNil(t, rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestCallRateLimitDefaults(t *testing.T) {
	for _, header := range []string{"", "soon", "-3"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header != "" {
				w.Header().Set("Retry-After", header)
			}
			w.WriteHeader(http.StatusTooManyRequests)
		}))

		c := testClient(srv.URL, time.Second)
		_, rl, err := c.call(context.Background(), http.MethodPost, quotePath, nil)
		require.NoError(t, err)
		require.NotNil(t, rl, "header %q", header)
		assert.Equal(t, 10*time.Second, rl.RetryAfter, "header %q", header)
		srv.Close()
	}
}

func TestCallUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	_, rl, err := c.call(context.Background(), http.MethodGet, "/anything", nil)
	require.Nil(t, rl)
	var ue *UpstreamStatusError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.Status)
	assert.False(t, IsTransient(err))
}

func TestCallTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 50*time.Millisecond)
	_, _, err := c.call(context.Background(), http.MethodGet, "/slow", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCallSendsAuthHeaders(t *testing.T) {
	var gotToken, gotClient string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("access-token")
		gotClient = r.Header.Get("client-id")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	_, _, err := c.call(context.Background(), http.MethodGet, "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "token-1", gotToken)
	assert.Equal(t, "client-1", gotClient)
}

func TestFetchQuotesBatchesBySegment(t *testing.T) {
	var gotBody map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case quotePath:
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"data": {"INFY": {"last_price": 1500.5}, "NIFTY": {"last_price": 24100.0}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	records, rl, err := c.FetchQuotes(context.Background(), []models.InstrumentRef{testInfy, testNifty})
	require.NoError(t, err)
	require.Nil(t, rl)

	assert.Equal(t, []string{"1594"}, gotBody["NSE_EQ"])
	assert.Equal(t, []string{"13"}, gotBody["IDX_I"])
	require.Contains(t, records, testInfy)
	require.Contains(t, records, testNifty)
	assert.True(t, records[testInfy].LastPrice.Valid)
}

func TestFetchQuotesIndexOHLCFallback(t *testing.T) {
	var ohlcCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case quotePath:
			w.Write([]byte(`{"data": {"INFY": {"last_price": 1500.5}}}`))
		case ohlcPath:
			ohlcCalls++
			var body map[string][]string
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, []string{"13"}, body["IDX_I"])
			w.Write([]byte(`{"data": {"NIFTY": {"last_price": 24100.5, "ohlc": {"open": 24000, "high": 24150, "low": 23950, "close": 24050}}}}`))
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	records, rl, err := c.FetchQuotes(context.Background(), []models.InstrumentRef{testInfy, testNifty})
	require.NoError(t, err)
	require.Nil(t, rl)
	assert.Equal(t, 1, ohlcCalls)
	require.Contains(t, records, testNifty)
	assert.Equal(t, "24000", records[testNifty].Open.String())
}

func TestFetchQuotesRateLimitedReturnsNoPartialResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	records, rl, err := c.FetchQuotes(context.Background(), []models.InstrumentRef{testInfy})
	require.NoError(t, err)
	require.NotNil(t, rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
	assert.Nil(t, records)
}

func TestFetchQuotesMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	_, _, err := c.FetchQuotes(context.Background(), []models.InstrumentRef{testInfy})
	var mp *processor.MalformedPayloadError
	require.ErrorAs(t, err, &mp)
}

func TestCallContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(srv.URL, time.Second)
	_, _, err := c.call(ctx, http.MethodGet, "/", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}
