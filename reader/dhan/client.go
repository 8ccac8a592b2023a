package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/symbols"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/processor"
)

// Client talks to the broker's REST API. It owns its http.Client handle and a
// pacing limiter; every upstream call goes through call, which classifies the
// outcome into exactly one of: body, RateLimit, or a taxonomy error. The
// client never sleeps-and-retries on its own beyond the limiter wait.
type Client struct {
	cfg   appconfig.UpstreamConfig
	http  *http.Client
	limit *rate.Limiter
	table *symbols.Table
	norm  *processor.Normalizer
	snap  Snapshotter
	log   *logger.Log
}

func NewClient(cfg appconfig.UpstreamConfig, table *symbols.Table) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limit: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		table: table,
		norm:  processor.NewNormalizer(),
		log:   logger.GetLogger(),
	}

	client.log.WithComponent("dhan_client").WithFields(logger.Fields{
		"base_url": cfg.BaseURL,
		"timeout":  cfg.Timeout,
		"rps":      cfg.RequestsPerSecond,
	}).Info("dhan client initialized")

	return client
}

// call performs one upstream HTTP request and evaluates the response once.
// A 429 becomes a RateLimit value; timeouts and connection failures become
// TransientError; any other non-200 becomes UpstreamStatusError. Looping is
// the caller's decision so that cancellation stays caller-level.
func (c *Client) call(ctx context.Context, method, path string, payload any) ([]byte, *RateLimit, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", c.cfg.AccessToken)
	req.Header.Set("client-id", c.cfg.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil, nil
	case http.StatusTooManyRequests:
		hint := retryAfterHint(resp.Header, c.cfg.RetryAfterDefault)
		c.log.WithComponent("dhan_client").WithFields(logger.Fields{
			"path":        path,
			"retry_after": hint,
		}).Debug("rate limited by upstream")
		return nil, &RateLimit{RetryAfter: hint}, nil
	default:
		return nil, nil, &UpstreamStatusError{Status: resp.StatusCode}
	}
}
