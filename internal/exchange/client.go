package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/metrics"
)

const maxBodySize = 1 << 20

var ErrMalformedResponse = errors.New("malformed response body")

// StatusError is returned when an exchange answers with a non-200 status
type StatusError struct {
	Exchange   Name
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("error getting volume from %s: %d", e.Exchange, e.StatusCode)
}

// Client fetches per-exchange volumes using a Registry
type Client struct {
	registry *Registry
	prices   PriceOracle
	http     *http.Client
	log      *zap.Logger
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default pooled http client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new exchange client. A nil oracle falls back to the
// placeholder BTC price.
func NewClient(registry *Registry, prices PriceOracle, opts ...ClientOption) *Client {
	if prices == nil {
		prices = StaticPrice(PlaceholderBTCPrice)
	}
	c := &Client{
		registry: registry,
		prices:   prices,
		http:     NewHTTPClient(DefaultHTTPClientConfig()),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchVolume issues one GET against the exchange's balance endpoint for uid
// and returns the reported balance in USD. A missing or non-numeric field
// counts as zero.
func (c *Client) FetchVolume(ctx context.Context, name Name, uid string) (float64, error) {
	ep, err := c.registry.Lookup(name)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	body, err := c.get(ctx, ep, uid)
	metrics.ExchangeLatency.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(string(name), outcome(err)).Inc()
		return 0, err
	}

	if !jsoniter.Valid(body) {
		metrics.ExchangeRequests.WithLabelValues(string(name), "malformed").Inc()
		return 0, fmt.Errorf("%s: %w", name, ErrMalformedResponse)
	}
	metrics.ExchangeRequests.WithLabelValues(string(name), "ok").Inc()

	value := jsoniter.Get(body, ep.Field).ToFloat64()
	if ep.InBTC && value != 0 {
		price, err := c.prices.BTCPrice(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to convert %s balance: %w", name, err)
		}
		value *= price
	}

	c.log.Debug("fetched volume",
		zap.String("exchange", string(name)),
		zap.String("uid", uid),
		zap.Float64("volume", value),
	)
	return value, nil
}

func (c *Client) get(ctx context.Context, ep Endpoint, uid string) ([]byte, error) {
	reqURL, err := url.Parse(ep.BaseURL + ep.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid %s endpoint: %w", ep.Name, err)
	}
	query := reqURL.Query()
	query.Set("uid", uid)
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if ep.APIKey != "" {
		req.Header.Set(ep.Header, ep.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error checking volume for %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &StatusError{Exchange: ep.Name, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", ep.Name, err)
	}
	return body, nil
}

func outcome(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return "status_error"
	}
	return "transport_error"
}
