package taapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pullbackbot/internal/ports"
)

const (
	defaultEndpoint = "https://api.taapi.io"
	defaultExchange = "binance"
	defaultInterval = "15m"
	defaultTimeout  = 800 * time.Millisecond
)

// Client implements ports.IndicatorClient against the taapi.io HTTP API.
type Client struct {
	httpClient *http.Client
	logger     ports.Logger
	secret     string
	endpoint   string
	exchange   string
	interval   string
	quoteAsset string
}

// Config holds configuration specific to the taapi.io client adapter.
type Config struct {
	Secret     string
	Endpoint   string        // API base URL, defaults to the public endpoint
	Exchange   string        // Exchange taapi.io computes indicators from
	Interval   string        // Candle interval for the oscillator endpoint
	QuoteAsset string        // Quote asset used to derive slash pairs (BTCUSDC -> BTC/USDC)
	Timeout    time.Duration // Per-request budget, defaults to 800ms
	Logger     ports.Logger
}

// New creates a new taapi.io indicator client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for taapi client")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("taapi secret is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.Interval == "" {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
		secret:     cfg.Secret,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		exchange:   strings.ToLower(cfg.Exchange),
		interval:   cfg.Interval,
		quoteAsset: cfg.QuoteAsset,
	}, nil
}

// valueResponse is the payload shape for single-value indicators (rsi, willr, atr).
type valueResponse struct {
	Value float64 `json:"value"`
}

// dmiResponse is the payload shape for the directional-movement endpoint.
type dmiResponse struct {
	ADX     float64 `json:"adx"`
	PlusDI  float64 `json:"pdi"`
	MinusDI float64 `json:"mdi"`
}

// GetOscillator retrieves the RSI reading at the client's configured interval.
func (c *Client) GetOscillator(ctx context.Context, symbol string, period int) (float64, error) {
	return c.fetchValue(ctx, "GetOscillator", "rsi", symbol, period, c.interval)
}

// GetWilliamsR retrieves the Williams %R reading.
func (c *Client) GetWilliamsR(ctx context.Context, symbol string, period int, interval string) (float64, error) {
	return c.fetchValue(ctx, "GetWilliamsR", "willr", symbol, period, interval)
}

// GetVolatility retrieves the ATR reading in quote-currency units.
func (c *Client) GetVolatility(ctx context.Context, symbol string, period int, interval string) (float64, error) {
	return c.fetchValue(ctx, "GetVolatility", "atr", symbol, period, interval)
}

// GetTrendStrength retrieves ADX with its directional components.
func (c *Client) GetTrendStrength(ctx context.Context, symbol string, period int, interval string) (*ports.TrendStrength, error) {
	op := "GetTrendStrength"
	body, err := c.get(ctx, op, "dmi", symbol, period, interval)
	if err != nil {
		return nil, err
	}

	var payload dmiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("decoding dmi response: %w", err), op, symbol)
	}

	c.logger.Debug(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "adx": payload.ADX, "pdi": payload.PlusDI, "mdi": payload.MinusDI,
	})
	return &ports.TrendStrength{ADX: payload.ADX, PlusDI: payload.PlusDI, MinusDI: payload.MinusDI}, nil
}

// fetchValue performs a GET for a single-value indicator endpoint.
func (c *Client) fetchValue(ctx context.Context, op, indicator, symbol string, period int, interval string) (float64, error) {
	body, err := c.get(ctx, op, indicator, symbol, period, interval)
	if err != nil {
		return 0, err
	}

	var payload valueResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("decoding %s response: %w", indicator, err), op, symbol)
	}

	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "value": payload.Value})
	return payload.Value, nil
}

// get issues the HTTP request and returns the raw response body.
func (c *Client) get(ctx context.Context, op, indicator, symbol string, period int, interval string) ([]byte, error) {
	params := url.Values{}
	params.Set("secret", c.secret)
	params.Set("exchange", c.exchange)
	params.Set("symbol", c.formatPair(symbol))
	params.Set("interval", interval)
	params.Set("period", fmt.Sprintf("%d", period))

	reqURL := fmt.Sprintf("%s/%s?%s", c.endpoint, indicator, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("building %s request: %w", indicator, err), op, symbol)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.handleError(ctx, sanitizeTransportError(err), op, symbol)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("reading %s response: %w", indicator, err), op, symbol)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("%s endpoint returned status %d: %s", indicator, resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, c.handleError(ctx, c.classifyStatus(resp.StatusCode, statusErr), op, symbol)
	}

	return body, nil
}

// formatPair converts an exchange-native symbol into the slash pair taapi.io
// expects (BTCUSDC -> BTC/USDC). Symbols that do not end in the configured
// quote asset pass through unchanged.
func (c *Client) formatPair(symbol string) string {
	if c.quoteAsset == "" {
		return symbol
	}
	base := strings.TrimSuffix(symbol, c.quoteAsset)
	if base == symbol || base == "" {
		return symbol
	}
	return base + "/" + c.quoteAsset
}

func (c *Client) classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ports.ErrRateLimited, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ports.ErrAuthenticationFailed, err)
	case status >= 500:
		return fmt.Errorf("%w: %w", ports.ErrExchangeUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
	}
}

// sanitizeTransportError rebuilds a *url.Error without the request query
// string, which carries the API secret. The underlying cause is kept so
// timeout and cancellation classification still see it.
func sanitizeTransportError(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	target := ""
	if u, perr := url.Parse(uerr.URL); perr == nil {
		u.RawQuery = ""
		target = u.String()
	}
	return &url.Error{Op: uerr.Op, URL: target, Err: uerr.Err}
}

// handleError classifies transport failures and logs them. The request URL
// carries the API secret, so it is never included in log fields and transport
// errors are sanitized before they reach this point.
func (c *Client) handleError(ctx context.Context, err error, operation, symbol string) error {
	if err == nil {
		return nil
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case isTimeout(err):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case hasPortsSentinel(err):
		finalErr = fmt.Errorf("%s failed: %w", operation, err)
	case isConnectionError(err):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, finalErr, operation+" failed", map[string]interface{}{"symbol": symbol})
	return finalErr
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "no such host")
}

func hasPortsSentinel(err error) bool {
	return errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrAuthenticationFailed) ||
		errors.Is(err, ports.ErrExchangeUnavailable) ||
		errors.Is(err, ports.ErrInvalidRequest)
}
