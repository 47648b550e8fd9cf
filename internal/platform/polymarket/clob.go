package polymarket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

const (
	// DefaultBaseURL is the public Polymarket CLOB REST root.
	DefaultBaseURL = "https://clob.polymarket.com"
	// DefaultMaxLimit bounds the trades page size accepted by FetchTrades.
	DefaultMaxLimit = 500

	maxErrorBody = 512
)

// ClobClient fetches raw order-book and trade payloads from the Polymarket
// CLOB REST API. It performs exactly one request per call: no retries, no
// caching. Responses are returned undecoded for the normalizer.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxLimit   int
	logger     *slog.Logger
}

// ClobOption configures a ClobClient.
type ClobOption func(*ClobClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClobOption {
	return func(c *ClobClient) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout applied through the context.
func WithTimeout(d time.Duration) ClobOption {
	return func(c *ClobClient) {
		c.timeout = d
	}
}

// WithMaxLimit sets the largest trade page size FetchTrades accepts.
func WithMaxLimit(n int) ClobOption {
	return func(c *ClobClient) {
		c.maxLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClobOption {
	return func(c *ClobClient) {
		c.logger = logger
	}
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com". An empty
// baseURL selects DefaultBaseURL.
func NewClobClient(baseURL string, opts ...ClobOption) *ClobClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
		maxLimit:   DefaultMaxLimit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "clob_client"))
	return c
}

// MaxLimit returns the largest trade page size accepted by FetchTrades.
func (c *ClobClient) MaxLimit() int { return c.maxLimit }

// FetchBook retrieves the raw order-book payload for inst.
func (c *ClobClient) FetchBook(ctx context.Context, inst domain.Instrument) ([]byte, error) {
	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("polymarket/clob: fetch book: %w", err)
	}
	q := url.Values{}
	q.Set("token_id", inst.TokenID)
	return c.get(ctx, "/book", q)
}

// FetchTrades retrieves the raw recent-trades payload for inst. limit must
// lie in [1, MaxLimit()].
func (c *ClobClient) FetchTrades(ctx context.Context, inst domain.Instrument, limit int) ([]byte, error) {
	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("polymarket/clob: fetch trades: %w", err)
	}
	if limit < 1 || limit > c.maxLimit {
		return nil, fmt.Errorf("polymarket/clob: fetch trades: limit %d outside [1, %d]: %w",
			limit, c.maxLimit, domain.ErrInvalidArgument)
	}
	q := url.Values{}
	q.Set("token_id", inst.TokenID)
	q.Set("limit", strconv.Itoa(limit))
	return c.get(ctx, "/trades", q)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &domain.FetchError{Kind: domain.FetchConnectionFailed, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	c.logger.Debug("clob request",
		slog.String("path", path),
		slog.String("token_id", q.Get("token_id")),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyTransportError maps a client-side failure to Timeout or
// ConnectionFailed.
func classifyTransportError(ctx context.Context, err error) error {
	kind := domain.FetchConnectionFailed
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = domain.FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.FetchTimeout
	}
	return &domain.FetchError{Kind: kind, Err: err}
}

// checkHTTPStatus maps every non-2xx status code to an HTTPStatus fetch error.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	return &domain.FetchError{Kind: domain.FetchHTTPStatus, StatusCode: statusCode, Body: snippet}
}
