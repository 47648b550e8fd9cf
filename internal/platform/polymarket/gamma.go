package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// DefaultGammaURL is the public Polymarket Gamma API root.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

// GammaClient is the REST client for the Polymarket Gamma API. It is used
// only to resolve event and market slugs to CLOB token ids.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client. An empty baseURL selects
// DefaultGammaURL; a nil hc gets a client with a 30s timeout.
func NewGammaClient(baseURL string, hc *http.Client) *GammaClient {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &GammaClient{baseURL: baseURL, httpClient: hc}
}

// GetEventBySlug returns the event with the given URL slug, markets included.
func (g *GammaClient) GetEventBySlug(ctx context.Context, slug string) (APIEvent, error) {
	body, err := g.doGet(ctx, "/events/slug/"+url.PathEscape(slug))
	if err != nil {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: get event by slug %s: %w", slug, err)
	}

	var event APIEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: decode event: %w", err)
	}
	return event, nil
}

// GetMarketBySlug returns a single market looked up by its URL slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (APIMarket, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}
	return markets[0], nil
}

// ResolveEventTokens returns the token ids of every market in the event.
func (g *GammaClient) ResolveEventTokens(ctx context.Context, slug string) ([]string, error) {
	event, err := g.GetEventBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	ids := event.TokenIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("polymarket/gamma: event %s has no token ids: %w", slug, domain.ErrNotFound)
	}
	return ids, nil
}

// ResolveMarketTokens returns the token ids of the market's outcomes.
func (g *GammaClient) ResolveMarketTokens(ctx context.Context, slug string) ([]string, error) {
	market, err := g.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if len(market.ClobTokenIDs) == 0 {
		return nil, fmt.Errorf("polymarket/gamma: market %s has no token ids: %w", slug, domain.ErrNotFound)
	}
	return market.ClobTokenIDs, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
