package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"go.uber.org/zap"
)

const (
	// tokenRefreshMargin refreshes tokens that expire this soon, so a call
	// never starts with a token about to lapse mid-flight.
	tokenRefreshMargin = 60 * time.Second
	searchPageSize     = 50
	// maxScanPages bounds the full-inventory fallback scan.
	maxScanPages = 10
)

// TokenStore persists refreshed credentials and connection-status changes.
// The site directory implements it.
type TokenStore interface {
	UpdateToken(ctx context.Context, siteID uint, accessToken, refreshToken string, expiresAt time.Time) error
	MarkDisconnected(ctx context.Context, siteID uint) error
}

// Item is a marketplace listing. SellerSKU is the seller-supplied SKU
// attribute; it is empty when the listing only carries SKUs at variation
// level.
type Item struct {
	ID                string      `json:"id"`
	SellerSKU         string      `json:"-"`
	AvailableQuantity int64       `json:"available_quantity"`
	Attributes        []Attribute `json:"attributes"`
	Variations        []Variation `json:"variations"`
}

// Variation is one sub-variant of a marketplace listing.
type Variation struct {
	ID                json.Number `json:"id"`
	SellerSKU         string      `json:"-"`
	AvailableQuantity int64       `json:"available_quantity"`
	Attributes        []Attribute `json:"attributes"`
}

// Attribute is one key/value pair on a listing or variation.
type Attribute struct {
	ID    string `json:"id"`
	Value string `json:"value_name"`
}

const sellerSKUAttribute = "SELLER_SKU"

func attributeValue(attrs []Attribute, id string) string {
	for _, attr := range attrs {
		if attr.ID == id {
			return attr.Value
		}
	}
	return ""
}

// OrderItem is one purchased line of a marketplace order.
type OrderItem struct {
	ItemID      string
	VariationID string
	SellerSKU   string
	Quantity    int64
}

// Client speaks the marketplace's bearer-token REST API for one site. It
// refreshes the access token before calls and retries once after a forced
// refresh on 401/403; a second rejection marks the site disconnected.
type Client struct {
	siteID       uint
	baseURL      string
	clientID     string
	clientSecret string
	sellerID     string

	accessToken    string
	refreshToken   string
	tokenExpiresAt time.Time

	httpClient *http.Client
	tokens     TokenStore
	clock      func() time.Time
	logger     *zap.Logger
}

// ClientConfig describes the dependencies of a marketplace client.
type ClientConfig struct {
	Site       channel.SiteConnection
	HTTPClient *http.Client
	Tokens     TokenStore
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewClient constructs a marketplace API client from a site connection.
func NewClient(cfg ClientConfig) (*Client, error) {
	site := cfg.Site
	if !site.HasCredentials() {
		return nil, channel.ErrMissingCredentials
	}
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("marketplace: http client required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("marketplace: token store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		siteID:       site.ID,
		baseURL:      strings.TrimRight(strings.TrimSpace(site.BaseURL), "/"),
		clientID:     site.ClientID,
		clientSecret: site.ClientSecret,
		sellerID:     site.SellerID,
		accessToken:  site.AccessToken,
		refreshToken: site.RefreshToken,
		httpClient:   cfg.HTTPClient,
		tokens:       cfg.Tokens,
		clock:        clock,
		logger:       logger,
	}
	if site.TokenExpiresAt != nil {
		c.tokenExpiresAt = *site.TokenExpiresAt
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.accessToken != "" && c.clock().Before(c.tokenExpiresAt.Add(-tokenRefreshMargin)) {
		return nil
	}
	return c.refreshAccessToken(ctx)
}

func (c *Client) refreshAccessToken(ctx context.Context) error {
	if c.refreshToken == "" {
		return channel.ErrMissingCredentials
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", c.refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("marketplace: token refresh failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return fmt.Errorf("marketplace: decoding token response: %w", err)
	}
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.tokenExpiresAt = c.clock().Add(time.Duration(token.ExpiresIn) * time.Second)

	if err := c.tokens.UpdateToken(ctx, c.siteID, c.accessToken, token.RefreshToken, c.tokenExpiresAt); err != nil {
		c.logger.Warn("persisting refreshed marketplace token failed",
			zap.Uint("site_id", c.siteID), zap.Error(err))
	}
	return nil
}

// do performs one authenticated call. On 401/403 it forces a refresh and
// retries once; a second rejection disconnects the site.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}
	status, err := c.roundTrip(ctx, method, path, query, body, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return nil
	}

	if err := c.refreshAccessToken(ctx); err != nil {
		return err
	}
	status, err = c.roundTrip(ctx, method, path, query, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if markErr := c.tokens.MarkDisconnected(ctx, c.siteID); markErr != nil {
			c.logger.Error("marking marketplace site disconnected failed",
				zap.Uint("site_id", c.siteID), zap.Error(markErr))
		}
		return channel.ErrSiteDisconnected
	}
	return nil
}

// roundTrip executes one HTTP exchange. A 401/403 status is returned to the
// caller (nil error) so do can decide on the refresh retry; every other
// non-2xx status is an error.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) (int, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, channel.ErrRemoteItemNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("marketplace: %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("marketplace: decoding %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

// ItemByID fetches one listing with its attributes and variations.
func (c *Client) ItemByID(ctx context.Context, itemID string) (Item, error) {
	var item Item
	query := url.Values{}
	query.Set("include_attributes", "all")
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID), query, nil, &item); err != nil {
		return Item{}, err
	}
	item.SellerSKU = attributeValue(item.Attributes, sellerSKUAttribute)
	for i := range item.Variations {
		item.Variations[i].SellerSKU = attributeValue(item.Variations[i].Attributes, sellerSKUAttribute)
	}
	return item, nil
}

type searchResponse struct {
	Results []string `json:"results"`
	Paging  struct {
		Total int `json:"total"`
	} `json:"paging"`
}

// SearchItemIDsBySellerSKU filters the seller's listings by the exact
// seller-supplied SKU attribute.
func (c *Client) SearchItemIDsBySellerSKU(ctx context.Context, sku string) ([]string, error) {
	query := url.Values{}
	query.Set("seller_sku", sku)
	return c.searchItemIDs(ctx, query)
}

// SearchItemIDsByText runs a free-text search over the seller's catalog.
// Results must be re-filtered by exact SKU on fetched details.
func (c *Client) SearchItemIDsByText(ctx context.Context, text string) ([]string, error) {
	query := url.Values{}
	query.Set("q", text)
	return c.searchItemIDs(ctx, query)
}

// ScanItemIDs pages through the seller's whole inventory, bounded by
// maxScanPages.
func (c *Client) ScanItemIDs(ctx context.Context) ([]string, error) {
	var all []string
	for page := 0; page < maxScanPages; page++ {
		query := url.Values{}
		query.Set("offset", fmt.Sprintf("%d", page*searchPageSize))
		query.Set("limit", fmt.Sprintf("%d", searchPageSize))
		ids, err := c.searchItemIDs(ctx, query)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
		if len(ids) < searchPageSize {
			break
		}
	}
	return all, nil
}

func (c *Client) searchItemIDs(ctx context.Context, query url.Values) ([]string, error) {
	if c.sellerID == "" {
		return nil, fmt.Errorf("marketplace: seller id required for listing search")
	}
	var result searchResponse
	path := "/users/" + url.PathEscape(c.sellerID) + "/items/search"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

type quantityPayload struct {
	AvailableQuantity int64 `json:"available_quantity"`
}

// SetItemQuantity writes the item-level available quantity.
func (c *Client) SetItemQuantity(ctx context.Context, itemID string, quantity int64) error {
	return c.do(ctx, http.MethodPut, "/items/"+url.PathEscape(itemID), nil, quantityPayload{AvailableQuantity: quantity}, nil)
}

// SetVariationQuantity writes the available quantity of one variation.
func (c *Client) SetVariationQuantity(ctx context.Context, itemID, variationID string, quantity int64) error {
	path := "/items/" + url.PathEscape(itemID) + "/variations/" + url.PathEscape(variationID)
	return c.do(ctx, http.MethodPut, path, nil, quantityPayload{AvailableQuantity: quantity}, nil)
}

type orderResponse struct {
	ID         json.Number `json:"id"`
	OrderItems []struct {
		Item struct {
			ID          string      `json:"id"`
			VariationID json.Number `json:"variation_id"`
			SellerSKU   string      `json:"seller_sku"`
		} `json:"item"`
		Quantity int64 `json:"quantity"`
	} `json:"order_items"`
}

// Order fetches the stock-relevant lines of one order.
func (c *Client) Order(ctx context.Context, orderID string) ([]OrderItem, error) {
	var order orderResponse
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil, &order); err != nil {
		return nil, err
	}
	items := make([]OrderItem, 0, len(order.OrderItems))
	for _, line := range order.OrderItems {
		items = append(items, OrderItem{
			ItemID:      line.Item.ID,
			VariationID: line.Item.VariationID.String(),
			SellerSKU:   line.Item.SellerSKU,
			Quantity:    line.Quantity,
		})
	}
	return items, nil
}
