package storefront

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// pageSize bounds one catalog listing request.
const pageSize = 200

// StockItem is the full XML representation of one storefront stock resource.
// The protocol has no partial-update verb, so writes round-trip the whole
// document.
type StockItem struct {
	XMLName        xml.Name `xml:"stock_item"`
	ID             string   `xml:"id"`
	Reference      string   `xml:"reference"`
	Quantity       int64    `xml:"quantity"`
	DependsOnStock int      `xml:"depends_on_stock"`
}

type stockItemList struct {
	XMLName xml.Name    `xml:"stock_items"`
	Items   []StockItem `xml:"stock_item"`
}

type stockItemDocument struct {
	XMLName xml.Name  `xml:"catalog"`
	Item    StockItem `xml:"stock_item"`
}

// Client speaks the storefront's REST/XML catalog API with basic auth. The
// API key is the basic-auth username with an empty password.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a storefront API client.
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("storefront: base url required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("storefront: api key required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("storefront: http client required")
	}
	return &Client{baseURL: trimmed, apiKey: apiKey, httpClient: httpClient}, nil
}

// SearchByReference lists stock items whose reference equals the SKU.
func (c *Client) SearchByReference(ctx context.Context, sku string) ([]StockItem, error) {
	query := url.Values{}
	query.Set("filter[reference]", sku)
	query.Set("display", "full")
	body, err := c.get(ctx, "/api/stock_items", query)
	if err != nil {
		return nil, err
	}
	var doc stockItemList
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("storefront: decoding search response: %w", err)
	}
	return doc.Items, nil
}

// StockItem fetches one stock item's full document.
func (c *Client) StockItem(ctx context.Context, itemID string) (StockItem, error) {
	body, err := c.get(ctx, "/api/stock_items/"+url.PathEscape(itemID), nil)
	if err != nil {
		return StockItem{}, err
	}
	var doc stockItemDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return StockItem{}, fmt.Errorf("storefront: decoding stock item %s: %w", itemID, err)
	}
	return doc.Item, nil
}

// PutStockItem writes the full stock item document back.
func (c *Client) PutStockItem(ctx context.Context, item StockItem) error {
	payload, err := xml.Marshal(stockItemDocument{Item: item})
	if err != nil {
		return fmt.Errorf("storefront: encoding stock item %s: %w", item.ID, err)
	}
	payload = append([]byte(xml.Header), payload...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/stock_items/"+url.PathEscape(item.ID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ListStockItems pages through the full catalog, returning every stock item.
func (c *Client) ListStockItems(ctx context.Context) ([]StockItem, error) {
	var all []StockItem
	for offset := 0; ; offset += pageSize {
		query := url.Values{}
		query.Set("display", "full")
		query.Set("limit", fmt.Sprintf("%d,%d", offset, pageSize))
		body, err := c.get(ctx, "/api/stock_items", query)
		if err != nil {
			return nil, err
		}
		var doc stockItemList
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("storefront: decoding stock listing: %w", err)
		}
		all = append(all, doc.Items...)
		if len(doc.Items) < pageSize {
			return all, nil
		}
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/xml")
}

// statusError carries a non-2xx storefront response.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("storefront: unexpected status %d: %s", e.StatusCode, e.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
