package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"go.uber.org/zap"
)

// Adapter exposes a storefront site as a synchronization channel. Items on
// this protocol carry at most one combination per SKU, so search results
// never have variants.
type Adapter struct {
	client *Client
	logger *zap.Logger
}

// NewAdapter constructs the storefront channel for one site connection.
func NewAdapter(site channel.SiteConnection, httpClient *http.Client, logger *zap.Logger) (*Adapter, error) {
	if !site.HasCredentials() {
		return nil, channel.ErrMissingCredentials
	}
	client, err := NewClient(site.BaseURL, site.APIKey, httpClient)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{client: client, logger: logger}, nil
}

// ReadStock returns the remote quantity for the referenced stock item.
func (a *Adapter) ReadStock(ctx context.Context, ref channel.RemoteRef) (int64, error) {
	item, err := a.client.StockItem(ctx, ref.ItemID)
	if err != nil {
		return 0, translateError(err)
	}
	return item.Quantity, nil
}

// WriteStock fetches the current document, replaces the quantity and puts the
// whole representation back. A derived quantity is a hard failure.
func (a *Adapter) WriteStock(ctx context.Context, ref channel.RemoteRef, quantity int64) error {
	item, err := a.client.StockItem(ctx, ref.ItemID)
	if err != nil {
		return translateError(err)
	}
	if item.DependsOnStock != 0 {
		return fmt.Errorf("%w: item %s", channel.ErrQuantityDerived, ref.ItemID)
	}
	item.Quantity = quantity
	if err := a.client.PutStockItem(ctx, item); err != nil {
		return translateError(err)
	}
	a.logger.Debug("storefront stock written",
		zap.String("remote_item_id", ref.ItemID),
		zap.Int64("quantity", quantity))
	return nil
}

// SearchItemsBySKU filters the catalog by reference.
func (a *Adapter) SearchItemsBySKU(ctx context.Context, sku string) ([]channel.RemoteItem, error) {
	items, err := a.client.SearchByReference(ctx, sku)
	if err != nil {
		return nil, translateError(err)
	}
	remote := make([]channel.RemoteItem, 0, len(items))
	for _, item := range items {
		remote = append(remote, channel.RemoteItem{
			ID:       item.ID,
			SKU:      item.Reference,
			Quantity: item.Quantity,
		})
	}
	return remote, nil
}

// ItemByID fetches one stock item.
func (a *Adapter) ItemByID(ctx context.Context, itemID string) (channel.RemoteItem, error) {
	item, err := a.client.StockItem(ctx, itemID)
	if err != nil {
		return channel.RemoteItem{}, translateError(err)
	}
	return channel.RemoteItem{ID: item.ID, SKU: item.Reference, Quantity: item.Quantity}, nil
}

// ListStock snapshots the whole catalog.
func (a *Adapter) ListStock(ctx context.Context) ([]channel.StockEntry, error) {
	items, err := a.client.ListStockItems(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	entries := make([]channel.StockEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, channel.StockEntry{
			SKU:      item.Reference,
			ItemID:   item.ID,
			Quantity: item.Quantity,
		})
	}
	return entries, nil
}

func translateError(err error) error {
	var status *statusError
	if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
		return channel.ErrRemoteItemNotFound
	}
	return err
}
