package marketplace

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"go.uber.org/zap"
)

// Adapter exposes a marketplace site as a synchronization channel.
type Adapter struct {
	client *Client
	logger *zap.Logger
}

// NewAdapter constructs the marketplace channel for one site connection.
func NewAdapter(cfg ClientConfig) (*Adapter, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{client: client, logger: logger}, nil
}

// ReadStock returns the remote quantity at item or variation level.
func (a *Adapter) ReadStock(ctx context.Context, ref channel.RemoteRef) (int64, error) {
	item, err := a.client.ItemByID(ctx, ref.ItemID)
	if err != nil {
		return 0, err
	}
	if ref.VariantID == "" {
		return item.AvailableQuantity, nil
	}
	for _, variation := range item.Variations {
		if variation.ID.String() == ref.VariantID {
			return variation.AvailableQuantity, nil
		}
	}
	return 0, fmt.Errorf("%w: variation %s of item %s", channel.ErrRemoteItemNotFound, ref.VariantID, ref.ItemID)
}

// WriteStock targets the variation sub-resource when the mapping carries a
// variant id, the item resource otherwise. A mapping without a variant id
// against an item that grew variations since binding is a hard failure; the
// mapping must be re-resolved.
func (a *Adapter) WriteStock(ctx context.Context, ref channel.RemoteRef, quantity int64) error {
	if ref.VariantID != "" {
		if err := a.client.SetVariationQuantity(ctx, ref.ItemID, ref.VariantID, quantity); err != nil {
			return err
		}
		a.logger.Debug("marketplace variation stock written",
			zap.String("remote_item_id", ref.ItemID),
			zap.String("remote_variant_id", ref.VariantID),
			zap.Int64("quantity", quantity))
		return nil
	}

	item, err := a.client.ItemByID(ctx, ref.ItemID)
	if err != nil {
		return err
	}
	if len(item.Variations) > 0 {
		return fmt.Errorf("marketplace: item %s now has variations, mapping without variant id is stale", ref.ItemID)
	}
	if err := a.client.SetItemQuantity(ctx, ref.ItemID, quantity); err != nil {
		return err
	}
	a.logger.Debug("marketplace item stock written",
		zap.String("remote_item_id", ref.ItemID),
		zap.Int64("quantity", quantity))
	return nil
}

// SearchItemsBySKU runs the three search strategies in order, stopping at the
// first that yields a candidate after exact-SKU filtering: seller-SKU
// attribute filter, free-text search, then a bounded full-inventory scan.
func (a *Adapter) SearchItemsBySKU(ctx context.Context, sku string) ([]channel.RemoteItem, error) {
	strategies := []func(context.Context) ([]string, error){
		func(ctx context.Context) ([]string, error) { return a.client.SearchItemIDsBySellerSKU(ctx, sku) },
		func(ctx context.Context) ([]string, error) { return a.client.SearchItemIDsByText(ctx, sku) },
		a.client.ScanItemIDs,
	}
	for _, search := range strategies {
		ids, err := search(ctx)
		if err != nil {
			return nil, err
		}
		matches, err := a.fetchMatching(ctx, ids, sku)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return matches, nil
		}
	}
	return nil, nil
}

// fetchMatching loads item details and keeps those matching the SKU exactly,
// at item level or on any variation.
func (a *Adapter) fetchMatching(ctx context.Context, itemIDs []string, sku string) ([]channel.RemoteItem, error) {
	var matches []channel.RemoteItem
	for _, id := range itemIDs {
		item, err := a.client.ItemByID(ctx, id)
		if err != nil {
			return nil, err
		}
		remote := toRemoteItem(item)
		if item.SellerSKU == sku {
			matches = append(matches, remote)
			continue
		}
		for _, variation := range item.Variations {
			if variation.SellerSKU == sku {
				matches = append(matches, remote)
				break
			}
		}
	}
	return matches, nil
}

// ItemByID fetches one listing.
func (a *Adapter) ItemByID(ctx context.Context, itemID string) (channel.RemoteItem, error) {
	item, err := a.client.ItemByID(ctx, itemID)
	if err != nil {
		return channel.RemoteItem{}, err
	}
	return toRemoteItem(item), nil
}

// ListStock snapshots the seller's whole inventory, one entry per item or
// per variation when the item has variations.
func (a *Adapter) ListStock(ctx context.Context) ([]channel.StockEntry, error) {
	ids, err := a.client.ScanItemIDs(ctx)
	if err != nil {
		return nil, err
	}
	var entries []channel.StockEntry
	for _, id := range ids {
		item, err := a.client.ItemByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(item.Variations) == 0 {
			entries = append(entries, channel.StockEntry{
				SKU:      item.SellerSKU,
				ItemID:   item.ID,
				Quantity: item.AvailableQuantity,
			})
			continue
		}
		for _, variation := range item.Variations {
			sku := variation.SellerSKU
			if sku == "" {
				sku = item.SellerSKU
			}
			entries = append(entries, channel.StockEntry{
				SKU:       sku,
				ItemID:    item.ID,
				VariantID: variation.ID.String(),
				Quantity:  variation.AvailableQuantity,
			})
		}
	}
	return entries, nil
}

// ReadOrderItems resolves the stock-relevant lines of a remote order.
func (a *Adapter) ReadOrderItems(ctx context.Context, orderID string) ([]channel.OrderLine, error) {
	items, err := a.client.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	lines := make([]channel.OrderLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, channel.OrderLine{
			Ref: channel.RemoteRef{
				ItemID:    item.ItemID,
				VariantID: item.VariationID,
				SKU:       item.SellerSKU,
			},
			Quantity: item.Quantity,
		})
	}
	return lines, nil
}

func toRemoteItem(item Item) channel.RemoteItem {
	remote := channel.RemoteItem{
		ID:       item.ID,
		SKU:      item.SellerSKU,
		Quantity: item.AvailableQuantity,
	}
	for _, variation := range item.Variations {
		remote.Variants = append(remote.Variants, channel.RemoteVariant{
			ID:       variation.ID.String(),
			SKU:      variation.SellerSKU,
			Quantity: variation.AvailableQuantity,
		})
	}
	return remote
}
