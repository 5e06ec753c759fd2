package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/identifier"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AmbiguousMappingError is a hard failure: more than one remote item (or more
// than one variant of a single item) matches the SKU. Never auto-resolved; a
// human must link manually.
type AmbiguousMappingError struct {
	SKU        string
	ItemIDs    []string
	VariantIDs []string
}

func (e *AmbiguousMappingError) Error() string {
	if len(e.VariantIDs) > 0 {
		return fmt.Sprintf("mapping: sku %q matches %d variants of item %s", e.SKU, len(e.VariantIDs), strings.Join(e.ItemIDs, ","))
	}
	return fmt.Sprintf("mapping: sku %q matches %d remote items", e.SKU, len(e.ItemIDs))
}

// NoVariantMatchError indicates the matched item has variants but none carry
// the SKU at variant level.
type NoVariantMatchError struct {
	SKU    string
	ItemID string
}

func (e *NoVariantMatchError) Error() string {
	return fmt.Sprintf("mapping: item %s has variants but none match sku %q", e.ItemID, e.SKU)
}

// ResolverConfig describes the dependencies of the mapping resolver.
type ResolverConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
}

// Resolver finds or creates channel mappings. All resolution state is scoped
// to the call; the resolver itself holds no mutable caches.
type Resolver struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
}

// NewResolver constructs the mapping resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("mapping: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("mapping: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Get returns the stored mapping for (site, product), or nil when none exists.
func (r *Resolver) Get(ctx context.Context, siteID, productID uint) (*ChannelMapping, error) {
	var row ChannelMapping
	err := r.db.WithContext(ctx).
		Where("site_id = ? AND product_id = ?", siteID, productID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByRemoteItem returns the stored mapping for a remote item id on a site,
// or nil when none exists.
func (r *Resolver) GetByRemoteItem(ctx context.Context, siteID uint, remoteItemID string) (*ChannelMapping, error) {
	var row ChannelMapping
	err := r.db.WithContext(ctx).
		Where("site_id = ? AND remote_item_id = ?", siteID, remoteItemID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListForSite returns every mapping bound on a site.
func (r *Resolver) ListForSite(ctx context.Context, siteID uint) ([]ChannelMapping, error) {
	var rows []ChannelMapping
	err := r.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("product_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Resolve finds or creates the mapping for (site, product) by searching the
// channel for the SKU. The search client returns all candidates; the
// ambiguity policy here decides whether a binding is safe.
func (r *Resolver) Resolve(ctx context.Context, site channel.SiteConnection, productID uint, sku string, searcher channel.Channel) (*ChannelMapping, error) {
	existing, err := r.Get(ctx, site.ID, productID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	items, err := searcher.SearchItemsBySKU(ctx, sku)
	if err != nil {
		return nil, err
	}
	ref, err := SelectCandidate(sku, items)
	if err != nil {
		return nil, err
	}
	return r.bind(ctx, site.ID, productID, ref, BindAuto)
}

// Link binds a mapping chosen by an operator, replacing any existing row for
// (site, product).
func (r *Resolver) Link(ctx context.Context, siteID, productID uint, ref channel.RemoteRef) (*ChannelMapping, error) {
	if strings.TrimSpace(ref.ItemID) == "" {
		return nil, fmt.Errorf("mapping: remote item id required")
	}
	return r.bind(ctx, siteID, productID, ref, BindManual)
}

// BindFromWebhook self-heals a mapping discovered while handling an inbound
// notification.
func (r *Resolver) BindFromWebhook(ctx context.Context, siteID, productID uint, ref channel.RemoteRef) (*ChannelMapping, error) {
	return r.bind(ctx, siteID, productID, ref, BindWebhook)
}

// EnsureBound returns the existing mapping for (site, product) or binds the
// given reference. Used where the remote identity is already known, such as
// bulk snapshot rows.
func (r *Resolver) EnsureBound(ctx context.Context, siteID, productID uint, ref channel.RemoteRef) (*ChannelMapping, error) {
	existing, err := r.Get(ctx, siteID, productID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return r.bind(ctx, siteID, productID, ref, BindAuto)
}

func (r *Resolver) bind(ctx context.Context, siteID, productID uint, ref channel.RemoteRef, source BindSource) (*ChannelMapping, error) {
	mappingID, err := r.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	row := ChannelMapping{
		MappingID:    mappingID,
		SiteID:       siteID,
		ProductID:    productID,
		RemoteItemID: ref.ItemID,
		RemoteSKU:    ref.SKU,
		BoundAt:      r.clock().UTC(),
		BoundBy:      source,
	}
	if ref.VariantID != "" {
		variantID := ref.VariantID
		row.RemoteVariantID = &variantID
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"remote_item_id", "remote_variant_id", "remote_sku", "bound_at", "bound_by"}),
		}).
		Create(&row).Error
	if err != nil {
		return nil, err
	}
	r.logger.Info("channel mapping bound",
		zap.Uint("site_id", siteID),
		zap.Uint("product_id", productID),
		zap.String("remote_item_id", ref.ItemID),
		zap.String("bound_by", string(source)))
	return &row, nil
}

// Ref returns the remote reference stored on a mapping row.
func (m *ChannelMapping) Ref() channel.RemoteRef {
	ref := channel.RemoteRef{ItemID: m.RemoteItemID, SKU: m.RemoteSKU}
	if m.RemoteVariantID != nil {
		ref.VariantID = *m.RemoteVariantID
	}
	return ref
}

// SelectCandidate applies the ambiguity policy to SKU search results:
// exactly one matching item binds; one item with exactly one matching variant
// binds at variant level; everything else is a typed failure.
func SelectCandidate(sku string, items []channel.RemoteItem) (channel.RemoteRef, error) {
	if len(items) == 0 {
		return channel.RemoteRef{}, fmt.Errorf("%w: sku %q", channel.ErrRemoteItemNotFound, sku)
	}
	if len(items) > 1 {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		return channel.RemoteRef{}, &AmbiguousMappingError{SKU: sku, ItemIDs: ids}
	}

	item := items[0]
	if len(item.Variants) == 0 {
		return channel.RemoteRef{ItemID: item.ID, SKU: sku}, nil
	}

	var matched []channel.RemoteVariant
	for _, variant := range item.Variants {
		if variant.SKU == sku {
			matched = append(matched, variant)
		}
	}
	switch len(matched) {
	case 0:
		return channel.RemoteRef{}, &NoVariantMatchError{SKU: sku, ItemID: item.ID}
	case 1:
		return channel.RemoteRef{ItemID: item.ID, VariantID: matched[0].ID, SKU: sku}, nil
	default:
		ids := make([]string, 0, len(matched))
		for _, variant := range matched {
			ids = append(ids, variant.ID)
		}
		return channel.RemoteRef{}, &AmbiguousMappingError{SKU: sku, ItemIDs: []string{item.ID}, VariantIDs: ids}
	}
}
