// Package webhook validates, normalizes and dispatches inbound channel
// notifications to the ledger and the propagation chain.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/propagate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	"go.uber.org/zap"
)

// Outcome classifies what ingestion did with one notification. Webhook
// senders always receive HTTP 200; the outcome is for logs and state only.
type Outcome string

const (
	// OutcomeApplied means the ledger was mutated and propagation ran.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event lock rejected a replay.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSuppressed means the anti-loop heuristics dropped the event.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeUnmapped means no local product could be resolved.
	OutcomeUnmapped Outcome = "unmapped"
	// OutcomeRejected means the signature check failed. Handled silently.
	OutcomeRejected Outcome = "rejected"
	// OutcomeIgnored means the site, topic or sync mode excludes the event.
	OutcomeIgnored Outcome = "ignored"
)

// Result summarizes the handling of one notification.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	ProductID uint    `json:"product_id,omitempty"`
	Quantity  int64   `json:"quantity,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

const webhookActor = "webhook"

var (
	itemResourcePattern  = regexp.MustCompile(`items/([A-Za-z0-9_-]+)`)
	orderResourcePattern = regexp.MustCompile(`orders/([0-9]+)`)
)

// ServiceConfig describes the dependencies of the ingestion pipeline.
type ServiceConfig struct {
	Clock      func() time.Time
	Logger     *zap.Logger
	Directory  *channel.Directory
	Factory    *FactorySet
	Catalog    *catalog.Service
	Ledger     *ledger.Service
	Tracker    *syncstate.Tracker
	Mappings   *mapping.Resolver
	Propagator *propagate.Service
	// AntiLoopWindow bounds same-quantity echo suppression. Zero selects
	// the tracker's default.
	AntiLoopWindow time.Duration
}

// FactorySet bundles the channel capabilities ingestion needs.
type FactorySet struct {
	Channels channel.Factory
	Orders   interface {
		OrderReaderFor(site channel.SiteConnection) (channel.OrderReader, error)
	}
}

// Service is the webhook ingestion pipeline.
type Service struct {
	clock      func() time.Time
	logger     *zap.Logger
	directory  *channel.Directory
	factory    *FactorySet
	catalog    *catalog.Service
	ledger     *ledger.Service
	tracker    *syncstate.Tracker
	mappings   *mapping.Resolver
	propagator *propagate.Service
	window     time.Duration
}

// NewService constructs the ingestion pipeline.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("webhook: site directory required")
	}
	if cfg.Factory == nil || cfg.Factory.Channels == nil {
		return nil, fmt.Errorf("webhook: channel factory required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("webhook: catalog required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("webhook: ledger required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("webhook: sync tracker required")
	}
	if cfg.Mappings == nil {
		return nil, fmt.Errorf("webhook: mapping resolver required")
	}
	if cfg.Propagator == nil {
		return nil, fmt.Errorf("webhook: propagator required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.AntiLoopWindow
	if window <= 0 {
		window = syncstate.DefaultAntiLoopWindow
	}
	return &Service{
		clock:      clock,
		logger:     logger,
		directory:  cfg.Directory,
		factory:    cfg.Factory,
		catalog:    cfg.Catalog,
		ledger:     cfg.Ledger,
		tracker:    cfg.Tracker,
		mappings:   cfg.Mappings,
		propagator: cfg.Propagator,
		window:     window,
	}, nil
}

type storefrontNotice struct {
	ShopID    *uint   `json:"shop_id"`
	SiteID    *uint   `json:"site_id"`
	SKU       string  `json:"sku"`
	Stock     *int64  `json:"stock"`
	QtyNew    *int64  `json:"qty_new"`
	Event     string  `json:"event"`
	Timestamp *string `json:"timestamp"`
}

// HandleStorefront ingests a storefront stock notification.
func (s *Service) HandleStorefront(ctx context.Context, body []byte) (Result, error) {
	var notice storefrontNotice
	if err := json.Unmarshal(body, &notice); err != nil {
		return Result{Outcome: OutcomeIgnored, Detail: "malformed payload"}, nil
	}
	siteID := notice.SiteID
	if siteID == nil {
		siteID = notice.ShopID
	}
	quantity := notice.Stock
	if quantity == nil {
		quantity = notice.QtyNew
	}
	if siteID == nil || quantity == nil || strings.TrimSpace(notice.SKU) == "" {
		return Result{Outcome: OutcomeIgnored, Detail: "missing site, sku or quantity"}, nil
	}

	site, err := s.directory.SiteByID(ctx, *siteID)
	if err != nil {
		s.logger.Warn("storefront webhook for unknown site", zap.Uintp("site_id", siteID))
		return Result{Outcome: OutcomeIgnored, Detail: "unknown site"}, nil
	}
	if !site.Active() || !site.Mode.AllowsPull() {
		return Result{Outcome: OutcomeIgnored, Detail: "site does not accept pulls"}, nil
	}

	product, err := s.catalog.LookupBySKU(ctx, notice.SKU)
	if err != nil {
		s.logger.Info("storefront webhook for unknown sku",
			zap.Uint("site_id", site.ID), zap.String("sku", notice.SKU))
		return Result{Outcome: OutcomeUnmapped, Detail: "sku not in local catalog"}, nil
	}

	hash := bodyHash(body)
	eventKey := strings.TrimSpace(notice.Event)
	if eventKey == "" {
		eventKey = hash
	}
	return s.applyInbound(ctx, site, product, *quantity, channel.OriginStorefront, eventKey, hash)
}

// MarketplaceNotice is the normalized marketplace notification envelope,
// decodable from JSON or form fields.
type MarketplaceNotice struct {
	Topic    string `json:"topic" form:"topic"`
	Type     string `json:"type" form:"type"`
	Resource string `json:"resource" form:"resource"`
	UserID   string `json:"user_id" form:"user_id"`
}

func (n MarketplaceNotice) topic() string {
	if n.Topic != "" {
		return n.Topic
	}
	return n.Type
}

// HandleMarketplace ingests a marketplace notification. The signature header
// is verified against the site's shared secret; sites with no secret accept
// unsigned notifications.
func (s *Service) HandleMarketplace(ctx context.Context, notice MarketplaceNotice, body []byte, signature string) (Result, error) {
	site, err := s.directory.SiteBySellerID(ctx, notice.UserID)
	if err != nil {
		s.logger.Warn("marketplace webhook for unknown seller", zap.String("user_id", notice.UserID))
		return Result{Outcome: OutcomeIgnored, Detail: "unknown seller"}, nil
	}
	if !VerifySecret(site.WebhookSecret, signature, body) {
		s.logger.Warn("marketplace webhook signature rejected", zap.Uint("site_id", site.ID))
		return Result{Outcome: OutcomeRejected}, nil
	}
	if !site.Active() || !site.Mode.AllowsPull() {
		return Result{Outcome: OutcomeIgnored, Detail: "site does not accept pulls"}, nil
	}

	topic := strings.ToLower(notice.topic())
	switch {
	case strings.Contains(topic, "order"):
		return s.handleMarketplaceOrder(ctx, site, notice, body)
	case strings.Contains(topic, "item"):
		return s.handleMarketplaceItem(ctx, site, notice, body)
	default:
		return Result{Outcome: OutcomeIgnored, Detail: "unhandled topic " + topic}, nil
	}
}

func (s *Service) handleMarketplaceItem(ctx context.Context, site channel.SiteConnection, notice MarketplaceNotice, body []byte) (Result, error) {
	itemID := extractResourceID(itemResourcePattern, notice.Resource)
	if itemID == "" {
		return Result{Outcome: OutcomeIgnored, Detail: "no item id in resource"}, nil
	}

	ch, err := s.factory.Channels.ChannelFor(site)
	if err != nil {
		return Result{}, err
	}
	item, err := ch.ItemByID(ctx, itemID)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: fetching item %s: %w", itemID, err)
	}

	product, ref, err := s.resolveInboundItem(ctx, site, item)
	if err != nil {
		return Result{}, err
	}
	if product == nil {
		s.logger.Info("marketplace webhook for unmapped item",
			zap.Uint("site_id", site.ID), zap.String("remote_item_id", itemID))
		return Result{Outcome: OutcomeUnmapped, Detail: "no mapping for item " + itemID}, nil
	}

	quantity := item.Quantity
	if ref.VariantID != "" {
		for _, variant := range item.Variants {
			if variant.ID == ref.VariantID {
				quantity = variant.Quantity
				break
			}
		}
	}

	// The items envelope carries no delivery id and is byte-identical for
	// every change to the same item, so the admission key must come from
	// the observed remote state instead of the body.
	eventKey := fmt.Sprintf("item_%s_%s_qty_%d", itemID, ref.VariantID, quantity)
	return s.applyInbound(ctx, site, *product, quantity, channel.OriginMarketplace, eventKey, bodyHash(body))
}

// resolveInboundItem finds the local product for a remote item, self-healing
// the mapping over the item's SKUs when no binding exists yet.
func (s *Service) resolveInboundItem(ctx context.Context, site channel.SiteConnection, item channel.RemoteItem) (*catalog.Product, channel.RemoteRef, error) {
	bound, err := s.mappings.GetByRemoteItem(ctx, site.ID, item.ID)
	if err != nil {
		return nil, channel.RemoteRef{}, err
	}
	if bound != nil {
		product, err := s.catalog.LookupByID(ctx, bound.ProductID)
		if err != nil {
			return nil, channel.RemoteRef{}, err
		}
		return &product, bound.Ref(), nil
	}

	candidates := []channel.RemoteRef{}
	if item.SKU != "" && len(item.Variants) == 0 {
		candidates = append(candidates, channel.RemoteRef{ItemID: item.ID, SKU: item.SKU})
	}
	for _, variant := range item.Variants {
		if variant.SKU != "" {
			candidates = append(candidates, channel.RemoteRef{ItemID: item.ID, VariantID: variant.ID, SKU: variant.SKU})
		}
	}
	for _, ref := range candidates {
		product, err := s.catalog.LookupBySKU(ctx, ref.SKU)
		if err != nil {
			continue
		}
		if _, err := s.mappings.BindFromWebhook(ctx, site.ID, product.ID, ref); err != nil {
			return nil, channel.RemoteRef{}, err
		}
		return &product, ref, nil
	}
	return nil, channel.RemoteRef{}, nil
}

func (s *Service) handleMarketplaceOrder(ctx context.Context, site channel.SiteConnection, notice MarketplaceNotice, body []byte) (Result, error) {
	orderID := extractResourceID(orderResourcePattern, notice.Resource)
	if orderID == "" {
		return Result{Outcome: OutcomeIgnored, Detail: "no order id in resource"}, nil
	}
	reader, err := s.factory.Orders.OrderReaderFor(site)
	if err != nil {
		return Result{}, err
	}
	lines, err := reader.ReadOrderItems(ctx, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: fetching order %s: %w", orderID, err)
	}

	applied := 0
	duplicates := 0
	for _, line := range lines {
		outcome, err := s.applyOrderLine(ctx, site, orderID, line)
		if err != nil {
			return Result{}, err
		}
		switch outcome {
		case OutcomeApplied:
			applied++
		case OutcomeDuplicate:
			duplicates++
		}
	}
	result := Result{Detail: fmt.Sprintf("order %s: %d of %d lines applied", orderID, applied, len(lines))}
	switch {
	case applied > 0:
		result.Outcome = OutcomeApplied
	case duplicates > 0:
		result.Outcome = OutcomeDuplicate
	default:
		result.Outcome = OutcomeUnmapped
	}
	return result, nil
}

// applyOrderLine decrements local stock for one purchased line. Each line has
// its own event key, so a replayed order notification re-applies none of them.
func (s *Service) applyOrderLine(ctx context.Context, site channel.SiteConnection, orderID string, line channel.OrderLine) (Outcome, error) {
	product, err := s.resolveOrderLineProduct(ctx, site, line)
	if err != nil {
		return OutcomeIgnored, err
	}
	if product == nil {
		return OutcomeUnmapped, nil
	}

	eventKey := fmt.Sprintf("order_%s_%s_%s", orderID, line.Ref.ItemID, line.Ref.VariantID)
	admitted, err := s.tracker.RegisterLock(ctx, site.ID, product.ID, channel.OriginMarketplace, eventKey, "")
	if err != nil {
		return OutcomeIgnored, err
	}
	if !admitted {
		return OutcomeDuplicate, nil
	}

	input := ledger.MutationInput{
		ProductID:    product.ID,
		Note:         fmt.Sprintf("order %s line %s", orderID, line.Ref.ItemID),
		Actor:        webhookActor,
		Origin:       channel.OriginMarketplace,
		SourceSiteID: &site.ID,
		EventKey:     &eventKey,
		Reason:       ledger.ReasonOrder,
	}
	updated, err := s.ledger.AddStock(ctx, input, -line.Quantity)
	if err != nil {
		return OutcomeIgnored, err
	}
	if err := s.tracker.MarkUpdateState(ctx, product.ID, site.ID, syncstate.WebhookSource(channel.OriginMarketplace), &eventKey, updated.Quantity); err != nil {
		s.logger.Warn("marking sync state after order failed",
			zap.Uint("product_id", product.ID), zap.Error(err))
	}
	if _, err := s.propagator.Propagate(ctx, product.ID, updated.Quantity, site.ID, &eventKey); err != nil {
		s.logger.Error("propagation after order failed",
			zap.Uint("product_id", product.ID), zap.Error(err))
	}
	return OutcomeApplied, nil
}

func (s *Service) resolveOrderLineProduct(ctx context.Context, site channel.SiteConnection, line channel.OrderLine) (*catalog.Product, error) {
	bound, err := s.mappings.GetByRemoteItem(ctx, site.ID, line.Ref.ItemID)
	if err != nil {
		return nil, err
	}
	if bound != nil {
		product, err := s.catalog.LookupByID(ctx, bound.ProductID)
		if err != nil {
			return nil, err
		}
		return &product, nil
	}
	if line.Ref.SKU == "" {
		return nil, nil
	}
	product, err := s.catalog.LookupBySKU(ctx, line.Ref.SKU)
	if err != nil {
		return nil, nil
	}
	if _, err := s.mappings.BindFromWebhook(ctx, site.ID, product.ID, line.Ref); err != nil {
		return nil, err
	}
	return &product, nil
}

// applyInbound runs the shared admission pipeline for a stock-level change:
// event lock, echo suppression, ledger write, sync state, propagation.
func (s *Service) applyInbound(ctx context.Context, site channel.SiteConnection, product catalog.Product, quantity int64, origin channel.Origin, eventKey, payloadHash string) (Result, error) {
	admitted, err := s.tracker.RegisterLock(ctx, site.ID, product.ID, origin, eventKey, payloadHash)
	if err != nil {
		return Result{}, err
	}
	if !admitted {
		return Result{Outcome: OutcomeDuplicate, ProductID: product.ID, Quantity: quantity}, nil
	}

	skip, err := s.tracker.ShouldSkipRecentUpdate(ctx, product.ID, site.ID, quantity, s.window)
	if err != nil {
		return Result{}, err
	}
	if skip {
		s.logger.Info("inbound update suppressed as echo",
			zap.Uint("site_id", site.ID),
			zap.Uint("product_id", product.ID),
			zap.Int64("quantity", quantity))
		return Result{Outcome: OutcomeSuppressed, ProductID: product.ID, Quantity: quantity}, nil
	}

	input := ledger.MutationInput{
		ProductID:    product.ID,
		Note:         fmt.Sprintf("webhook from site %d", site.ID),
		Actor:        webhookActor,
		Origin:       origin,
		SourceSiteID: &site.ID,
		EventKey:     &eventKey,
		Reason:       ledger.ReasonWebhook,
	}
	updated, err := s.ledger.SetStock(ctx, input, quantity)
	if err != nil {
		return Result{}, err
	}
	if err := s.tracker.MarkUpdateState(ctx, product.ID, site.ID, syncstate.WebhookSource(origin), &eventKey, updated.Quantity); err != nil {
		s.logger.Warn("marking sync state after webhook failed",
			zap.Uint("product_id", product.ID), zap.Error(err))
	}
	if _, err := s.propagator.Propagate(ctx, product.ID, updated.Quantity, site.ID, &eventKey); err != nil {
		s.logger.Error("propagation after webhook failed",
			zap.Uint("product_id", product.ID), zap.Error(err))
	}
	return Result{Outcome: OutcomeApplied, ProductID: product.ID, Quantity: updated.Quantity}, nil
}

func extractResourceID(pattern *regexp.Regexp, resource string) string {
	match := pattern.FindStringSubmatch(resource)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
