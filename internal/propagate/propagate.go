// Package propagate fans an accepted inbound change out to every other
// eligible site synchronously, recording every push and skip decision.
package propagate

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/identifier"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Decision classifies what propagation did for one candidate site.
type Decision string

const (
	// DecisionPushed marks a successful remote write.
	DecisionPushed Decision = "pushed"
	// DecisionPushFailed marks an attempted remote write that errored.
	DecisionPushFailed Decision = "push_failed"
	// DecisionSkipDisabled marks a site skipped for being disabled or
	// disconnected.
	DecisionSkipDisabled Decision = "skip_disabled"
	// DecisionSkipMode marks a site whose sync mode disallows pushes.
	DecisionSkipMode Decision = "skip_mode"
	// DecisionSkipUnmapped marks a site with no mapping for the product.
	DecisionSkipUnmapped Decision = "skip_unmapped"
	// DecisionSkipAntiLoop marks a suppressed echo of an earlier propagation.
	DecisionSkipAntiLoop Decision = "skip_anti_loop"
)

// Record is the audit row for one propagation decision. Written for every
// candidate site regardless of outcome.
type Record struct {
	RecordID     string    `gorm:"column:record_id;primaryKey;size:36" json:"record_id"`
	ProductID    uint      `gorm:"column:product_id;not null;index:idx_propagations_product_time,priority:1" json:"product_id"`
	OriginSiteID uint      `gorm:"column:origin_site_id;not null" json:"origin_site_id"`
	TargetSiteID uint      `gorm:"column:target_site_id;not null" json:"target_site_id"`
	Quantity     int64     `gorm:"column:quantity;not null" json:"quantity"`
	Decision     Decision  `gorm:"column:decision;size:32;not null" json:"decision"`
	Detail       string    `gorm:"column:detail;type:text" json:"detail,omitempty"`
	EventKey     *string   `gorm:"column:event_key;size:190" json:"event_key,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_propagations_product_time,priority:2,sort:desc" json:"created_at"`
}

// TableName exposes the table backing propagation records.
func (Record) TableName() string {
	return "propagation_records"
}

// ServiceConfig describes the dependencies of the propagation chain.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
	Directory  *channel.Directory
	Factory    channel.Factory
	Mappings   *mapping.Resolver
	Tracker    *syncstate.Tracker
	// AntiLoopWindow bounds echo suppression. Zero selects the tracker's
	// default.
	AntiLoopWindow time.Duration
}

// Service is the synchronous fan-out invoked while handling an inbound pull.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
	directory  *channel.Directory
	factory    channel.Factory
	mappings   *mapping.Resolver
	tracker    *syncstate.Tracker
	window     time.Duration
}

// NewService constructs the propagation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("propagate: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("propagate: id provider required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("propagate: site directory required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("propagate: channel factory required")
	}
	if cfg.Mappings == nil {
		return nil, fmt.Errorf("propagate: mapping resolver required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("propagate: sync tracker required")
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
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		directory:  cfg.Directory,
		factory:    cfg.Factory,
		mappings:   cfg.Mappings,
		tracker:    cfg.Tracker,
		window:     window,
	}, nil
}

// Propagate pushes the new quantity to every configured site other than the
// origin. Individual site failures are recorded and do not abort the chain;
// only infrastructure faults (site listing, audit persistence) return an
// error.
func (s *Service) Propagate(ctx context.Context, productID uint, quantity int64, originSiteID uint, eventKey *string) ([]Record, error) {
	sites, err := s.directory.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("propagate: listing sites: %w", err)
	}

	var records []Record
	for _, site := range sites {
		if site.ID == originSiteID {
			continue
		}
		decision, detail := s.decide(ctx, site, productID, quantity, originSiteID, eventKey)
		record, err := s.record(ctx, productID, originSiteID, site.ID, quantity, decision, detail, eventKey)
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Service) decide(ctx context.Context, site channel.SiteConnection, productID uint, quantity int64, originSiteID uint, eventKey *string) (Decision, string) {
	if !site.Enabled || site.Status != channel.StatusConnected {
		return DecisionSkipDisabled, ""
	}
	if !site.Mode.AllowsPush() {
		return DecisionSkipMode, string(site.Mode)
	}

	bound, err := s.mappings.Get(ctx, site.ID, productID)
	if err != nil {
		return DecisionPushFailed, err.Error()
	}
	if bound == nil {
		return DecisionSkipUnmapped, ""
	}

	skip, err := s.tracker.ShouldSkipAntiLoopByOrigin(ctx, productID, site.ID, originSiteID, s.window)
	if err != nil {
		return DecisionPushFailed, err.Error()
	}
	if skip {
		return DecisionSkipAntiLoop, syncstate.PushOriginSource(originSiteID)
	}

	ch, err := s.factory.ChannelFor(site)
	if err != nil {
		return DecisionPushFailed, err.Error()
	}
	if err := ch.WriteStock(ctx, bound.Ref(), quantity); err != nil {
		return DecisionPushFailed, err.Error()
	}

	source := syncstate.PushOriginSource(originSiteID)
	if err := s.tracker.MarkUpdateState(ctx, productID, site.ID, source, eventKey, quantity); err != nil {
		s.logger.Warn("marking sync state after propagation failed",
			zap.Uint("product_id", productID),
			zap.Uint("site_id", site.ID),
			zap.Error(err))
	}
	return DecisionPushed, ""
}

func (s *Service) record(ctx context.Context, productID, originSiteID, targetSiteID uint, quantity int64, decision Decision, detail string, eventKey *string) (Record, error) {
	recordID, err := s.idProvider.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("propagate: generating record id: %w", err)
	}
	record := Record{
		RecordID:     recordID,
		ProductID:    productID,
		OriginSiteID: originSiteID,
		TargetSiteID: targetSiteID,
		Quantity:     quantity,
		Decision:     decision,
		Detail:       detail,
		EventKey:     eventKey,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Record{}, fmt.Errorf("propagate: persisting decision: %w", err)
	}
	s.logger.Info("propagation decision",
		zap.Uint("product_id", productID),
		zap.Uint("origin_site_id", originSiteID),
		zap.Uint("target_site_id", targetSiteID),
		zap.String("decision", string(decision)),
		zap.Int64("quantity", quantity))
	return record, nil
}

// RecentForProduct lists the newest propagation decisions for a product.
func (s *Service) RecentForProduct(ctx context.Context, productID uint, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
