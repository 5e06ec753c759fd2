package syncstate

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

const (
	// DefaultAntiLoopWindow absorbs webhook echo latency without suppressing
	// legitimate slower re-updates.
	DefaultAntiLoopWindow = 20 * time.Second
	// maxAntiLoopWindow bounds operator-configured windows to a small
	// constant; anything longer starts eating real updates.
	maxAntiLoopWindow = 20 * time.Second
)

// ErrInvalidEventKey indicates an empty event key.
var ErrInvalidEventKey = errors.New("syncstate: invalid event key")

// TrackerConfig describes the dependencies of the sync state tracker.
type TrackerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
}

// Tracker backs idempotency admission and anti-loop suppression.
type Tracker struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
}

// NewTracker constructs the sync state tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("syncstate: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("syncstate: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// RegisterLock attempts the unique insert that admits an inbound event.
// Returns false on a duplicate key, which callers must treat as "already
// handled, no-op"; the duplicate case never raises.
func (t *Tracker) RegisterLock(ctx context.Context, siteID, productID uint, origin channel.Origin, eventKey, payloadHash string) (bool, error) {
	eventKey = strings.TrimSpace(eventKey)
	if eventKey == "" {
		return false, ErrInvalidEventKey
	}
	lockID, err := t.idProvider.NewID()
	if err != nil {
		return false, err
	}
	lock := EventLock{
		LockID:      lockID,
		SiteID:      siteID,
		ProductID:   productID,
		Origin:      origin,
		EventKey:    eventKey,
		PayloadHash: payloadHash,
		CreatedAt:   t.clock().UTC(),
	}
	err = t.db.WithContext(ctx).Create(&lock).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKeyError(err) {
		t.logger.Debug("duplicate event lock",
			zap.Uint("site_id", siteID),
			zap.Uint("product_id", productID),
			zap.String("event_key", eventKey))
		return false, nil
	}
	return false, err
}

// ShouldSkipRecentUpdate reports whether the last recorded state for
// (product, site) carries the same quantity and is newer than now-window.
// A legitimate independent update producing the same quantity inside the
// window is indistinguishable from an echo and is intentionally dropped.
func (t *Tracker) ShouldSkipRecentUpdate(ctx context.Context, productID, siteID uint, quantity int64, window time.Duration) (bool, error) {
	state, found, err := t.currentState(ctx, productID, siteID)
	if err != nil || !found {
		return false, err
	}
	if state.AppliedQty != quantity {
		return false, nil
	}
	return t.withinWindow(state.UpdatedAt, window), nil
}

// ShouldSkipAntiLoopByOrigin reports whether the last recorded state for
// (product, site) was a propagation push caused by an update that originated
// from originSiteID, and is newer than now-window. This breaks the
// pull-from-A, push-to-B, webhook-back-to-A cycle.
func (t *Tracker) ShouldSkipAntiLoopByOrigin(ctx context.Context, productID, siteID, originSiteID uint, window time.Duration) (bool, error) {
	state, found, err := t.currentState(ctx, productID, siteID)
	if err != nil || !found {
		return false, err
	}
	if state.Source != PushOriginSource(originSiteID) {
		return false, nil
	}
	return t.withinWindow(state.UpdatedAt, window), nil
}

// MarkUpdateState upserts the last applied change for (product, site).
// Called after every successful apply, inbound or outbound.
func (t *Tracker) MarkUpdateState(ctx context.Context, productID, siteID uint, source string, eventKey *string, quantity int64) error {
	state := SyncState{
		ProductID:  productID,
		SiteID:     siteID,
		Source:     source,
		AppliedQty: quantity,
		UpdatedAt:  t.clock().UTC(),
	}
	if eventKey != nil {
		state.EventKey = *eventKey
	}
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}, {Name: "site_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"source", "event_key", "applied_qty", "updated_at"}),
		}).
		Create(&state).Error
}

func (t *Tracker) currentState(ctx context.Context, productID, siteID uint) (SyncState, bool, error) {
	var state SyncState
	err := t.db.WithContext(ctx).
		Where("product_id = ? AND site_id = ?", productID, siteID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, err
	}
	return state, true, nil
}

func (t *Tracker) withinWindow(updatedAt time.Time, window time.Duration) bool {
	if window <= 0 || window > maxAntiLoopWindow {
		window = DefaultAntiLoopWindow
	}
	return t.clock().UTC().Sub(updatedAt) <= window
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
