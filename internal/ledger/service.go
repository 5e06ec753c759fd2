package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/identifier"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOrigin     = errors.New("origin is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a ledger failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "ledger.service.new"
	opGetStock   = "ledger.get_stock"
	opSetStock   = "ledger.set_stock"
	opAddStock   = "ledger.add_stock"
	opListMoves  = "ledger.list_moves"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// FanoutRequest describes a local mutation that must reach other channels.
type FanoutRequest struct {
	ProductID    uint
	Quantity     int64
	Origin       channel.Origin
	SourceSiteID *uint
}

// FanoutEnqueuer receives local-origin mutations for outbound push queueing.
type FanoutEnqueuer interface {
	EnqueueFanout(ctx context.Context, request FanoutRequest) error
}

// ServiceConfig describes the dependencies of the stock ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
	// Fanout is invoked after a committed local-origin mutation. Optional;
	// nil disables outbound queueing.
	Fanout FanoutEnqueuer
}

// Service is the authoritative stock quantity store with an append-only move
// history per product.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
	fanout     FanoutEnqueuer
}

// NewService constructs the stock ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		fanout:     cfg.Fanout,
	}, nil
}

// GetStock returns the current record for a product. A product that has never
// been mutated yields a zero-value record, never an error.
func (s *Service) GetStock(ctx context.Context, productID uint) (StockRecord, error) {
	var record StockRecord
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StockRecord{ProductID: productID}, nil
	}
	if err != nil {
		s.logError(opGetStock, "record_select_failed", err, zap.Uint("product_id", productID))
		return StockRecord{}, newServiceError(opGetStock, "record_select_failed", err)
	}
	return record, nil
}

// MutationInput carries the shared fields of set and add operations.
type MutationInput struct {
	ProductID    uint
	Note         string
	Actor        string
	Origin       channel.Origin
	SourceSiteID *uint
	EventKey     *string
	Reason       Reason
}

// SetStock replaces the absolute quantity of a product under an exclusive row
// lock, appending exactly one ledger row in the same transaction.
func (s *Service) SetStock(ctx context.Context, input MutationInput, quantity int64) (StockRecord, error) {
	return s.mutate(ctx, opSetStock, input, func(int64) int64 { return quantity })
}

// AddStock applies a relative delta to a product's quantity under the same
// locking and ledger guarantees as SetStock.
func (s *Service) AddStock(ctx context.Context, input MutationInput, delta int64) (StockRecord, error) {
	return s.mutate(ctx, opAddStock, input, func(current int64) int64 { return current + delta })
}

func (s *Service) mutate(ctx context.Context, operation string, input MutationInput, target func(current int64) int64) (StockRecord, error) {
	if _, err := channel.ParseOrigin(string(input.Origin)); err != nil {
		s.logError(operation, "invalid_origin", err, zap.Uint("product_id", input.ProductID))
		return StockRecord{}, newServiceError(operation, "invalid_origin", errMissingOrigin)
	}

	var updated StockRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StockRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ?", input.ProductID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existing = StockRecord{ProductID: input.ProductID}
		} else if err != nil {
			s.logError(operation, "record_lock_failed", err, zap.Uint("product_id", input.ProductID))
			return newServiceError(operation, "record_lock_failed", err)
		}

		now := s.clock().UTC()
		targetQty := target(existing.Quantity)
		delta := targetQty - existing.Quantity

		updated = StockRecord{
			ProductID: input.ProductID,
			Quantity:  targetQty,
			UpdatedAt: now,
			UpdatedBy: input.Actor,
		}
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(operation, "record_save_failed", err, zap.Uint("product_id", input.ProductID))
			return newServiceError(operation, "record_save_failed", err)
		}

		moveID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, "id_generation_failed", err, zap.Uint("product_id", input.ProductID))
			return newServiceError(operation, "id_generation_failed", err)
		}
		move := StockMove{
			MoveID:       moveID,
			ProductID:    input.ProductID,
			Delta:        delta,
			ResultingQty: targetQty,
			Reason:       input.Reason,
			Origin:       input.Origin,
			SourceSiteID: input.SourceSiteID,
			EventKey:     input.EventKey,
			Note:         input.Note,
			Actor:        input.Actor,
			CreatedAt:    now,
		}
		if err := tx.Create(&move).Error; err != nil {
			s.logError(operation, "move_insert_failed", err, zap.Uint("product_id", input.ProductID))
			return newServiceError(operation, "move_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return StockRecord{}, txErr
	}

	if input.Origin.IsLocal() && s.fanout != nil {
		request := FanoutRequest{
			ProductID:    input.ProductID,
			Quantity:     updated.Quantity,
			Origin:       input.Origin,
			SourceSiteID: input.SourceSiteID,
		}
		if err := s.fanout.EnqueueFanout(ctx, request); err != nil {
			// The mutation is already committed; queueing failures surface in
			// logs and the next local mutation enqueues fresh jobs.
			s.logError(operation, "fanout_enqueue_failed", err, zap.Uint("product_id", input.ProductID))
		}
	}

	return updated, nil
}

// ListMoves returns the newest ledger rows for a product.
func (s *Service) ListMoves(ctx context.Context, productID uint, limit int) ([]StockMove, error) {
	if limit <= 0 {
		limit = 50
	}
	var moves []StockMove
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("created_at DESC, move_id DESC").
		Limit(limit).
		Find(&moves).Error
	if err != nil {
		s.logError(opListMoves, "query_failed", err, zap.Uint("product_id", productID))
		return nil, newServiceError(opListMoves, "query_failed", err)
	}
	return moves, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
