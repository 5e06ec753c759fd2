package pushqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/identifier"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "pushqueue.service.new"
	opEnqueue    = "pushqueue.enqueue_fanout"
	opDrain      = "pushqueue.drain"
	opRequeue    = "pushqueue.requeue"
	opList       = "pushqueue.list"
)

// DefaultDrainBatch bounds one drain cycle when the caller passes no batch size.
const DefaultDrainBatch = 20

// ServiceError carries the failing queue operation alongside the cause.
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

func newServiceError(operation, reason string, err error) *ServiceError {
	return &ServiceError{code: operation + "." + reason, err: err}
}

// ErrJobNotFound indicates the requested push job does not exist.
var ErrJobNotFound = errors.New("pushqueue: job not found")

// ErrJobNotRequeueable indicates the job is not in a terminal error state.
var ErrJobNotRequeueable = errors.New("pushqueue: only error jobs can be requeued")

// ServiceConfig describes the dependencies of the push queue.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
	Directory  *channel.Directory
	Factory    channel.Factory
	Mappings   *mapping.Resolver
	Catalog    *catalog.Service
	Tracker    *syncstate.Tracker
}

// Service is the durable outbound push queue: a work-queue pattern over a
// relational table, drained by an external scheduler tick.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
	directory  *channel.Directory
	factory    channel.Factory
	mappings   *mapping.Resolver
	catalog    *catalog.Service
	tracker    *syncstate.Tracker
}

// NewService constructs the push queue service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", nil)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", nil)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", nil)
	}
	if cfg.Factory == nil {
		return nil, newServiceError(opServiceNew, "missing_factory", nil)
	}
	if cfg.Mappings == nil {
		return nil, newServiceError(opServiceNew, "missing_mappings", nil)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", nil)
	}
	if cfg.Tracker == nil {
		return nil, newServiceError(opServiceNew, "missing_tracker", nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		directory:  cfg.Directory,
		factory:    cfg.Factory,
		mappings:   cfg.Mappings,
		catalog:    cfg.Catalog,
		tracker:    cfg.Tracker,
	}, nil
}

// EnqueueFanout queues one push job per active, push-enabled, credentialed
// site other than the mutation's source site. Jobs duplicating an open job's
// payload are skipped.
func (s *Service) EnqueueFanout(ctx context.Context, request ledger.FanoutRequest) error {
	sites, err := s.directory.ActiveSites(ctx)
	if err != nil {
		return newServiceError(opEnqueue, "list_sites_failed", err)
	}
	for _, site := range sites {
		if request.SourceSiteID != nil && site.ID == *request.SourceSiteID {
			continue
		}
		if !site.Mode.AllowsPush() || !site.HasCredentials() {
			continue
		}
		if err := s.enqueueJob(ctx, site.ID, request); err != nil {
			// One bad site must not block fan-out to the rest.
			s.logger.Error("enqueueing push job failed",
				zap.String("operation", opEnqueue),
				zap.Uint("site_id", site.ID),
				zap.Uint("product_id", request.ProductID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Service) enqueueJob(ctx context.Context, siteID uint, request ledger.FanoutRequest) error {
	hash := payloadHash(siteID, request.ProductID, request.Quantity)

	var open int64
	err := s.db.WithContext(ctx).
		Model(&PushJob{}).
		Where("payload_hash = ? AND status IN ?", hash, []JobStatus{StatusPending, StatusRunning}).
		Count(&open).Error
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}

	jobID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	job := PushJob{
		JobID:       jobID,
		SiteID:      siteID,
		ProductID:   request.ProductID,
		TargetQty:   request.Quantity,
		Origin:      request.Origin,
		Status:      StatusPending,
		PayloadHash: hash,
	}
	err = s.db.WithContext(ctx).Create(&job).Error
	if err != nil && isDuplicateKeyError(err) {
		// Lost the race to a concurrent enqueue with the same payload.
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("push job enqueued",
		zap.String("job_id", jobID),
		zap.Uint("site_id", siteID),
		zap.Uint("product_id", request.ProductID),
		zap.Int64("target_qty", request.Quantity))
	return nil
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Drain claims up to batch pending jobs and processes each to a terminal
// status. Failed jobs stay in error until an operator requeues them.
func (s *Service) Drain(ctx context.Context, batch int) (DrainResult, error) {
	if batch <= 0 {
		batch = DefaultDrainBatch
	}
	var candidates []PushJob
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at").
		Limit(batch).
		Find(&candidates).Error
	if err != nil {
		return DrainResult{}, newServiceError(opDrain, "list_pending_failed", err)
	}

	var result DrainResult
	for _, job := range candidates {
		claimed, err := s.claim(ctx, job.JobID)
		if err != nil {
			return result, newServiceError(opDrain, "claim_failed", err)
		}
		if !claimed {
			continue
		}
		result.Claimed++
		if applyErr := s.apply(ctx, &job); applyErr != nil {
			result.Failed++
			s.finish(ctx, &job, StatusError, applyErr.Error())
		} else {
			result.Done++
			s.finish(ctx, &job, StatusDone, "")
		}
	}
	return result, nil
}

// claim flips one job pending to running. The status guard makes concurrent
// drain cycles safe: only one claims any given job.
func (s *Service) claim(ctx context.Context, jobID string) (bool, error) {
	update := s.db.WithContext(ctx).
		Model(&PushJob{}).
		Where("job_id = ? AND status = ?", jobID, StatusPending).
		Update("status", StatusRunning)
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected > 0, nil
}

func (s *Service) apply(ctx context.Context, job *PushJob) error {
	site, err := s.directory.SiteByID(ctx, job.SiteID)
	if err != nil {
		return err
	}
	if !site.Active() || !site.Mode.AllowsPush() {
		return fmt.Errorf("site %d no longer accepts pushes", site.ID)
	}
	ch, err := s.factory.ChannelFor(site)
	if err != nil {
		return err
	}
	product, err := s.catalog.LookupByID(ctx, job.ProductID)
	if err != nil {
		return err
	}
	bound, err := s.mappings.Resolve(ctx, site, product.ID, product.SKU, ch)
	if err != nil {
		return err
	}
	if err := ch.WriteStock(ctx, bound.Ref(), job.TargetQty); err != nil {
		return err
	}
	if err := s.tracker.MarkUpdateState(ctx, job.ProductID, job.SiteID, syncstate.SourceLocalPush, nil, job.TargetQty); err != nil {
		// The remote write already landed; a stale sync state only widens
		// the anti-loop false-positive window.
		s.logger.Warn("marking sync state after push failed",
			zap.String("operation", opDrain),
			zap.String("job_id", job.JobID),
			zap.Error(err))
	}
	return nil
}

func (s *Service) finish(ctx context.Context, job *PushJob, status JobStatus, lastError string) {
	updates := map[string]interface{}{
		"status":     status,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	}
	err := s.db.WithContext(ctx).
		Model(&PushJob{}).
		Where("job_id = ?", job.JobID).
		Updates(updates).Error
	if err != nil {
		s.logger.Error("finalizing push job failed",
			zap.String("operation", opDrain),
			zap.String("job_id", job.JobID),
			zap.Error(err))
		return
	}
	if status == StatusError {
		s.logger.Warn("push job failed",
			zap.String("job_id", job.JobID),
			zap.Uint("site_id", job.SiteID),
			zap.Uint("product_id", job.ProductID),
			zap.String("last_error", lastError))
		return
	}
	s.logger.Info("push job done",
		zap.String("job_id", job.JobID),
		zap.Uint("site_id", job.SiteID),
		zap.Uint("product_id", job.ProductID),
		zap.Int64("target_qty", job.TargetQty))
}

// Requeue returns a failed job to pending so the next drain retries it.
func (s *Service) Requeue(ctx context.Context, jobID string) (PushJob, error) {
	var job PushJob
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PushJob{}, newServiceError(opRequeue, "not_found", ErrJobNotFound)
	}
	if err != nil {
		return PushJob{}, newServiceError(opRequeue, "load_failed", err)
	}
	if job.Status != StatusError {
		return PushJob{}, newServiceError(opRequeue, "invalid_status", ErrJobNotRequeueable)
	}
	err = s.db.WithContext(ctx).
		Model(&PushJob{}).
		Where("job_id = ? AND status = ?", jobID, StatusError).
		Updates(map[string]interface{}{"status": StatusPending, "last_error": ""}).Error
	if err != nil {
		return PushJob{}, newServiceError(opRequeue, "update_failed", err)
	}
	job.Status = StatusPending
	job.LastError = ""
	return job, nil
}

// List returns recent jobs, optionally filtered by status.
func (s *Service) List(ctx context.Context, status JobStatus, limit int) ([]PushJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var jobs []PushJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, newServiceError(opList, "query_failed", err)
	}
	return jobs, nil
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
