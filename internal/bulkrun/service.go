package bulkrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/identifier"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "bulkrun.service.new"
	opStart      = "bulkrun.start"
	opStep       = "bulkrun.step"
	opStatus     = "bulkrun.status"
)

// DefaultStepBudget bounds the wall-clock time one step call spends applying
// rows before returning.
const DefaultStepBudget = 20 * time.Second

var (
	errInvalidAction = errors.New("bulkrun: action must be import or export")
	errInvalidMode   = errors.New("bulkrun: mode must be set or add")
	// ErrRunNotFound indicates the requested run does not exist.
	ErrRunNotFound = errors.New("bulkrun: run not found")
)

// ServiceError carries the failing run operation alongside the cause.
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

// ServiceConfig describes the dependencies of the bulk reconciliation runner.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
	Directory  *channel.Directory
	Factory    channel.Factory
	Catalog    *catalog.Service
	Ledger     *ledger.Service
	Mappings   *mapping.Resolver
	Tracker    *syncstate.Tracker
	// StepBudget bounds one step call. Zero selects DefaultStepBudget.
	StepBudget time.Duration
}

// Service drives three-phase reconciliation runs: snapshot, stepped apply,
// status. Progress across step calls lives entirely in the run and row
// tables, so any scheduler tick can resume any run.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
	directory  *channel.Directory
	factory    channel.Factory
	catalog    *catalog.Service
	ledger     *ledger.Service
	mappings   *mapping.Resolver
	tracker    *syncstate.Tracker
	stepBudget time.Duration
}

// NewService constructs the bulk runner.
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
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", nil)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", nil)
	}
	if cfg.Mappings == nil {
		return nil, newServiceError(opServiceNew, "missing_mappings", nil)
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
	stepBudget := cfg.StepBudget
	if stepBudget <= 0 {
		stepBudget = DefaultStepBudget
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		directory:  cfg.Directory,
		factory:    cfg.Factory,
		catalog:    cfg.Catalog,
		ledger:     cfg.Ledger,
		mappings:   cfg.Mappings,
		tracker:    cfg.Tracker,
		stepBudget: stepBudget,
	}, nil
}

// Start creates a run and ingests the remote stock snapshot as pending rows.
// A snapshot fetch failure fails the whole run; an empty valid snapshot
// completes it immediately. Either way the persisted run is returned, never
// an error for run-level outcomes.
func (s *Service) Start(ctx context.Context, siteID uint, action Action, mode Mode, actor string) (BulkRun, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return BulkRun{}, newServiceError(opStart, "invalid_action", err)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return BulkRun{}, newServiceError(opStart, "invalid_mode", err)
	}
	site, err := s.directory.SiteByID(ctx, siteID)
	if err != nil {
		return BulkRun{}, newServiceError(opStart, "site_lookup_failed", err)
	}

	runID, err := s.idProvider.NewID()
	if err != nil {
		return BulkRun{}, newServiceError(opStart, "id_generation_failed", err)
	}
	run := BulkRun{
		RunID:  runID,
		SiteID: siteID,
		Action: action,
		Mode:   mode,
		Status: RunRunning,
		Actor:  actor,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return BulkRun{}, newServiceError(opStart, "create_failed", err)
	}

	ch, err := s.factory.ChannelFor(site)
	if err != nil {
		return s.failRun(ctx, run, err)
	}
	entries, err := ch.ListStock(ctx)
	if err != nil {
		return s.failRun(ctx, run, err)
	}
	return s.ingestSnapshot(ctx, run, entries)
}

func (s *Service) failRun(ctx context.Context, run BulkRun, cause error) (BulkRun, error) {
	run.Status = RunError
	run.LastError = cause.Error()
	err := s.db.WithContext(ctx).
		Model(&BulkRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{"status": RunError, "last_error": run.LastError}).Error
	if err != nil {
		return run, newServiceError(opStart, "fail_update_failed", err)
	}
	s.logger.Warn("bulk run snapshot failed",
		zap.String("run_id", run.RunID),
		zap.Uint("site_id", run.SiteID),
		zap.String("last_error", run.LastError))
	return run, nil
}

func (s *Service) ingestSnapshot(ctx context.Context, run BulkRun, entries []channel.StockEntry) (BulkRun, error) {
	inserted := 0
	processed := 0
	for _, entry := range entries {
		rowID, err := s.idProvider.NewID()
		if err != nil {
			return run, newServiceError(opStart, "id_generation_failed", err)
		}
		row := BulkRow{
			RowID:           rowID,
			RunID:           run.RunID,
			SKU:             entry.SKU,
			RemoteItemID:    entry.ItemID,
			RemoteVariantID: entry.VariantID,
			RemoteQty:       entry.Quantity,
			Status:          RowPending,
		}
		if entry.SKU == "" {
			row.Status = RowError
			row.Detail = "snapshot entry has no sku"
		}
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "sku"}, {Name: "remote_item_id"}, {Name: "remote_variant_id"}},
				DoNothing: true,
			}).
			Create(&row)
		if result.Error != nil {
			return run, newServiceError(opStart, "row_insert_failed", result.Error)
		}
		// Paginated listings repeat entries; only rows that survived the
		// dedup insert may count toward the run totals.
		if result.RowsAffected == 0 {
			continue
		}
		inserted++
		if row.Status == RowError {
			processed++
		}
	}

	run.TotalRows = inserted
	run.ProcessedRows = processed
	if run.ProcessedRows >= run.TotalRows {
		run.Status = RunDone
	}
	err := s.db.WithContext(ctx).
		Model(&BulkRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{
			"total_rows":     run.TotalRows,
			"processed_rows": run.ProcessedRows,
			"status":         run.Status,
		}).Error
	if err != nil {
		return run, newServiceError(opStart, "totals_update_failed", err)
	}
	s.logger.Info("bulk run started",
		zap.String("run_id", run.RunID),
		zap.Uint("site_id", run.SiteID),
		zap.String("action", string(run.Action)),
		zap.Int("total_rows", run.TotalRows))
	return run, nil
}

// Step claims up to batch pending rows and applies the run's action to each,
// bounded by the wall-clock step budget. Calling step on a finished run is a
// no-op. The run flips to done when its processed count reaches its total.
func (s *Service) Step(ctx context.Context, runID string, batch int) (BulkRun, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return BulkRun{}, err
	}
	if run.Status != RunRunning {
		return run, nil
	}
	if batch <= 0 {
		batch = 50
	}

	var rows []BulkRow
	err = s.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, RowPending).
		Order("created_at").
		Limit(batch).
		Find(&rows).Error
	if err != nil {
		return run, newServiceError(opStep, "claim_failed", err)
	}

	site, err := s.directory.SiteByID(ctx, run.SiteID)
	if err != nil {
		return run, newServiceError(opStep, "site_lookup_failed", err)
	}
	ch, err := s.factory.ChannelFor(site)
	if err != nil {
		return run, newServiceError(opStep, "channel_failed", err)
	}

	deadline := s.clock().Add(s.stepBudget)
	for _, row := range rows {
		if s.clock().After(deadline) {
			break
		}
		status, detail := s.applyRow(ctx, run, site, ch, &row)
		if err := s.finishRow(ctx, &row, status, detail); err != nil {
			return run, newServiceError(opStep, "row_update_failed", err)
		}
	}
	return s.refreshProgress(ctx, run)
}

func (s *Service) applyRow(ctx context.Context, run BulkRun, site channel.SiteConnection, ch channel.Channel, row *BulkRow) (RowStatus, string) {
	product, err := s.catalog.LookupBySKU(ctx, row.SKU)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return RowSkip, "sku not in local catalog"
	}
	if err != nil {
		return RowError, err.Error()
	}

	switch run.Action {
	case ActionImport:
		return s.applyImport(ctx, run, site, row, product)
	case ActionExport:
		return s.applyExport(ctx, run, site, ch, row, product)
	default:
		return RowError, errInvalidAction.Error()
	}
}

func (s *Service) applyImport(ctx context.Context, run BulkRun, site channel.SiteConnection, row *BulkRow, product catalog.Product) (RowStatus, string) {
	before, err := s.ledger.GetStock(ctx, product.ID)
	if err != nil {
		return RowError, err.Error()
	}
	localBefore := before.Quantity
	row.LocalQtyBefore = &localBefore
	row.RemoteQtyBefore = &row.RemoteQty
	row.RemoteQtyAfter = &row.RemoteQty

	input := ledger.MutationInput{
		ProductID:    product.ID,
		Note:         fmt.Sprintf("bulk import run %s", run.RunID),
		Actor:        run.Actor,
		Origin:       site.Protocol.Origin(),
		SourceSiteID: &site.ID,
		Reason:       ledger.ReasonBulkImport,
	}
	var updated ledger.StockRecord
	if run.Mode == ModeAdd {
		updated, err = s.ledger.AddStock(ctx, input, row.RemoteQty)
	} else {
		updated, err = s.ledger.SetStock(ctx, input, row.RemoteQty)
	}
	if err != nil {
		return RowError, err.Error()
	}
	localAfter := updated.Quantity
	row.LocalQtyAfter = &localAfter

	if err := s.tracker.MarkUpdateState(ctx, product.ID, site.ID, syncstate.SourceBulkImport, nil, updated.Quantity); err != nil {
		s.logger.Warn("marking sync state after bulk import failed",
			zap.String("run_id", run.RunID),
			zap.Uint("product_id", product.ID),
			zap.Error(err))
	}
	return RowOK, ""
}

func (s *Service) applyExport(ctx context.Context, run BulkRun, site channel.SiteConnection, ch channel.Channel, row *BulkRow, product catalog.Product) (RowStatus, string) {
	local, err := s.ledger.GetStock(ctx, product.ID)
	if err != nil {
		return RowError, err.Error()
	}
	target := local.Quantity
	if run.Mode == ModeAdd {
		target = row.RemoteQty + local.Quantity
	}
	localQty := local.Quantity
	row.LocalQtyBefore = &localQty
	row.LocalQtyAfter = &localQty
	row.RemoteQtyBefore = &row.RemoteQty
	row.RemoteQtyAfter = &target

	ref := channel.RemoteRef{ItemID: row.RemoteItemID, VariantID: row.RemoteVariantID, SKU: row.SKU}
	bound, err := s.mappings.EnsureBound(ctx, site.ID, product.ID, ref)
	if err != nil {
		return RowError, err.Error()
	}
	if err := ch.WriteStock(ctx, bound.Ref(), target); err != nil {
		return RowError, err.Error()
	}
	if err := s.tracker.MarkUpdateState(ctx, product.ID, site.ID, syncstate.SourceBulkExport, nil, target); err != nil {
		s.logger.Warn("marking sync state after bulk export failed",
			zap.String("run_id", run.RunID),
			zap.Uint("product_id", product.ID),
			zap.Error(err))
	}
	return RowOK, ""
}

// finishRow resolves a claimed row. The status guard keeps a row from being
// resolved twice when step calls overlap.
func (s *Service) finishRow(ctx context.Context, row *BulkRow, status RowStatus, detail string) error {
	return s.db.WithContext(ctx).
		Model(&BulkRow{}).
		Where("row_id = ? AND status = ?", row.RowID, RowPending).
		Updates(map[string]interface{}{
			"status":            status,
			"detail":            detail,
			"local_qty_before":  row.LocalQtyBefore,
			"local_qty_after":   row.LocalQtyAfter,
			"remote_qty_before": row.RemoteQtyBefore,
			"remote_qty_after":  row.RemoteQtyAfter,
		}).Error
}

func (s *Service) refreshProgress(ctx context.Context, run BulkRun) (BulkRun, error) {
	var processed int64
	err := s.db.WithContext(ctx).
		Model(&BulkRow{}).
		Where("run_id = ? AND status <> ?", run.RunID, RowPending).
		Count(&processed).Error
	if err != nil {
		return run, newServiceError(opStep, "progress_count_failed", err)
	}
	run.ProcessedRows = int(processed)
	if run.ProcessedRows >= run.TotalRows {
		run.Status = RunDone
	}
	err = s.db.WithContext(ctx).
		Model(&BulkRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{
			"processed_rows": run.ProcessedRows,
			"status":         run.Status,
		}).Error
	if err != nil {
		return run, newServiceError(opStep, "progress_update_failed", err)
	}
	if run.Status == RunDone {
		s.logger.Info("bulk run done",
			zap.String("run_id", run.RunID),
			zap.Int("total_rows", run.TotalRows))
	}
	return run, nil
}

// RunStatusView is the read-only progress projection of a run.
type RunStatusView struct {
	Run  BulkRun   `json:"run"`
	Rows []BulkRow `json:"rows"`
}

// Status returns a run with its most recently touched rows.
func (s *Service) Status(ctx context.Context, runID string, rowLimit int) (RunStatusView, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return RunStatusView{}, err
	}
	if rowLimit <= 0 {
		rowLimit = 50
	}
	var rows []BulkRow
	err = s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("updated_at DESC").
		Limit(rowLimit).
		Find(&rows).Error
	if err != nil {
		return RunStatusView{}, newServiceError(opStatus, "rows_query_failed", err)
	}
	return RunStatusView{Run: run, Rows: rows}, nil
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]BulkRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []BulkRun
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, newServiceError(opStatus, "runs_query_failed", err)
	}
	return runs, nil
}

func (s *Service) loadRun(ctx context.Context, runID string) (BulkRun, error) {
	var run BulkRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BulkRun{}, newServiceError(opStatus, "not_found", ErrRunNotFound)
	}
	if err != nil {
		return BulkRun{}, newServiceError(opStatus, "load_failed", err)
	}
	return run, nil
}
