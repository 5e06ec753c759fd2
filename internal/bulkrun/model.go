package bulkrun

import (
	"time"
)

// Action selects the direction of a reconciliation run.
type Action string

const (
	// ActionImport writes remote quantities into the local ledger.
	ActionImport Action = "import"
	// ActionExport writes local quantities out to the remote channel.
	ActionExport Action = "export"
)

// Mode selects how quantities combine when a run applies them.
type Mode string

const (
	// ModeSet overwrites the target quantity.
	ModeSet Mode = "set"
	// ModeAdd adds the source quantity to the target's current quantity.
	ModeAdd Mode = "add"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	// RunRunning marks a run with unprocessed rows.
	RunRunning RunStatus = "running"
	// RunDone marks a run whose processed count reached its total.
	RunDone RunStatus = "done"
	// RunError marks a run whose snapshot failed before any row landed.
	RunError RunStatus = "error"
)

// RowStatus is the terminal state of one snapshot row.
type RowStatus string

const (
	// RowPending marks a row not yet claimed by a step call.
	RowPending RowStatus = "pending"
	// RowOK marks a successfully applied row.
	RowOK RowStatus = "ok"
	// RowSkip marks a row skipped without effect, such as an unknown SKU.
	RowSkip RowStatus = "skip"
	// RowError marks a row that failed to apply. Row failures never abort
	// the run.
	RowError RowStatus = "error"
)

// BulkRun is one whole-catalog reconciliation job against a single site.
type BulkRun struct {
	RunID         string    `gorm:"column:run_id;primaryKey;size:36" json:"run_id"`
	SiteID        uint      `gorm:"column:site_id;not null;index" json:"site_id"`
	Action        Action    `gorm:"column:action;size:16;not null" json:"action"`
	Mode          Mode      `gorm:"column:mode;size:16;not null" json:"mode"`
	Status        RunStatus `gorm:"column:status;size:16;not null;index" json:"status"`
	TotalRows     int       `gorm:"column:total_rows;not null;default:0" json:"total_rows"`
	ProcessedRows int       `gorm:"column:processed_rows;not null;default:0" json:"processed_rows"`
	LastError     string    `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	Actor         string    `gorm:"column:actor;size:190" json:"actor"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing bulk runs.
func (BulkRun) TableName() string {
	return "bulk_runs"
}

// BulkRow is one SKU of a run's remote snapshot. The identity columns make
// snapshot re-ingestion for the same run idempotent.
type BulkRow struct {
	RowID           string    `gorm:"column:row_id;primaryKey;size:36" json:"row_id"`
	RunID           string    `gorm:"column:run_id;size:36;not null;uniqueIndex:ux_bulk_rows_identity,priority:1;index:idx_bulk_rows_run_status,priority:1" json:"run_id"`
	SKU             string    `gorm:"column:sku;size:190;not null;uniqueIndex:ux_bulk_rows_identity,priority:2" json:"sku"`
	RemoteItemID    string    `gorm:"column:remote_item_id;size:190;not null;uniqueIndex:ux_bulk_rows_identity,priority:3" json:"remote_item_id"`
	RemoteVariantID string    `gorm:"column:remote_variant_id;size:190;not null;default:'';uniqueIndex:ux_bulk_rows_identity,priority:4" json:"remote_variant_id,omitempty"`
	RemoteQty       int64     `gorm:"column:remote_qty;not null" json:"remote_qty"`
	LocalQtyBefore  *int64    `gorm:"column:local_qty_before" json:"local_qty_before,omitempty"`
	LocalQtyAfter   *int64    `gorm:"column:local_qty_after" json:"local_qty_after,omitempty"`
	RemoteQtyBefore *int64    `gorm:"column:remote_qty_before" json:"remote_qty_before,omitempty"`
	RemoteQtyAfter  *int64    `gorm:"column:remote_qty_after" json:"remote_qty_after,omitempty"`
	Status          RowStatus `gorm:"column:status;size:16;not null;index:idx_bulk_rows_run_status,priority:2" json:"status"`
	Detail          string    `gorm:"column:detail;type:text" json:"detail,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing bulk rows.
func (BulkRow) TableName() string {
	return "bulk_rows"
}

// ParseAction validates a run action label.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionImport, ActionExport:
		return Action(raw), nil
	default:
		return "", errInvalidAction
	}
}

// ParseMode validates a run mode label.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeSet, ModeAdd:
		return Mode(raw), nil
	default:
		return "", errInvalidMode
	}
}
