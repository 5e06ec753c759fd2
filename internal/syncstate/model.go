package syncstate

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
)

// EventLock is a unique-constraint-backed admission record. The second insert
// attempt for the same key is the only sanctioned definition of "duplicate
// event". Rows are never deleted.
type EventLock struct {
	LockID      string         `gorm:"column:lock_id;primaryKey;size:190;not null"`
	SiteID      uint           `gorm:"column:site_id;not null;uniqueIndex:ux_event_locks_key,priority:1"`
	ProductID   uint           `gorm:"column:product_id;not null;uniqueIndex:ux_event_locks_key,priority:2"`
	Origin      channel.Origin `gorm:"column:origin;size:32;not null;uniqueIndex:ux_event_locks_key,priority:3"`
	EventKey    string         `gorm:"column:event_key;size:190;not null;uniqueIndex:ux_event_locks_key,priority:4"`
	PayloadHash string         `gorm:"column:payload_hash;size:64;not null;default:''"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing event locks.
func (EventLock) TableName() string {
	return "event_locks"
}

// SyncState records the last applied change per (product, site). Used only
// for anti-loop lookups; upserted on every successful apply.
type SyncState struct {
	ProductID  uint      `gorm:"column:product_id;primaryKey"`
	SiteID     uint      `gorm:"column:site_id;primaryKey"`
	Source     string    `gorm:"column:source;size:190;not null"`
	EventKey   string    `gorm:"column:event_key;size:190;not null;default:''"`
	AppliedQty int64     `gorm:"column:applied_qty;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing sync state.
func (SyncState) TableName() string {
	return "sync_states"
}

const pushOriginSourcePrefix = "webhook_push_origin_"

// PushOriginSource builds the source label recorded when a propagation push
// reaches a site because of an update that originated from originSiteID. The
// anti-loop check matches against this label.
func PushOriginSource(originSiteID uint) string {
	return fmt.Sprintf("%s%d", pushOriginSourcePrefix, originSiteID)
}

// WebhookSource builds the source label recorded when an inbound channel
// notification is applied.
func WebhookSource(origin channel.Origin) string {
	return "webhook_" + string(origin)
}

const (
	// SourceLocalPush is recorded when the push queue delivers a local change.
	SourceLocalPush = "local_push"
	// SourceBulkImport is recorded when a bulk run imports a remote quantity.
	SourceBulkImport = "bulk_import"
	// SourceBulkExport is recorded when a bulk run exports a local quantity.
	SourceBulkExport = "bulk_export"
)
