package ledger

import (
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
)

// Reason classifies why a stock mutation happened.
type Reason string

const (
	// ReasonManual marks operator-driven set/add operations.
	ReasonManual Reason = "manual"
	// ReasonWebhook marks mutations applied from an inbound channel notification.
	ReasonWebhook Reason = "webhook"
	// ReasonOrder marks mutations applied from a remote order notification.
	ReasonOrder Reason = "order"
	// ReasonBulkImport marks mutations applied by a bulk reconciliation run.
	ReasonBulkImport Reason = "bulk_import"
)

// StockRecord holds the current quantity for a product. One row per product,
// created on first mutation, mutated in place forever.
type StockRecord struct {
	ProductID uint      `gorm:"column:product_id;primaryKey" json:"product_id"`
	Quantity  int64     `gorm:"column:quantity;not null;default:0" json:"quantity"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
	UpdatedBy string    `gorm:"column:updated_by;size:190;not null;default:''" json:"updated_by"`
}

// TableName exposes the table backing stock records.
func (StockRecord) TableName() string {
	return "stock_records"
}

// StockMove is one immutable ledger entry. Rows are never updated or deleted;
// the resulting quantity of the newest row always equals the stock record.
type StockMove struct {
	MoveID       string         `gorm:"column:move_id;primaryKey;size:190;not null" json:"move_id"`
	ProductID    uint           `gorm:"column:product_id;not null;index:idx_stock_moves_product_time,priority:1" json:"product_id"`
	Delta        int64          `gorm:"column:delta;not null" json:"delta"`
	ResultingQty int64          `gorm:"column:resulting_qty;not null" json:"resulting_qty"`
	Reason       Reason         `gorm:"column:reason;size:32;not null" json:"reason"`
	Origin       channel.Origin `gorm:"column:origin;size:32;not null" json:"origin"`
	SourceSiteID *uint          `gorm:"column:source_site_id" json:"source_site_id,omitempty"`
	EventKey     *string        `gorm:"column:event_key;size:190" json:"event_key,omitempty"`
	Note         string         `gorm:"column:note;type:text;not null;default:''" json:"note"`
	Actor        string         `gorm:"column:actor;size:190;not null;default:''" json:"actor"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index:idx_stock_moves_product_time,priority:2" json:"created_at"`
}

// TableName exposes the table backing the move ledger.
func (StockMove) TableName() string {
	return "stock_moves"
}
