package mapping

import (
	"time"
)

// BindSource records how a mapping row came to exist.
type BindSource string

const (
	// BindManual marks operator-linked mappings.
	BindManual BindSource = "manual"
	// BindAuto marks mappings created by SKU resolution.
	BindAuto BindSource = "auto"
	// BindWebhook marks mappings self-healed from an inbound notification.
	BindWebhook BindSource = "webhook"
)

// ChannelMapping is the stored correspondence between a local product and a
// remote item/variant on a given site. One row per (site, product).
type ChannelMapping struct {
	MappingID       string     `gorm:"column:mapping_id;primaryKey;size:190;not null" json:"mapping_id"`
	SiteID          uint       `gorm:"column:site_id;not null;uniqueIndex:ux_mappings_site_product,priority:1;index:idx_mappings_site_item,priority:1" json:"site_id"`
	ProductID       uint       `gorm:"column:product_id;not null;uniqueIndex:ux_mappings_site_product,priority:2" json:"product_id"`
	RemoteItemID    string     `gorm:"column:remote_item_id;size:190;not null;index:idx_mappings_site_item,priority:2" json:"remote_item_id"`
	RemoteVariantID *string    `gorm:"column:remote_variant_id;size:190" json:"remote_variant_id,omitempty"`
	RemoteSKU       string     `gorm:"column:remote_sku;size:190;not null" json:"remote_sku"`
	BoundAt         time.Time  `gorm:"column:bound_at;not null" json:"bound_at"`
	BoundBy         BindSource `gorm:"column:bound_by;size:32;not null" json:"bound_by"`
}

// TableName exposes the table backing channel mappings.
func (ChannelMapping) TableName() string {
	return "channel_mappings"
}
