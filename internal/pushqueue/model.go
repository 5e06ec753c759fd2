package pushqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
)

// JobStatus is the lifecycle state of one outbound push job.
type JobStatus string

const (
	// StatusPending marks a job waiting for the next drain cycle.
	StatusPending JobStatus = "pending"
	// StatusRunning marks a job claimed by a drain cycle in progress.
	StatusRunning JobStatus = "running"
	// StatusDone marks a successfully applied job.
	StatusDone JobStatus = "done"
	// StatusError marks a failed job. Terminal; an operator re-drives it
	// through requeue, there is no automatic retry.
	StatusError JobStatus = "error"
)

// PushJob is one queued outbound stock write. Jobs are deduplicated by
// payload hash while a job with the same hash is still pending or running.
type PushJob struct {
	JobID       string         `gorm:"column:job_id;primaryKey;size:36" json:"job_id"`
	SiteID      uint           `gorm:"column:site_id;not null;index" json:"site_id"`
	ProductID   uint           `gorm:"column:product_id;not null;index" json:"product_id"`
	TargetQty   int64          `gorm:"column:target_qty;not null" json:"target_qty"`
	Origin      channel.Origin `gorm:"column:origin;size:32;not null" json:"origin"`
	Status      JobStatus      `gorm:"column:status;size:16;not null;index" json:"status"`
	PayloadHash string         `gorm:"column:payload_hash;size:64;not null;index" json:"payload_hash"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError   string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing push jobs.
func (PushJob) TableName() string {
	return "push_jobs"
}

// payloadHash fingerprints a job's effect for dedup. Two jobs writing the
// same quantity to the same site and product while one is still open are
// the same work.
func payloadHash(siteID, productID uint, quantity int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|set|%d", siteID, productID, quantity)))
	return hex.EncodeToString(sum[:])
}
