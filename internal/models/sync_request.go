package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/utils"
)

// SyncRequest is an out-of-band sync job written by an external caller and
// claimed by the monitor. Completed and failed rows are never updated again.
type SyncRequest struct {
	ID          string                 `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	UserID      string                 `gorm:"column:user_id;type:varchar(100);index;not null" json:"userId"`
	RequestType enum.SyncRequestType   `gorm:"column:request_type;type:varchar(50);not null" json:"requestType"`
	Status      enum.SyncRequestStatus `gorm:"column:status;type:varchar(20);not null;index:idx_sync_requests_status_requested" json:"status"`
	RequestedAt time.Time              `gorm:"column:requested_at;type:timestamp;not null;index:idx_sync_requests_status_requested" json:"requestedAt"`
	ClaimToken  string                 `gorm:"column:claim_token;type:varchar(50);index" json:"-"`
	ClaimedAt   *time.Time             `gorm:"column:claimed_at;type:timestamp" json:"claimedAt,omitempty"`
	ProcessedAt *time.Time             `gorm:"column:processed_at;type:timestamp" json:"processedAt,omitempty"`
	Result      *SyncRequestResult     `gorm:"column:result_json;type:jsonb" json:"result,omitempty"`
}

func (SyncRequest) TableName() string {
	return "sync_requests"
}

func (r *SyncRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = utils.GenerateUUID()
	}
	if r.RequestType == "" {
		r.RequestType = enum.SyncRequestManual
	}
	if r.Status == "" {
		r.Status = enum.SyncRequestPending
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = utils.Now()
	}
	return nil
}

// SyncRequestResult is the payload written on a terminal transition.
type SyncRequestResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	Error           string `json:"error,omitempty"`
	EmailsProcessed int    `json:"emailsProcessed"`
}
