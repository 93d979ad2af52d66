package dto

import (
	"time"

	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/models"
)

type EnqueueSyncRequest struct {
	UserID string `json:"userId"`
	// Wait blocks the call until the request is terminal or the wait budget runs out.
	Wait bool `json:"wait"`
}

type SyncRequestResponse struct {
	ID          string                    `json:"id"`
	UserID      string                    `json:"userId"`
	Status      enum.SyncRequestStatus    `json:"status"`
	RequestedAt time.Time                 `json:"requestedAt"`
	ProcessedAt *time.Time                `json:"processedAt,omitempty"`
	Result      *models.SyncRequestResult `json:"result,omitempty"`
}

func NewSyncRequestResponse(r *models.SyncRequest) SyncRequestResponse {
	return SyncRequestResponse{
		ID:          r.ID,
		UserID:      r.UserID,
		Status:      r.Status,
		RequestedAt: r.RequestedAt,
		ProcessedAt: r.ProcessedAt,
		Result:      r.Result,
	}
}
