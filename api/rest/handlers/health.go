package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/customeros/mailsync/dto"
	"github.com/customeros/mailsync/interfaces"
)

// HealthCheck provides a simple health check endpoint
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Status reports the last completed sync batch
func Status(provider interfaces.SyncStatusProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, lastRunAt, ok := provider.LastSummary()
		c.JSON(http.StatusOK, newSyncStatusResponse(summary, lastRunAt, ok))
	}
}

func newSyncStatusResponse(summary interfaces.BatchSummary, lastRunAt time.Time, ok bool) dto.SyncStatusResponse {
	response := dto.SyncStatusResponse{Status: "ok", Results: []dto.SyncResultResponse{}}
	if !ok {
		return response
	}

	at := lastRunAt.UTC()
	response.LastRunAt = &at
	response.Configurations = summary.Configurations
	response.Succeeded = summary.Succeeded
	response.Failed = summary.Failed
	response.Skipped = summary.Skipped
	response.Inserted = summary.Inserted
	for _, result := range summary.Results {
		item := dto.SyncResultResponse{
			ConfigurationID: result.ConfigurationID,
			Fetched:         result.Fetched,
			Inserted:        result.Inserted,
			Archived:        result.Archived,
			Watermark:       result.Watermark,
			Skipped:         result.Skipped,
			SkipReason:      result.SkipReason,
		}
		if result.Err != nil {
			item.Error = result.Err.Error()
		}
		response.Results = append(response.Results, item)
	}
	return response
}
