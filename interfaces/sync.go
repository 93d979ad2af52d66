package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/models"
)

// SyncResult summarizes one configuration run.
type SyncResult struct {
	ConfigurationID string
	Fetched         int
	Inserted        int
	Archived        int
	Watermark       uint32
	Skipped         bool
	SkipReason      string
	Err             error
}

type BatchSummary struct {
	Configurations int
	Succeeded      int
	Failed         int
	Skipped        int
	Inserted       int
	Results        []SyncResult
}

type SyncManager interface {
	SyncConfiguration(ctx context.Context, configuration *models.MailboxConfiguration) SyncResult
	SyncAll(ctx context.Context) (BatchSummary, error)
	ArchiveBacklog(ctx context.Context, configurationID string) (int, error)
}

type SyncRequestQueue interface {
	Enqueue(ctx context.Context, userID string) (*models.SyncRequest, error)
	Claim(ctx context.Context, limit int) ([]*models.SyncRequest, error)
	Complete(ctx context.Context, id string, result models.SyncRequestResult) error
	Fail(ctx context.Context, id string, errMessage string) error
	Get(ctx context.Context, id string) (*models.SyncRequest, error)
	Purge(ctx context.Context, days int) (int64, error)
}

// SyncRequestWaiter blocks until a request is terminal or the wait budget is spent.
type SyncRequestWaiter interface {
	Wait(ctx context.Context, id string) (*models.SyncRequest, enum.SyncRequestStatus, error)
}

type SyncStatusProvider interface {
	LastSummary() (BatchSummary, time.Time, bool)
}
