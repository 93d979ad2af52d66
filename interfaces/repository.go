package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/models"
)

type MailboxConfigurationRepository interface {
	Create(ctx context.Context, configuration *models.MailboxConfiguration) error
	GetByID(ctx context.Context, id string) (*models.MailboxConfiguration, error)
	ListActive(ctx context.Context) ([]*models.MailboxConfiguration, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*models.MailboxConfiguration, error)
	ListAll(ctx context.Context) ([]*models.MailboxConfiguration, error)
	GetWatermark(ctx context.Context, id string) (uint32, error)
	SetWatermark(ctx context.Context, id string, value uint32) error
	AcquireSyncLease(ctx context.Context, id, holder string, ttl time.Duration) (bool, error)
	RenewSyncLease(ctx context.Context, id, holder string, ttl time.Duration) (bool, error)
	ReleaseSyncLease(ctx context.Context, id, holder string, status enum.SyncStatus, lastError string) error
	UpdateEncryptedPassword(ctx context.Context, id, encryptedPassword string) error
}

type EmailInboxRepository interface {
	InsertIfAbsent(ctx context.Context, userID string, record *models.EmailInbox) (bool, error)
	MarkArchived(ctx context.Context, messageIDs []string, userID, folder string) (int64, error)
	ListNotArchived(ctx context.Context, configurationID string, limit int) ([]*models.EmailInbox, error)
}

type SyncRequestRepository interface {
	Enqueue(ctx context.Context, userID string) (*models.SyncRequest, error)
	ClaimPending(ctx context.Context, limit int, claimToken string) ([]*models.SyncRequest, error)
	Complete(ctx context.Context, id string, result models.SyncRequestResult) error
	Fail(ctx context.Context, id string, errMessage string) error
	GetByID(ctx context.Context, id string) (*models.SyncRequest, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*models.SyncRequest, error)
}
