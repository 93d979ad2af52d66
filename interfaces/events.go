package interfaces

import (
	"context"

	"github.com/customeros/mailsync/dto"
)

type EventPublisher interface {
	PublishEmailImported(ctx context.Context, event dto.EmailImported) error
	PublishSyncRequestFinished(ctx context.Context, event dto.SyncRequestFinished) error
	Close() error
}
