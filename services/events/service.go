package events

import (
	"context"

	"github.com/customeros/mailsync/dto"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/logger"
)

// NewEventPublisher connects to RabbitMQ, or returns a NoopPublisher when no URL is configured.
func NewEventPublisher(rabbitmqURL string, log logger.Logger, publisherConfig *PublisherConfig) (interfaces.EventPublisher, error) {
	if rabbitmqURL == "" {
		log.Info("RABBITMQ_URL not set, events will not be published")
		return NoopPublisher{}, nil
	}
	return NewRabbitMQPublisher(rabbitmqURL, log, publisherConfig)
}

type NoopPublisher struct{}

func (NoopPublisher) PublishEmailImported(context.Context, dto.EmailImported) error { return nil }

func (NoopPublisher) PublishSyncRequestFinished(context.Context, dto.SyncRequestFinished) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
